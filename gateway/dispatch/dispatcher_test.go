package dispatch

import (
	"testing"
	"time"

	"github.com/hypertuna/gateway/gateway/core/wire"
)

func newTestDispatcher() *Dispatcher {
	return New(DefaultConfig(), nil)
}

func TestScheduleSkipsSaturatedPeer(t *testing.T) {
	d := newTestDispatcher()
	d.ReportPeerMetrics("p1", wire.PeerMetrics{LatencyMs: 50})
	d.ReportPeerMetrics("p2", wire.PeerMetrics{LatencyMs: 20})

	// Fill p2's in-flight window.
	for i := 0; i < 3; i++ {
		res := d.Schedule(Job{Peers: []string{"p2"}})
		if res.Status != StatusAssigned {
			t.Fatalf("setup assignment %d failed: %+v", i, res)
		}
	}

	// p2 scores better on latency but is saturated; p1 must win.
	res := d.Schedule(Job{Peers: []string{"p1", "p2"}})
	if res.Status != StatusAssigned || res.AssignedPeer != "p1" {
		t.Fatalf("expected p1, got %+v", res)
	}
}

func TestScheduleRejectsEmptyPeerList(t *testing.T) {
	d := newTestDispatcher()
	res := d.Schedule(Job{})
	if res.Status != StatusRejected || res.Reason != ReasonNoPeers {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.JobID == "" {
		t.Fatal("rejected job still needs an id for auditing")
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	d := newTestDispatcher()

	for i := 0; i < 5; i++ {
		res := d.Schedule(Job{Peers: []string{"p1"}})
		if res.Status != StatusAssigned {
			t.Fatalf("assignment %d rejected: %+v", i, res)
		}
		d.Fail(res.JobID, "upstream-error")
	}

	p, ok := d.Peer("p1")
	if !ok {
		t.Fatal("peer state missing")
	}
	until := time.Until(p.CircuitBrokenUntil)
	if until < 55*time.Second || until > 61*time.Second {
		t.Fatalf("circuit window = %v, want ~60s", until)
	}

	res := d.Schedule(Job{Peers: []string{"p1"}})
	if res.Status != StatusRejected || res.Reason != ReasonPeersSaturated {
		t.Fatalf("expected peers-saturated while circuit open, got %+v", res)
	}
}

func TestHealthyMetricsRestoreCircuit(t *testing.T) {
	d := newTestDispatcher()
	for i := 0; i < 5; i++ {
		res := d.Schedule(Job{Peers: []string{"p1"}})
		d.Fail(res.JobID, "upstream-error")
	}

	// A report with failure rate above the threshold does not restore.
	d.ReportPeerMetrics("p1", wire.PeerMetrics{FailureRate: 0.9})
	if res := d.Schedule(Job{Peers: []string{"p1"}}); res.Status != StatusRejected {
		t.Fatalf("circuit should still be open: %+v", res)
	}

	d.ReportPeerMetrics("p1", wire.PeerMetrics{FailureRate: 0.1})
	res := d.Schedule(Job{Peers: []string{"p1"}})
	if res.Status != StatusAssigned {
		t.Fatalf("circuit should be restored: %+v", res)
	}
}

func TestAcknowledgeDecaysFailureRate(t *testing.T) {
	d := newTestDispatcher()

	res := d.Schedule(Job{Peers: []string{"p1"}})
	d.Fail(res.JobID, "x")
	p, _ := d.Peer("p1")
	if p.FailureRate < 0.29 || p.FailureRate > 0.31 {
		t.Fatalf("failure rate after one failure = %v, want 0.3", p.FailureRate)
	}

	res = d.Schedule(Job{Peers: []string{"p1"}})
	d.Acknowledge(res.JobID, "ok")
	p, _ = d.Peer("p1")
	if p.FailureRate < 0.20 || p.FailureRate > 0.22 {
		t.Fatalf("failure rate after ack = %v, want 0.21", p.FailureRate)
	}
	if p.ConsecutiveFailures != 0 {
		t.Fatalf("ack must clear consecutive failures, got %d", p.ConsecutiveFailures)
	}
	if p.InFlight != 0 {
		t.Fatalf("slot not returned: %d", p.InFlight)
	}
}

func TestLagPenaltyAppliesAboveThreshold(t *testing.T) {
	d := newTestDispatcher()
	d.ReportPeerMetrics("fresh", wire.PeerMetrics{LatencyMs: 100, ReplicationLag: 499})
	d.ReportPeerMetrics("laggy", wire.PeerMetrics{LatencyMs: 1, ReplicationLag: 5000})

	// Below the threshold lag is free; above it the raw lag dominates.
	res := d.Schedule(Job{Peers: []string{"fresh", "laggy"}})
	if res.AssignedPeer != "fresh" {
		t.Fatalf("expected fresh peer, got %+v", res)
	}
}

func TestTieBreakPrefersLeastRecentlyAssigned(t *testing.T) {
	d := newTestDispatcher()
	d.ReportPeerMetrics("p1", wire.PeerMetrics{})
	d.ReportPeerMetrics("p2", wire.PeerMetrics{})

	first := d.Schedule(Job{Peers: []string{"p1", "p2"}})
	d.Acknowledge(first.JobID, "ok")
	second := d.Schedule(Job{Peers: []string{"p1", "p2"}})
	if second.AssignedPeer == first.AssignedPeer {
		t.Fatalf("tie-break did not rotate: both went to %s", first.AssignedPeer)
	}
}

func TestInFlightNeverExceedsLimit(t *testing.T) {
	d := newTestDispatcher()
	for i := 0; i < 10; i++ {
		d.Schedule(Job{Peers: []string{"p1"}})
	}
	p, _ := d.Peer("p1")
	if p.InFlight > 3 {
		t.Fatalf("in-flight %d exceeds limit", p.InFlight)
	}
}
