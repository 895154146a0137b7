// Package dispatch picks the worker peer for each subscription/publish job
// and tracks per-peer health. All operations are in-memory and
// non-blocking: they only mutate guarded state.
package dispatch

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hypertuna/gateway/gateway/core/wire"
	"github.com/hypertuna/gateway/gateway/metrics"
)

type Config struct {
	MaxConcurrentJobsPerPeer int
	MaxFailureRate           float64
	ReassignOnLagBlocks      int64
	CircuitBreakerThreshold  int
	CircuitBreakerDuration   time.Duration
	WeightLatency            float64
	WeightInFlight           float64
	WeightFailure            float64
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobsPerPeer: 3,
		MaxFailureRate:           0.4,
		ReassignOnLagBlocks:      500,
		CircuitBreakerThreshold:  5,
		CircuitBreakerDuration:   60 * time.Second,
		WeightLatency:            1,
		WeightInFlight:           25,
		WeightFailure:            500,
	}
}

type PeerState struct {
	PeerID              string
	LatencyMs           float64
	InFlight            int
	FailureRate         float64
	ConsecutiveFailures int
	ReplicationLag      int64
	CircuitBrokenUntil  time.Time
	LastAssignedAt      time.Time
}

// Job statuses and rejection reasons.
const (
	StatusAssigned = "assigned"
	StatusRejected = "rejected"

	ReasonNoPeers        = "no-peers"
	ReasonNoCandidate    = "no-candidate"
	ReasonPeersSaturated = "peers-saturated"

	ReasonClientCancelled = "client-cancelled"
)

type Job struct {
	JobID   string
	RelayID string
	Peers   []string
}

type Result struct {
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	AssignedPeer string `json:"assignedPeer,omitempty"`
	JobID        string `json:"jobId"`
}

type Dispatcher struct {
	cfg Config
	m   *metrics.Metrics

	mu    sync.Mutex
	peers map[string]*PeerState
	jobs  map[string]string // job id -> peer id
}

func New(cfg Config, m *metrics.Metrics) *Dispatcher {
	if cfg.MaxConcurrentJobsPerPeer <= 0 {
		cfg = DefaultConfig()
	}
	return &Dispatcher{
		cfg:   cfg,
		m:     m,
		peers: map[string]*PeerState{},
		jobs:  map[string]string{},
	}
}

func (d *Dispatcher) peerLocked(peerID string) *PeerState {
	p, ok := d.peers[peerID]
	if !ok {
		p = &PeerState{PeerID: peerID}
		d.peers[peerID] = p
	}
	return p
}

// Schedule assigns the job to the lowest-scoring live candidate. Peers with
// an open circuit or a full in-flight window never receive work.
func (d *Dispatcher) Schedule(job Job) Result {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if len(job.Peers) == 0 {
		d.countRejected(ReasonNoPeers)
		return Result{Status: StatusRejected, Reason: ReasonNoPeers, JobID: job.JobID}
	}

	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	var best *PeerState
	var bestScore float64
	for _, peerID := range job.Peers {
		p := d.peerLocked(peerID)
		if p.CircuitBrokenUntil.After(now) {
			continue
		}
		if p.InFlight >= d.cfg.MaxConcurrentJobsPerPeer {
			continue
		}
		score := d.score(p)
		if best == nil || score < bestScore ||
			(score == bestScore && p.LastAssignedAt.Before(best.LastAssignedAt)) {
			best = p
			bestScore = score
		}
	}
	if best == nil {
		d.countRejected(ReasonPeersSaturated)
		return Result{Status: StatusRejected, Reason: ReasonPeersSaturated, JobID: job.JobID}
	}

	best.InFlight++
	best.LastAssignedAt = now
	d.jobs[job.JobID] = best.PeerID
	if d.m != nil {
		d.m.DispatchAssigned.Inc()
	}
	return Result{Status: StatusAssigned, AssignedPeer: best.PeerID, JobID: job.JobID}
}

func (d *Dispatcher) score(p *PeerState) float64 {
	score := p.LatencyMs*d.cfg.WeightLatency +
		float64(p.InFlight)*d.cfg.WeightInFlight +
		p.FailureRate*d.cfg.WeightFailure
	if p.ReplicationLag > d.cfg.ReassignOnLagBlocks {
		score += float64(p.ReplicationLag)
	}
	return score
}

// Acknowledge returns the job's slot and decays the peer's failure rate.
func (d *Dispatcher) Acknowledge(jobID, outcome string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	peerID, ok := d.jobs[jobID]
	if !ok {
		return
	}
	delete(d.jobs, jobID)
	p := d.peerLocked(peerID)
	if p.InFlight > 0 {
		p.InFlight--
	}
	p.ConsecutiveFailures = 0
	p.FailureRate *= 0.7
}

// Fail returns the slot, raises the failure rate, and trips the circuit
// after the configured run of consecutive failures.
func (d *Dispatcher) Fail(jobID, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	peerID, ok := d.jobs[jobID]
	if !ok {
		return
	}
	delete(d.jobs, jobID)
	if d.m != nil {
		d.m.DispatchFailures.Inc()
	}

	p := d.peerLocked(peerID)
	if p.InFlight > 0 {
		p.InFlight--
	}
	p.ConsecutiveFailures++
	p.FailureRate = p.FailureRate*0.7 + 0.3
	if p.ConsecutiveFailures >= d.cfg.CircuitBreakerThreshold && !p.CircuitBrokenUntil.After(time.Now()) {
		p.CircuitBrokenUntil = time.Now().Add(d.cfg.CircuitBreakerDuration)
		if d.m != nil {
			d.m.CircuitsOpen.Inc()
		}
		log.Warn().
			Str("peer", peerID).
			Str("reason", reason).
			Time("until", p.CircuitBrokenUntil).
			Msg("[dispatch] circuit opened")
	}
}

// ReportPeerMetrics overwrites the last-known worker metrics. A healthy
// report restores an open circuit early.
func (d *Dispatcher) ReportPeerMetrics(peerID string, m wire.PeerMetrics) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.peerLocked(peerID)
	p.LatencyMs = m.LatencyMs
	p.ReplicationLag = m.ReplicationLag
	p.FailureRate = m.FailureRate

	if p.CircuitBrokenUntil.After(time.Now()) && m.FailureRate < d.cfg.MaxFailureRate {
		p.CircuitBrokenUntil = time.Time{}
		p.ConsecutiveFailures = 0
		if d.m != nil {
			d.m.CircuitsOpen.Dec()
		}
		log.Info().Str("peer", peerID).Msg("[dispatch] circuit restored by healthy metrics")
	}
}

// Peer returns a snapshot of one peer's state.
func (d *Dispatcher) Peer(peerID string) (PeerState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[peerID]
	if !ok {
		return PeerState{}, false
	}
	return *p, true
}

// InFlight reports the number of currently assigned jobs.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func (d *Dispatcher) countRejected(reason string) {
	if d.m != nil {
		d.m.DispatchRejected.WithLabelValues(reason).Inc()
	}
}
