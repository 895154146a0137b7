package edge

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/require"
	"github.com/cockroachdb/pebble"
	"github.com/hashicorp/yamux"

	"github.com/hypertuna/gateway/gateway/core/wire"
	"github.com/hypertuna/gateway/gateway/dispatch"
	"github.com/hypertuna/gateway/gateway/registry"
)

// fakeWorker drives the worker side of a hub session over a net.Pipe.
type fakeWorker struct {
	sess *yamux.Session
}

func startFakeWorker(t *testing.T, hub *WorkerHub) *fakeWorker {
	t.Helper()
	gwSide, workerSide := net.Pipe()
	require.NoError(t, hub.HandleConnection(gwSide, "test-worker"))

	sess, err := yamux.Client(workerSide, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return &fakeWorker{sess: sess}
}

func (w *fakeWorker) register(t *testing.T, keyBytes []byte, peerID, name string) wire.RegisterResponse {
	t.Helper()
	stream, err := w.sess.OpenStream()
	require.NoError(t, err)
	defer stream.Close()

	relayKey := hex.EncodeToString(keyBytes)
	payload := registry.RegistrationPayload{
		RelayKey:    relayKey,
		OwnerPubkey: "npub1owner",
		Name:        name,
		PeerID:      peerID,
	}
	ts := time.Now().UnixMilli()
	sig, err := registry.SignRegistration(keyBytes, payload, ts)
	require.NoError(t, err)

	require.NoError(t, wire.WriteMessage(stream, wire.PacketRegisterRequest, wire.RegisterRequest{
		RelayKey:    relayKey,
		OwnerPubkey: "npub1owner",
		Name:        name,
		PeerID:      peerID,
		Proof:       wire.AuthProof{Timestamp: ts, Signature: sig},
	}))
	packet, err := wire.ReadPacket(stream)
	require.NoError(t, err)
	resp, err := wire.Decode[wire.RegisterResponse](packet)
	require.NoError(t, err)
	return resp
}

func (w *fakeWorker) heartbeat(t *testing.T, peerID string, relays []string) {
	t.Helper()
	stream, err := w.sess.OpenStream()
	require.NoError(t, err)
	defer stream.Close()
	require.NoError(t, wire.WriteMessage(stream, wire.PacketHeartbeat, wire.Heartbeat{
		PeerID:  peerID,
		Relays:  relays,
		Metrics: wire.PeerMetrics{LatencyMs: 5},
	}))
	// Give the hub a beat to process the fire-and-forget packet.
	time.Sleep(50 * time.Millisecond)
}

// serveEcho accepts tunnel streams and echoes their bytes back.
func (w *fakeWorker) serveEcho(t *testing.T) {
	t.Helper()
	go func() {
		for {
			stream, err := w.sess.AcceptStream()
			if err != nil {
				return
			}
			go func() {
				defer stream.Close()
				packet, err := wire.ReadPacket(stream)
				if err != nil || packet.Type != wire.PacketTunnelRequest {
					return
				}
				if err := wire.WriteMessage(stream, wire.PacketTunnelResponse, wire.TunnelResponse{Accepted: true}); err != nil {
					return
				}
				_, _ = io.Copy(stream, stream)
			}()
		}
	}()
}

func newHubFixture(t *testing.T) (*WorkerHub, *registry.Registry, *dispatch.Dispatcher) {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	reg := registry.New(db, 45*time.Second)
	disp := dispatch.New(dispatch.DefaultConfig(), nil)
	return NewWorkerHub(reg, disp), reg, disp
}

func TestWorkerRegistersThroughHub(t *testing.T) {
	hub, reg, _ := newHubFixture(t)
	worker := startFakeWorker(t, hub)

	keyBytes := bytes.Repeat([]byte{0x11}, 32)
	resp := worker.register(t, keyBytes, "worker-1", "chat")
	if !resp.Accepted {
		t.Fatalf("registration rejected: %+v", resp)
	}

	relay, peers, err := reg.Resolve(hex.EncodeToString(keyBytes))
	require.NoError(t, err)
	if relay.Name != "chat" || len(peers) != 1 {
		t.Fatalf("registry state wrong: %+v %+v", relay, peers)
	}
}

func TestHeartbeatFeedsDispatcher(t *testing.T) {
	hub, _, disp := newHubFixture(t)
	worker := startFakeWorker(t, hub)

	worker.heartbeat(t, "worker-1", nil)
	p, ok := disp.Peer("worker-1")
	if !ok || p.LatencyMs != 5 {
		t.Fatalf("dispatcher did not receive metrics: %+v ok=%v", p, ok)
	}
}

func TestOpenTunnelRoundTrip(t *testing.T) {
	hub, _, _ := newHubFixture(t)
	worker := startFakeWorker(t, hub)
	worker.serveEcho(t)

	keyBytes := bytes.Repeat([]byte{0x22}, 32)
	resp := worker.register(t, keyBytes, "worker-1", "chat")
	if !resp.Accepted {
		t.Fatalf("registration rejected: %+v", resp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := hub.OpenTunnel(ctx, "worker-1", hex.EncodeToString(keyBytes), "job-1")
	require.NoError(t, err)
	defer conn.Close()

	msg := []byte(`["REQ","sub1",{}]`)
	_, err = conn.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	if !bytes.Equal(buf, msg) {
		t.Fatalf("echo mismatch: %q", buf)
	}
}

func TestOpenTunnelUnknownPeer(t *testing.T) {
	hub, _, _ := newHubFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := hub.OpenTunnel(ctx, "ghost", "cafe", "job-1"); err != ErrWorkerUnavailable {
		t.Fatalf("expected ErrWorkerUnavailable, got %v", err)
	}
}
