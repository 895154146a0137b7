package edge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hypertuna/gateway/gateway/dispatch"
)

// Connection states. Terminal transitions emit an audit event.
const (
	StateHandshaking   = "handshaking"
	StateAuthenticated = "authenticated"
	StateTunneling     = "tunneling"
	StateClosing       = "closing"
)

type AuditEvent struct {
	ConnID    string        `json:"connId"`
	Subject   string        `json:"subject,omitempty"`
	RelayKey  string        `json:"relayKey,omitempty"`
	PeerID    string        `json:"peerId,omitempty"`
	State     string        `json:"state"`
	Reason    string        `json:"reason,omitempty"`
	BytesUp   int64         `json:"bytesUp"`
	BytesDown int64         `json:"bytesDown"`
	Duration  time.Duration `json:"duration"`
}

// AuditSink observes terminal connection events.
type AuditSink interface {
	ConnectionClosed(AuditEvent)
}

type tunnelConn struct {
	id        string
	subject   string
	relayKey  string
	peerID    string
	state     atomic.Value // string
	startedAt time.Time
	bytesUp   atomic.Int64
	bytesDown atomic.Int64
}

func (t *tunnelConn) setState(s string) { t.state.Store(s) }
func (t *tunnelConn) getState() string {
	if v := t.state.Load(); v != nil {
		return v.(string)
	}
	return StateHandshaking
}

// TunnelInfo is the /debug/connections view of one active tunnel.
type TunnelInfo struct {
	ConnID    string    `json:"connId"`
	Subject   string    `json:"subject"`
	RelayKey  string    `json:"relayKey"`
	PeerID    string    `json:"peerId"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	BytesUp   int64     `json:"bytesUp"`
	BytesDown int64     `json:"bytesDown"`
}

// handleRelay upgrades /relay, authenticates the token, asks the
// dispatcher for a peer, and pumps bytes until either side closes.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	tc := &tunnelConn{id: uuid.NewString(), startedAt: time.Now()}
	tc.setState(StateHandshaking)

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Debug().Err(err).Msg("[edge] websocket accept failed")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	reason := s.serveTunnel(r, c, tc)
	tc.setState(StateClosing)
	s.dropTunnel(tc)
	s.emitAudit(tc, reason)
}

// serveTunnel runs the connection state machine and returns the terminal
// reason.
func (s *Server) serveTunnel(r *http.Request, c *websocket.Conn, tc *tunnelConn) string {
	ctx := r.Context()

	tok := r.URL.Query().Get("token")
	if tok == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tok = strings.TrimPrefix(h, "Bearer ")
		}
	}
	verdict := s.tokens.Verify(tok)
	if !verdict.Valid {
		s.notice(ctx, c, "restricted: "+verdict.Reason)
		c.Close(websocket.StatusPolicyViolation, verdict.Reason)
		return "auth-failed:" + verdict.Reason
	}
	tc.subject = verdict.SubjectID
	tc.setState(StateAuthenticated)

	// The relay is encoded in the token scope ("relay:<id>") or an explicit
	// query parameter.
	relayID := r.URL.Query().Get("relay")
	if relayID == "" && strings.HasPrefix(verdict.Scope, "relay:") {
		relayID = strings.TrimPrefix(verdict.Scope, "relay:")
	}
	if relayID == "" {
		s.notice(ctx, c, "restricted: no relay in scope")
		c.Close(websocket.StatusPolicyViolation, "no-relay")
		return "no-relay"
	}

	relay, peers, err := s.reg.Resolve(relayID)
	if err != nil {
		s.notice(ctx, c, "error: "+dispatch.ReasonNoCandidate)
		c.Close(websocket.StatusTryAgainLater, dispatch.ReasonNoCandidate)
		return dispatch.ReasonNoCandidate
	}
	tc.relayKey = relay.RelayKey

	peerIDs := make([]string, 0, len(peers))
	for _, p := range peers {
		peerIDs = append(peerIDs, p.PeerID)
	}
	res := s.disp.Schedule(dispatch.Job{RelayID: relay.RelayKey, Peers: peerIDs})
	if res.Status != dispatch.StatusAssigned {
		s.notice(ctx, c, "error: "+res.Reason)
		c.Close(websocket.StatusTryAgainLater, res.Reason)
		return res.Reason
	}
	tc.peerID = res.AssignedPeer

	tunnelCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	worker, err := s.hub.OpenTunnel(tunnelCtx, res.AssignedPeer, relay.RelayKey, res.JobID)
	cancel()
	if err != nil {
		s.disp.Fail(res.JobID, "tunnel-open-failed")
		s.notice(ctx, c, "error: "+dispatch.ReasonNoCandidate)
		c.Close(websocket.StatusTryAgainLater, dispatch.ReasonNoCandidate)
		return "tunnel-open-failed"
	}

	tc.setState(StateTunneling)
	s.trackTunnel(tc)
	if s.m != nil {
		s.m.TunnelsTotal.Inc()
		s.m.TunnelsActive.Inc()
		defer s.m.TunnelsActive.Dec()
	}

	// Two independent cancellation legs: the client's and the gateway's.
	// Either side closing tears both halves down.
	pumpCtx, cancelPump := context.WithCancel(context.Background())
	defer cancelPump()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.closeCh:
		case <-pumpCtx.Done():
		}
		cancelPump()
		_ = worker.Close()
	}()

	client := websocket.NetConn(pumpCtx, c, websocket.MessageText)

	done := make(chan string, 2)
	go func() {
		n, _ := io.Copy(worker, client)
		tc.bytesUp.Add(n)
		done <- "client-closed"
	}()
	go func() {
		n, _ := io.Copy(client, worker)
		tc.bytesDown.Add(n)
		done <- "worker-closed"
	}()

	reason := <-done
	cancelPump()
	_ = worker.Close()
	<-done

	if s.m != nil {
		s.m.TunnelBytes.WithLabelValues("up").Add(float64(tc.bytesUp.Load()))
		s.m.TunnelBytes.WithLabelValues("down").Add(float64(tc.bytesDown.Load()))
	}

	// Any tunnel teardown, whichever side closed first, returns the dispatch
	// slot through Fail with the client-cancelled reason.
	s.disp.Fail(res.JobID, dispatch.ReasonClientCancelled)

	c.Close(websocket.StatusNormalClosure, "")
	return reason
}

// notice writes a single Nostr NOTICE frame before closing.
func (s *Server) notice(ctx context.Context, c *websocket.Conn, text string) {
	frame, err := json.Marshal([]string{"NOTICE", text})
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = c.Write(wctx, websocket.MessageText, frame)
}

func (s *Server) trackTunnel(tc *tunnelConn) {
	s.tunnelsMu.Lock()
	s.tunnels[tc.id] = tc
	s.tunnelsMu.Unlock()
}

func (s *Server) dropTunnel(tc *tunnelConn) {
	s.tunnelsMu.Lock()
	delete(s.tunnels, tc.id)
	s.tunnelsMu.Unlock()
}

// ActiveTunnels snapshots the open tunnels for the debug surface.
func (s *Server) ActiveTunnels() []TunnelInfo {
	s.tunnelsMu.Lock()
	defer s.tunnelsMu.Unlock()
	out := make([]TunnelInfo, 0, len(s.tunnels))
	for _, tc := range s.tunnels {
		out = append(out, TunnelInfo{
			ConnID:    tc.id,
			Subject:   tc.subject,
			RelayKey:  tc.relayKey,
			PeerID:    tc.peerID,
			State:     tc.getState(),
			StartedAt: tc.startedAt,
			BytesUp:   tc.bytesUp.Load(),
			BytesDown: tc.bytesDown.Load(),
		})
	}
	return out
}

func (s *Server) emitAudit(tc *tunnelConn, reason string) {
	ev := AuditEvent{
		ConnID:    tc.id,
		Subject:   tc.subject,
		RelayKey:  tc.relayKey,
		PeerID:    tc.peerID,
		State:     tc.getState(),
		Reason:    reason,
		BytesUp:   tc.bytesUp.Load(),
		BytesDown: tc.bytesDown.Load(),
		Duration:  time.Since(tc.startedAt),
	}
	log.Info().
		Str("conn_id", ev.ConnID).
		Str("subject", ev.Subject).
		Str("relay_key", ev.RelayKey).
		Str("peer", ev.PeerID).
		Str("reason", ev.Reason).
		Int64("bytes_up", ev.BytesUp).
		Int64("bytes_down", ev.BytesDown).
		Dur("duration", ev.Duration).
		Msg("[edge] connection closed")
	for _, sink := range s.auditSinks {
		sink.ConnectionClosed(ev)
	}
}
