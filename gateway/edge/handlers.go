package edge

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/hypertuna/gateway/gateway/apierr"
	"github.com/hypertuna/gateway/gateway/core/cryptoops"
	"github.com/hypertuna/gateway/gateway/discovery"
	"github.com/hypertuna/gateway/gateway/registry"
	"github.com/hypertuna/gateway/gateway/token"
)

// signedRequest is the envelope for HMAC-protected control-plane bodies.
type signedRequest struct {
	Payload   json.RawMessage `json:"payload"`
	ClientID  string          `json:"clientId,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		ae = apierr.Fatal(err)
	}
	writeJSON(w, ae.HTTPStatus(), map[string]string{"error": ae.Slug})
}

// verifySigned checks the envelope HMAC when a shared secret is configured
// and decodes the payload either way.
func (s *Server) verifySigned(req signedRequest, out any) error {
	if len(req.Payload) == 0 {
		return apierr.Validation(errors.New("edge: missing payload"))
	}
	if len(s.sharedSecret) > 0 {
		var canonical any
		if err := json.Unmarshal(req.Payload, &canonical); err != nil {
			return apierr.Validation(err)
		}
		err := cryptoops.VerifyRequest(s.sharedSecret, req.ClientID, canonical, req.Timestamp, req.Signature, 0)
		if err != nil {
			return apierr.Auth(err)
		}
	}
	if err := json.Unmarshal(req.Payload, out); err != nil {
		return apierr.Validation(err)
	}
	return nil
}

// requireAdmin gates debug/admin endpoints: header HMAC over the request
// path. Without a configured shared secret the surface does not exist.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if len(s.sharedSecret) == 0 {
		http.NotFound(w, r)
		return false
	}
	clientID := r.Header.Get("X-Gateway-Client-Id")
	ts, _ := strconv.ParseInt(r.Header.Get("X-Gateway-Timestamp"), 10, 64)
	sig := r.Header.Get("X-Gateway-Signature")

	payload := map[string]any{"path": r.URL.Path}
	if err := cryptoops.VerifyRequest(s.sharedSecret, clientID, payload, ts, sig, 0); err != nil {
		writeError(w, apierr.Auth(err))
		return false
	}
	return true
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type tokenIssuePayload struct {
	RelayKey       string `json:"relayKey"`
	RelayAuthToken string `json:"relayAuthToken,omitempty"`
	Pubkey         string `json:"pubkey,omitempty"`
	Scope          string `json:"scope,omitempty"`
	TTLSeconds     int    `json:"ttlSeconds,omitempty"`
}

func (s *Server) handleTokenIssue(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientKey(r)) {
		writeError(w, apierr.RateLimited(nil))
		return
	}

	var env signedRequest
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, apierr.Validation(err))
		return
	}
	var payload tokenIssuePayload
	if err := s.verifySigned(env, &payload); err != nil {
		writeError(w, err)
		return
	}
	if payload.RelayKey == "" {
		writeError(w, apierr.Validation(errors.New("edge: relayKey required")))
		return
	}

	scope := payload.Scope
	if scope == "" {
		scope = "relay:" + payload.RelayKey
	}
	res, err := s.tokens.Issue(payload.RelayKey, token.IssueOptions{
		Scope:          scope,
		TTL:            time.Duration(payload.TTLSeconds) * time.Second,
		IssuedBy:       env.ClientID,
		Pubkey:         payload.Pubkey,
		RelayAuthToken: payload.RelayAuthToken,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if s.m != nil {
		s.m.TokensIssued.Inc()
	}
	writeJSON(w, http.StatusOK, res)
}

type tokenRefreshPayload struct {
	RelayKey   string `json:"relayKey"`
	Token      string `json:"token"`
	Sequence   uint64 `json:"sequence,omitempty"`
	TTLSeconds int    `json:"ttlSeconds,omitempty"`
}

func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientKey(r)) {
		writeError(w, apierr.RateLimited(nil))
		return
	}

	var env signedRequest
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, apierr.Validation(err))
		return
	}
	var payload tokenRefreshPayload
	if err := s.verifySigned(env, &payload); err != nil {
		writeError(w, err)
		return
	}
	if payload.RelayKey == "" || payload.Token == "" {
		writeError(w, apierr.Validation(errors.New("edge: relayKey and token required")))
		return
	}

	res, err := s.tokens.Refresh(payload.RelayKey, token.RefreshRequest{
		Token:    payload.Token,
		Sequence: payload.Sequence,
		TTL:      time.Duration(payload.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if s.m != nil {
		s.m.TokensIssued.Inc()
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBlindPeerStatus(w http.ResponseWriter, r *http.Request) {
	if s.mirror == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false, "running": false})
		return
	}

	detail := s.mirrorCfg.StatusDetail
	if v := r.URL.Query().Get("detail"); v != "" {
		detail = v == "true" || v == "1"
	}
	owners := s.mirrorCfg.StatusOwners
	if v, err := strconv.Atoi(r.URL.Query().Get("owners")); err == nil && v > 0 {
		owners = v
	}
	coresPerOwner := s.mirrorCfg.StatusCoresPerOwner
	if v, err := strconv.Atoi(r.URL.Query().Get("coresPerOwner")); err == nil && v > 0 {
		coresPerOwner = v
	}

	writeJSON(w, http.StatusOK, s.mirror.GetStatus(detail, owners, coresPerOwner))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"peers":   len(s.reg.Peers()),
		"tunnels": len(s.ActiveTunnels()),
	})
}

func (s *Server) handleDebugConnections(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.ActiveTunnels())
}

// handleWellKnownSecret serves the shared-secret fingerprint so clients can
// confirm theirs matches. The secret itself never leaves the gateway.
func (s *Server) handleWellKnownSecret(w http.ResponseWriter, r *http.Request) {
	fp := discovery.SecretFingerprint(string(s.sharedSecret))
	resp := map[string]any{
		"configured": len(s.sharedSecret) > 0,
		"secretHash": "",
	}
	if len(s.sharedSecret) > 0 {
		resp["secretHash"] = hex.EncodeToString(fp[:])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResolveRelay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	relay, peers, err := s.reg.Resolve(id)
	switch {
	case errors.Is(err, registry.ErrUnknownRelay):
		writeError(w, apierr.NotFound(err))
		return
	case errors.Is(err, registry.ErrNoLivePeer):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": apierr.SlugNoLivePeer})
		return
	case err != nil:
		writeError(w, err)
		return
	}

	type peerView struct {
		PeerID          string    `json:"peerId"`
		LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	}
	views := make([]peerView, 0, len(peers))
	for _, p := range peers {
		views = append(views, peerView{PeerID: p.PeerID, LastHeartbeatAt: p.LastHeartbeatAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"relay": relay, "peers": views})
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	relayKey := chi.URLParam(r, "relayKey")
	var patch registry.Policy
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, apierr.Validation(err))
		return
	}
	relay, err := s.reg.UpdatePolicy(relayKey, patch)
	if err != nil {
		if errors.Is(err, registry.ErrUnknownRelay) {
			writeError(w, apierr.NotFound(err))
			return
		}
		writeError(w, err)
		return
	}
	log.Info().Str("relay_key", relayKey).Msg("[edge] policy updated")
	writeJSON(w, http.StatusOK, relay)
}
