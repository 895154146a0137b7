package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/require"
	"github.com/cockroachdb/pebble"
	"github.com/coder/websocket"

	"github.com/hypertuna/gateway/gateway/config"
	"github.com/hypertuna/gateway/gateway/core/cryptoops"
	"github.com/hypertuna/gateway/gateway/dispatch"
	"github.com/hypertuna/gateway/gateway/registry"
	"github.com/hypertuna/gateway/gateway/token"
)

func newTestServer(t *testing.T, sharedSecret string) (*Server, *httptest.Server) {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tokens := token.NewService(db, time.Hour, 0.2)
	reg := registry.New(db, 45*time.Second)
	disp := dispatch.New(dispatch.DefaultConfig(), nil)
	hub := NewWorkerHub(reg, disp)

	srv := NewServer(config.EdgeConfig{
		ListenAddr:      ":0",
		SharedSecret:    sharedSecret,
		TokenRatePerMin: 1000,
	}, config.MirrorConfig{}, tokens, reg, disp, hub, nil, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postSigned(t *testing.T, url, secret, clientID string, payload any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	env := map[string]any{"payload": json.RawMessage(raw)}
	if secret != "" {
		ts := time.Now().UnixMilli()
		var canonical any
		require.NoError(t, json.Unmarshal(raw, &canonical))
		sig, err := cryptoops.SignRequest([]byte(secret), clientID, canonical, ts)
		require.NoError(t, err)
		env["clientId"] = clientID
		env["ts"] = ts
		env["signature"] = sig
	}

	body, err := json.Marshal(env)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestTokenIssueAndRefreshFlow(t *testing.T) {
	_, ts := newTestServer(t, "")

	resp := postSigned(t, ts.URL+"/api/relay-tokens/issue", "", "", map[string]any{
		"relayKey":   "cafe01",
		"ttlSeconds": 3600,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("issue status %d", resp.StatusCode)
	}
	var issued struct {
		Token    string `json:"token"`
		Sequence uint64 `json:"sequence"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&issued))
	if issued.Token == "" || issued.Sequence != 1 {
		t.Fatalf("unexpected issue result %+v", issued)
	}

	resp2 := postSigned(t, ts.URL+"/api/relay-tokens/refresh", "", "", map[string]any{
		"relayKey": "cafe01",
		"token":    issued.Token,
		"sequence": issued.Sequence,
	})
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("refresh status %d", resp2.StatusCode)
	}

	// Refreshing with the superseded token is rejected, state intact.
	resp3 := postSigned(t, ts.URL+"/api/relay-tokens/refresh", "", "", map[string]any{
		"relayKey": "cafe01",
		"token":    issued.Token,
	})
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusForbidden {
		t.Fatalf("stale refresh status %d, want 403", resp3.StatusCode)
	}
	var errBody map[string]string
	require.NoError(t, json.NewDecoder(resp3.Body).Decode(&errBody))
	if errBody["error"] != "unauthorized" {
		t.Fatalf("unexpected error slug %q", errBody["error"])
	}
}

func TestTokenIssueRequiresValidSignature(t *testing.T) {
	_, ts := newTestServer(t, "edge-secret")

	// Correctly signed request succeeds.
	resp := postSigned(t, ts.URL+"/api/relay-tokens/issue", "edge-secret", "web", map[string]any{
		"relayKey": "cafe02",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signed issue status %d", resp.StatusCode)
	}

	// Wrong secret fails with 401.
	resp2 := postSigned(t, ts.URL+"/api/relay-tokens/issue", "wrong", "web", map[string]any{
		"relayKey": "cafe02",
	})
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged issue status %d, want 401", resp2.StatusCode)
	}
}

func TestWellKnownSecretNeverLeaksSecret(t *testing.T) {
	_, ts := newTestServer(t, "edge-secret")

	resp, err := http.Get(ts.URL + "/.well-known/hypertuna-gateway-secret")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	if body["configured"] != true {
		t.Fatalf("expected configured=true: %+v", body)
	}
	hash, _ := body["secretHash"].(string)
	if hash == "" || strings.Contains(hash, "edge-secret") {
		t.Fatalf("bad fingerprint %q", hash)
	}
}

func TestDebugConnectionsIsAdminGated(t *testing.T) {
	// No shared secret: surface does not exist.
	_, ts := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/debug/connections")
	require.NoError(t, err)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ungated debug status %d, want 404", resp.StatusCode)
	}

	// With a secret: signed headers required.
	_, ts2 := newTestServer(t, "edge-secret")
	resp2, err := http.Get(ts2.URL + "/debug/connections")
	require.NoError(t, err)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned debug status %d, want 401", resp2.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, ts2.URL+"/debug/connections", nil)
	require.NoError(t, err)
	tsMs := time.Now().UnixMilli()
	sig, err := cryptoops.SignRequest([]byte("edge-secret"), "admin", map[string]any{"path": "/debug/connections"}, tsMs)
	require.NoError(t, err)
	req.Header.Set("X-Gateway-Client-Id", "admin")
	req.Header.Set("X-Gateway-Timestamp", strconv.FormatInt(tsMs, 10))
	req.Header.Set("X-Gateway-Signature", sig)
	resp3, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("signed debug status %d, want 200", resp3.StatusCode)
	}
}

func TestRelayEndpointSendsNoticeOnAuthFailure(t *testing.T) {
	_, ts := newTestServer(t, "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/relay?token=bogus"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var frame []string
	require.NoError(t, json.Unmarshal(data, &frame))
	if len(frame) != 2 || frame[0] != "NOTICE" || !strings.Contains(frame[1], "unknown") {
		t.Fatalf("unexpected frame %v", frame)
	}

	// The server closes after the NOTICE.
	if _, _, err := c.Read(ctx); err == nil {
		t.Fatal("expected close after NOTICE")
	}
}

func TestRelayEndpointReportsNoCandidate(t *testing.T) {
	srv, ts := newTestServer(t, "")

	res, err := srv.tokens.Issue("cafe03", token.IssueOptions{Scope: "relay:cafe03"})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/relay?token=" + res.Token
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var frame []string
	require.NoError(t, json.Unmarshal(data, &frame))
	if len(frame) != 2 || frame[0] != "NOTICE" || !strings.Contains(frame[1], "no-candidate") {
		t.Fatalf("unexpected frame %v", frame)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %+v", body)
	}
}
