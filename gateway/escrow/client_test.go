package escrow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/require"

	"github.com/hypertuna/gateway/gateway/apierr"
	"github.com/hypertuna/gateway/gateway/config"
	"github.com/hypertuna/gateway/gateway/core/cryptoops"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(config.EscrowConfig{
		BaseURL:      srv.URL,
		ClientID:     "gateway-1",
		ClientSecret: "escrow-secret",
		TimeoutSec:   2,
	})
	require.NoError(t, err)
	return client, srv
}

func TestClientSignsRequests(t *testing.T) {
	secret := []byte("escrow-secret")

	var verified bool
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.Header.Get("X-Escrow-Client-Id")
		ts, err := strconv.ParseInt(r.Header.Get("X-Escrow-Timestamp"), 10, 64)
		if err != nil {
			t.Errorf("bad timestamp header: %v", err)
		}
		sig := r.Header.Get("X-Escrow-Signature")

		// GET /policy has no body; the signature covers a nil payload.
		if err := cryptoops.VerifyRequest(secret, clientID, nil, ts, sig, 0); err != nil {
			t.Errorf("signature did not verify: %v", err)
		}
		verified = true
		_ = json.NewEncoder(w).Encode(Policy{MaxLeaseTTLSec: 600, AllowUnlock: true})
	}))

	policy, err := client.FetchPolicy(context.Background())
	require.NoError(t, err)
	if !verified {
		t.Fatal("handler never ran")
	}
	if policy.MaxLeaseTTLSec != 600 || !policy.AllowUnlock {
		t.Fatalf("unexpected policy %+v", policy)
	}
}

func TestUnlockReturnsWriterKey(t *testing.T) {
	writerKey := []byte("super-secret-writer-key-32-bytes")

	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/unlock" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req UnlockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode unlock request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(Lease{
			LeaseID:     "lease-1",
			RelayKey:    "cafe",
			EscrowID:    req.EscrowID,
			RequesterID: req.RequesterID,
			IssuedAt:    time.Now(),
			ExpiresAt:   time.Now().Add(time.Hour),
			Writer: WriterPackage{
				WriterKey:       writerKey,
				WriterKeyDigest: "digest-1",
			},
		})
	}))

	lease, err := client.Unlock(context.Background(), UnlockRequest{EscrowID: "esc-1", RequesterID: "gateway-1"})
	require.NoError(t, err)
	if string(lease.Writer.WriterKey) != string(writerKey) {
		t.Fatalf("writer key mismatch: %q", lease.Writer.WriterKey)
	}
	// The client backfills the payload digest when the server omits it.
	want := ComputePayloadDigest(writerKey, "digest-1")
	if lease.PayloadDigest != want {
		t.Fatalf("payload digest %q, want %q", lease.PayloadDigest, want)
	}
}

func TestNon2xxSurfacesTypedError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))

	_, err := client.FetchPolicy(context.Background())
	var ae *apierr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *apierr.Error, got %T: %v", err, err)
	}
	if ae.HTTPStatus() != http.StatusForbidden || ae.Slug != "unauthorized" {
		t.Fatalf("unexpected error %+v", ae)
	}
}

func TestTransientFailuresRetryUntilDeadline(t *testing.T) {
	var calls int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Policy{})
	}))

	_, err := client.FetchPolicy(context.Background())
	require.NoError(t, err)
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestWriterKeyJSONIsBase64(t *testing.T) {
	// The wire form of a writer package carries the key as base64 so the
	// bytes survive JSON transport unmodified.
	raw, err := json.Marshal(WriterPackage{WriterKey: []byte{1, 2, 3}, WriterKeyDigest: "d"})
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	enc, _ := decoded["writerKey"].(string)
	got, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	if len(got) != 3 || got[0] != 1 {
		t.Fatalf("unexpected key encoding: %v", decoded)
	}
}
