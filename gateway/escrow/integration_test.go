package escrow_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/require"

	"github.com/hypertuna/gateway/gateway/config"
	"github.com/hypertuna/gateway/gateway/escrow"
	"github.com/hypertuna/gateway/gateway/vault"
)

// Exercises the full delegation path: unlock against a fake escrow server,
// hand the lease to the vault, read it back with and without the secret,
// and confirm release wipes the original backing buffer.
func TestUnlockTrackReleaseLifecycle(t *testing.T) {
	writerKey := []byte("writer-key-material-0123456789ab")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/unlock" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(escrow.Lease{
			LeaseID:     "lease-1",
			RelayKey:    "cafe",
			EscrowID:    "esc-1",
			RequesterID: "gateway-1",
			IssuedAt:    time.Now(),
			ExpiresAt:   time.Now().Add(time.Hour),
			Writer: escrow.WriterPackage{
				WriterKey:       writerKey,
				WriterKeyDigest: "wkd",
			},
		})
	}))
	defer srv.Close()

	client, err := escrow.NewClient(config.EscrowConfig{
		BaseURL: srv.URL, ClientID: "gateway-1", ClientSecret: "s", TimeoutSec: 2,
	})
	require.NoError(t, err)

	lease, err := client.Unlock(context.Background(), escrow.UnlockRequest{
		EscrowID: "esc-1", RequesterID: "gateway-1",
	})
	require.NoError(t, err)

	v := vault.New()
	defer v.Destroy("test")
	backing := lease.Writer.WriterKey
	v.Track(lease)

	// Default read: no secret.
	got, ok := v.Get("cafe", false)
	if !ok || got.Writer.WriterKey != nil {
		t.Fatalf("default get leaked or missed: %+v ok=%v", got, ok)
	}

	// Opt-in read: fresh copy of the key.
	secret, ok := v.Get("cafe", true)
	if !ok || string(secret.Writer.WriterKey) != string(backing) {
		t.Fatalf("secret read failed: %+v", secret)
	}

	// Release wipes the bytes the vault owned.
	_, ok = v.Release("cafe", "test")
	if !ok {
		t.Fatal("release missed lease")
	}
	for _, b := range backing {
		if b != 0 {
			t.Fatalf("backing buffer survived release: %v", backing)
		}
	}
	// The opt-in copy is untouched; its custody is the caller's problem.
	if secret.Writer.WriterKey[0] == 0 {
		t.Fatal("caller copy aliased the vault buffer")
	}
}

func TestWatcherReleasesRevokedLeases(t *testing.T) {
	var revoked atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/leases" {
			http.NotFound(w, r)
			return
		}
		leases := []escrow.Lease{{
			LeaseID:  "lease-1",
			RelayKey: "cafe",
			EscrowID: "esc-1",
		}}
		if revoked.Load() {
			leases[0].Status = escrow.StatusRevoked
			leases[0].Reason = "owner-request"
		}
		_ = json.NewEncoder(w).Encode(leases)
	}))
	defer srv.Close()

	client, err := escrow.NewClient(config.EscrowConfig{
		BaseURL: srv.URL, ClientID: "gateway-1", ClientSecret: "s", TimeoutSec: 2,
	})
	require.NoError(t, err)

	v := vault.New()
	defer v.Destroy("test")
	v.Track(&escrow.Lease{
		LeaseID:   "lease-1",
		RelayKey:  "cafe",
		EscrowID:  "esc-1",
		ExpiresAt: time.Now().Add(time.Hour),
		Writer:    escrow.WriterPackage{WriterKey: []byte("k"), WriterKeyDigest: "d"},
	})

	w := escrow.NewWatcher(client, 50*time.Millisecond)
	w.Subscribe(v)
	w.Start()
	defer w.Stop()

	// Healthy poll leaves the lease alone.
	time.Sleep(120 * time.Millisecond)
	if _, ok := v.Get("cafe", false); !ok {
		t.Fatal("lease released before revocation")
	}

	revoked.Store(true)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := v.Get("cafe", false); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("revocation never propagated to vault")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
