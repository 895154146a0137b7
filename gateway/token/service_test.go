package token

import (
	"errors"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/require"
	"github.com/cockroachdb/pebble"

	"github.com/hypertuna/gateway/gateway/apierr"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewService(db, time.Hour, 0.2)
}

func TestIssueDefaults(t *testing.T) {
	s := newTestService(t)
	before := time.Now()

	res, err := s.Issue("peerA", IssueOptions{TTL: 3600 * time.Second})
	require.NoError(t, err)

	if res.Sequence != 1 {
		t.Fatalf("first issue sequence = %d, want 1", res.Sequence)
	}
	wantExpiry := before.Add(3600 * time.Second)
	if d := res.ExpiresAt.Sub(wantExpiry); d < -time.Second || d > time.Second {
		t.Fatalf("expiresAt %v not ~ now+3600s", res.ExpiresAt)
	}
	// Default refresh window is 20% of TTL = 720s before expiry.
	if d := res.ExpiresAt.Sub(res.RefreshAfter); d < 719*time.Second || d > 721*time.Second {
		t.Fatalf("refreshAfter window = %v, want ~720s", d)
	}

	// A second issue without revoke supersedes and bumps the sequence.
	res2, err := s.Issue("peerA", IssueOptions{TTL: 3600 * time.Second})
	require.NoError(t, err)
	if res2.Sequence != 2 {
		t.Fatalf("second issue sequence = %d, want 2", res2.Sequence)
	}
	if v := s.Verify(res.Token); v.Valid || v.Reason != ReasonSequenceMismatch {
		t.Fatalf("superseded token verification = %+v", v)
	}
	if v := s.Verify(res2.Token); !v.Valid {
		t.Fatalf("current token invalid: %+v", v)
	}
}

func TestRefreshWrongTokenLeavesStateUntouched(t *testing.T) {
	s := newTestService(t)
	res, err := s.Issue("peerA", IssueOptions{})
	require.NoError(t, err)

	_, err = s.Refresh("peerA", RefreshRequest{Token: "not-the-token", Sequence: res.Sequence})
	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.HTTPStatus() != 403 || ae.Slug != apierr.SlugUnauthorized {
		t.Fatalf("expected 403 unauthorized, got %v", err)
	}
	if v := s.Verify(res.Token); !v.Valid {
		t.Fatalf("failed refresh mutated state: %+v", v)
	}
}

func TestRefreshSequenceMismatch(t *testing.T) {
	s := newTestService(t)
	res, err := s.Issue("peerA", IssueOptions{})
	require.NoError(t, err)
	res2, err := s.Refresh("peerA", RefreshRequest{Token: res.Token, Sequence: res.Sequence})
	require.NoError(t, err)
	if res2.Sequence != res.Sequence+1 {
		t.Fatalf("refresh sequence = %d, want %d", res2.Sequence, res.Sequence+1)
	}

	// Presenting the old sequence (with the new token) is a conflict.
	_, err = s.Refresh("peerA", RefreshRequest{Token: res2.Token, Sequence: res.Sequence})
	var ae *apierr.Error
	if !errors.As(err, &ae) || ae.Slug != apierr.SlugSequenceMismatch {
		t.Fatalf("expected sequence-mismatch, got %v", err)
	}
}

func TestRefreshPreservesAttributesAndClearsRevocation(t *testing.T) {
	s := newTestService(t)
	res, err := s.Issue("peerA", IssueOptions{Scope: "relay:cafe", Pubkey: "npub1xyz", RelayAuthToken: "rat"})
	require.NoError(t, err)
	require.NoError(t, s.Revoke("peerA", "test", false))

	if v := s.Verify(res.Token); v.Valid || v.Reason != ReasonRevoked {
		t.Fatalf("revoked token verification = %+v", v)
	}

	res2, err := s.Refresh("peerA", RefreshRequest{Token: res.Token, Sequence: res.Sequence})
	require.NoError(t, err)
	v := s.Verify(res2.Token)
	if !v.Valid || v.Scope != "relay:cafe" {
		t.Fatalf("refresh dropped attributes or revocation stuck: %+v", v)
	}
}

func TestVerifyExpired(t *testing.T) {
	s := newTestService(t)
	res, err := s.Issue("peerA", IssueOptions{TTL: time.Millisecond})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	if v := s.Verify(res.Token); v.Valid || v.Reason != ReasonExpired {
		t.Fatalf("expected expired, got %+v", v)
	}
}

func TestVerifyUnknown(t *testing.T) {
	s := newTestService(t)
	if v := s.Verify("deadbeef"); v.Valid || v.Reason != ReasonUnknown {
		t.Fatalf("expected unknown, got %+v", v)
	}
}

type recordingSink struct {
	subjects []string
}

func (r *recordingSink) TokenRevoked(subjectID, reason string) {
	r.subjects = append(r.subjects, subjectID)
}

func TestRevokeBroadcast(t *testing.T) {
	s := newTestService(t)
	sink := &recordingSink{}
	s.Subscribe(sink)

	_, err := s.Issue("peerA", IssueOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Revoke("peerA", "compromised", true))
	if len(sink.subjects) != 1 || sink.subjects[0] != "peerA" {
		t.Fatalf("broadcast not delivered: %v", sink.subjects)
	}

	// Non-broadcast revocation stays local.
	_, err = s.Issue("peerB", IssueOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Revoke("peerB", "quiet", false))
	if len(sink.subjects) != 1 {
		t.Fatalf("unexpected broadcast: %v", sink.subjects)
	}
}

func TestMinimumRefreshWindowClamp(t *testing.T) {
	s := newTestService(t)
	res, err := s.Issue("peerA", IssueOptions{TTL: time.Second})
	require.NoError(t, err)
	if d := res.ExpiresAt.Sub(res.RefreshAfter); d < 500*time.Millisecond {
		t.Fatalf("refresh window %v below clamp", d)
	}
}
