// Package token issues, refreshes, revokes and verifies the opaque bearer
// tokens that gate relay access. State lives in pebble so tokens survive a
// gateway restart; verification is two point lookups.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/hypertuna/gateway/gateway/apierr"
)

const (
	subjectPrefix = "token/subject/"
	indexPrefix   = "token/index/"

	// Refresh windows never shrink below this, whatever the TTL.
	minRefreshWindow = 500 * time.Millisecond
)

// Verification reasons.
const (
	ReasonUnknown          = "unknown"
	ReasonExpired          = "expired"
	ReasonRevoked          = "revoked"
	ReasonSequenceMismatch = "sequence-mismatch"
)

// RevocationSink observes broadcast revocations so sibling gateway
// instances can drop their own cached state.
type RevocationSink interface {
	TokenRevoked(subjectID, reason string)
}

type Record struct {
	Token          string     `json:"token"`
	SubjectID      string     `json:"subjectId"`
	Pubkey         string     `json:"pubkey,omitempty"`
	Scope          string     `json:"scope,omitempty"`
	RelayAuthToken string     `json:"relayAuthToken,omitempty"`
	Sequence       uint64     `json:"sequence"`
	IssuedAt       time.Time  `json:"issuedAt"`
	IssuedBy       string     `json:"issuedBy,omitempty"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	RefreshAfter   time.Time  `json:"refreshAfter"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
}

type Service struct {
	db              *pebble.DB
	defaultTTL      time.Duration
	refreshFraction float64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	sinks []RevocationSink
}

func NewService(db *pebble.DB, defaultTTL time.Duration, refreshFraction float64) *Service {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	if refreshFraction <= 0 || refreshFraction >= 1 {
		refreshFraction = 0.2
	}
	return &Service{
		db:              db,
		defaultTTL:      defaultTTL,
		refreshFraction: refreshFraction,
		locks:           map[string]*sync.Mutex{},
	}
}

// Subscribe must be called before the service starts handling requests.
func (s *Service) Subscribe(sink RevocationSink) {
	s.sinks = append(s.sinks, sink)
}

// subjectLock serializes all mutations for one subject.
func (s *Service) subjectLock(subjectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[subjectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[subjectID] = l
	}
	return l
}

type IssueOptions struct {
	Scope          string
	TTL            time.Duration
	IssuedBy       string
	Pubkey         string
	RelayAuthToken string
}

type IssueResult struct {
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expiresAt"`
	RefreshAfter time.Time `json:"refreshAfter"`
	Sequence     uint64    `json:"sequence"`
}

// Issue mints a fresh 128-bit token for subjectID, overwriting any previous
// one and bumping the per-subject sequence.
func (s *Service) Issue(subjectID string, opts IssueOptions) (*IssueResult, error) {
	if subjectID == "" {
		return nil, apierr.Validation(errors.New("token: empty subject"))
	}
	lock := s.subjectLock(subjectID)
	lock.Lock()
	defer lock.Unlock()

	prev, err := s.getRecord(subjectID)
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return nil, apierr.Fatal(err)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	now := time.Now()
	rec := Record{
		Token:          newToken(),
		SubjectID:      subjectID,
		Pubkey:         opts.Pubkey,
		Scope:          opts.Scope,
		RelayAuthToken: opts.RelayAuthToken,
		Sequence:       1,
		IssuedAt:       now,
		IssuedBy:       opts.IssuedBy,
		ExpiresAt:      now.Add(ttl),
	}
	rec.RefreshAfter = refreshAfter(rec.ExpiresAt, ttl, s.refreshFraction)
	if prev != nil {
		rec.Sequence = prev.Sequence + 1
	}

	if err := s.putRecord(&rec, prev); err != nil {
		return nil, apierr.Fatal(err)
	}
	return &IssueResult{Token: rec.Token, ExpiresAt: rec.ExpiresAt, RefreshAfter: rec.RefreshAfter, Sequence: rec.Sequence}, nil
}

type RefreshRequest struct {
	Token    string
	Sequence uint64
	TTL      time.Duration
}

// Refresh rotates the token. The presented token must match the current
// record and a presented (non-zero) sequence must equal the stored one; a
// zero sequence skips the sequence check. A mismatch fails without mutating
// state.
func (s *Service) Refresh(subjectID string, req RefreshRequest) (*IssueResult, error) {
	lock := s.subjectLock(subjectID)
	lock.Lock()
	defer lock.Unlock()

	prev, err := s.getRecord(subjectID)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, &apierr.Error{Kind: apierr.KindAuth, Slug: apierr.SlugUnauthorized,
				Status: http.StatusForbidden, Err: errors.New("token: unknown subject")}
		}
		return nil, apierr.Fatal(err)
	}
	if prev.Token != req.Token {
		return nil, &apierr.Error{Kind: apierr.KindAuth, Slug: apierr.SlugUnauthorized,
			Status: http.StatusForbidden, Err: errors.New("token: token mismatch")}
	}
	if req.Sequence != 0 && req.Sequence != prev.Sequence {
		return nil, apierr.Conflict(apierr.SlugSequenceMismatch,
			fmt.Errorf("token: sequence %d != stored %d", req.Sequence, prev.Sequence))
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := time.Now()
	rec := *prev
	rec.Token = newToken()
	rec.Sequence = prev.Sequence + 1
	rec.IssuedAt = now
	rec.ExpiresAt = now.Add(ttl)
	rec.RefreshAfter = refreshAfter(rec.ExpiresAt, ttl, s.refreshFraction)
	rec.RevokedAt = nil

	if err := s.putRecord(&rec, prev); err != nil {
		return nil, apierr.Fatal(err)
	}
	return &IssueResult{Token: rec.Token, ExpiresAt: rec.ExpiresAt, RefreshAfter: rec.RefreshAfter, Sequence: rec.Sequence}, nil
}

// Revoke marks the subject's current token revoked. With broadcast, the
// registered sinks are notified so other instances can follow.
func (s *Service) Revoke(subjectID, reason string, broadcast bool) error {
	lock := s.subjectLock(subjectID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.getRecord(subjectID)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return apierr.NotFound(errors.New("token: unknown subject"))
		}
		return apierr.Fatal(err)
	}
	now := time.Now()
	rec.RevokedAt = &now
	if err := s.putRecord(rec, rec); err != nil {
		return apierr.Fatal(err)
	}
	log.Info().Str("subject", subjectID).Str("reason", reason).Bool("broadcast", broadcast).Msg("[token] revoked")
	if broadcast {
		for _, sink := range s.sinks {
			sink.TokenRevoked(subjectID, reason)
		}
	}
	return nil
}

type Verification struct {
	Valid     bool      `json:"valid"`
	SubjectID string    `json:"peerId,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// Verify resolves the token through the reverse index. Non-blocking; two
// pebble point reads per call (index entry, then subject record).
func (s *Service) Verify(token string) Verification {
	subjectRaw, closer, err := s.db.Get([]byte(indexPrefix + token))
	if err != nil {
		return Verification{Reason: ReasonUnknown}
	}
	subjectID := string(subjectRaw)
	closer.Close()

	rec, err := s.getRecord(subjectID)
	if err != nil {
		return Verification{Reason: ReasonUnknown}
	}
	if rec.Token != token {
		// The index entry belongs to a superseded generation.
		return Verification{Reason: ReasonSequenceMismatch}
	}
	if rec.RevokedAt != nil {
		return Verification{Reason: ReasonRevoked}
	}
	if !time.Now().Before(rec.ExpiresAt) {
		return Verification{Reason: ReasonExpired}
	}
	return Verification{Valid: true, SubjectID: subjectID, Scope: rec.Scope, ExpiresAt: rec.ExpiresAt}
}

func (s *Service) getRecord(subjectID string) (*Record, error) {
	raw, closer, err := s.db.Get([]byte(subjectPrefix + subjectID))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Service) putRecord(rec, prev *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	// The superseded token's index entry is kept so Verify can report it as
	// a sequence mismatch rather than an unknown token.
	_ = batch.Set([]byte(subjectPrefix+rec.SubjectID), raw, nil)
	_ = batch.Set([]byte(indexPrefix+rec.Token), []byte(rec.SubjectID), nil)
	return batch.Commit(pebble.Sync)
}

func refreshAfter(expiresAt time.Time, ttl time.Duration, fraction float64) time.Time {
	window := time.Duration(float64(ttl) * fraction)
	if window < minRefreshWindow {
		window = minRefreshWindow
	}
	return expiresAt.Add(-window)
}

func newToken() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("token: entropy unavailable: %v", err))
	}
	return hex.EncodeToString(b[:])
}
