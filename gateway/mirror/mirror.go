// Package mirror wraps the co-located blind peer: an append-only block
// store that follows worker cores on behalf of an allowlist of trusted
// writers without reading their content. Failures here degrade the
// subsystem, never the gateway.
package mirror

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/hypertuna/gateway/gateway/config"
	"github.com/hypertuna/gateway/gateway/core/cryptoops"
	"github.com/hypertuna/gateway/gateway/metrics"
)

const (
	keysKey    = "mirror/keys"
	corePrefix = "mirror/core/"
	metaPrefix = "mirror/meta/"

	// StatusInactive is returned by every operation while the mirror is
	// disabled or stopped.
	StatusInactive  = "inactive"
	StatusMirroring = "mirroring"
	StatusUntrusted = "untrusted"
)

var ErrNotInitialized = errors.New("mirror: not initialized")

type TrustedPeer struct {
	Key          string    `json:"key"`
	TrustedSince time.Time `json:"trustedSince"`
}

type MirrorOptions struct {
	Announce bool
	Priority int
	Referrer string
}

type Result struct {
	Status string `json:"status"`
	Core   string `json:"core,omitempty"`
}

// AutobaseHandle identifies a multi-writer log group and its input cores.
type AutobaseHandle struct {
	Key    string   `json:"key"`
	Inputs []string `json:"inputs"`
}

type coreMeta struct {
	Key      string    `json:"key"`
	AddedAt  time.Time `json:"addedAt"`
	Announce bool      `json:"announce"`
	Priority int       `json:"priority"`
	Referrer string    `json:"referrer,omitempty"`
	Target   string    `json:"target,omitempty"`
	Length   uint64    `json:"length"`
	Bytes    uint64    `json:"bytes"`
}

type Status struct {
	Enabled          bool              `json:"enabled"`
	Running          bool              `json:"running"`
	TrustedPeerCount int               `json:"trustedPeerCount"`
	StorageDir       string            `json:"storageDir"`
	Digest           string            `json:"digest"`
	PublicKey        string            `json:"publicKey"`
	EncryptionKey    string            `json:"encryptionKey"`
	TrustedPeers     []TrustedPeer     `json:"trustedPeers"`
	Owners           map[string][]Core `json:"owners,omitempty"`
}

type Core struct {
	Key    string `json:"key"`
	Length uint64 `json:"length"`
	Bytes  uint64 `json:"bytes"`
}

type Mirror struct {
	cfg config.MirrorConfig
	m   *metrics.Metrics

	mu          sync.Mutex
	initialized bool
	running     bool
	db          *pebble.DB
	trusted     map[string]TrustedPeer
	cores       map[string]*coreMeta
	publicKey   string
	encryption  string
}

func New(cfg config.MirrorConfig, m *metrics.Metrics) *Mirror {
	return &Mirror{
		cfg:     cfg,
		m:       m,
		trusted: map[string]TrustedPeer{},
		cores:   map[string]*coreMeta{},
	}
}

// Initialize loads the trusted-peer allowlist and prepares the storage
// directory. Errors are fatal for the mirror subsystem only.
func (mr *Mirror) Initialize() error {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	if err := os.MkdirAll(mr.cfg.StorageDir, 0o755); err != nil {
		return fmt.Errorf("mirror: create storage dir: %w", err)
	}
	if err := mr.loadAllowlistLocked(); err != nil {
		return err
	}
	mr.initialized = true
	log.Info().
		Int("trusted", len(mr.trusted)).
		Str("dir", mr.cfg.StorageDir).
		Msg("[mirror] initialized")
	return nil
}

func (mr *Mirror) loadAllowlistLocked() error {
	raw, err := os.ReadFile(mr.cfg.TrustedPeersPersistPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mirror: read allowlist: %w", err)
	}
	var list []TrustedPeer
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("mirror: parse allowlist: %w", err)
	}
	for _, tp := range list {
		mr.trusted[tp.Key] = tp
	}
	return nil
}

func (mr *Mirror) persistAllowlistLocked() error {
	list := make([]TrustedPeer, 0, len(mr.trusted))
	for _, tp := range mr.trusted {
		list = append(list, tp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
	raw, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(mr.cfg.TrustedPeersPersistPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(mr.cfg.TrustedPeersPersistPath, raw, 0o600)
}

// Start boots the storage node. Announce keys are created on first start
// and persisted in the store so they are stable across restarts.
func (mr *Mirror) Start() error {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if !mr.initialized {
		return ErrNotInitialized
	}
	if mr.running {
		return nil
	}

	db, err := pebble.Open(mr.cfg.StorageDir, &pebble.Options{})
	if err != nil {
		return fmt.Errorf("mirror: open store: %w", err)
	}
	mr.db = db

	if err := mr.loadOrCreateKeysLocked(); err != nil {
		db.Close()
		mr.db = nil
		return err
	}
	if err := mr.loadCoresLocked(); err != nil {
		db.Close()
		mr.db = nil
		return err
	}

	mr.running = true
	mr.updateGaugesLocked()
	log.Info().
		Str("public_key", mr.publicKey).
		Int("cores", len(mr.cores)).
		Msg("[mirror] storage node started")
	return nil
}

func (mr *Mirror) loadOrCreateKeysLocked() error {
	type keyRecord struct {
		PublicKey     string `json:"publicKey"`
		EncryptionKey string `json:"encryptionKey"`
	}

	raw, closer, err := mr.db.Get([]byte(keysKey))
	if err == nil {
		defer closer.Close()
		var rec keyRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("mirror: decode key record: %w", err)
		}
		mr.publicKey = rec.PublicKey
		mr.encryption = rec.EncryptionKey
		return nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("mirror: read key record: %w", err)
	}

	pub, sec, err := cryptoops.GenerateBoxKeyPair()
	if err != nil {
		return err
	}
	// Only the public halves are retained; the mirror never decrypts what
	// it stores.
	cryptoops.Zeroize(sec)
	encPub, encSec, err := cryptoops.GenerateBoxKeyPair()
	if err != nil {
		return err
	}
	cryptoops.Zeroize(encSec)

	rec := keyRecord{
		PublicKey:     hex.EncodeToString(pub),
		EncryptionKey: hex.EncodeToString(encPub),
	}
	rawRec, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := mr.db.Set([]byte(keysKey), rawRec, pebble.Sync); err != nil {
		return fmt.Errorf("mirror: persist key record: %w", err)
	}
	mr.publicKey = rec.PublicKey
	mr.encryption = rec.EncryptionKey
	return nil
}

func (mr *Mirror) loadCoresLocked() error {
	iter, err := mr.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(metaPrefix),
		UpperBound: []byte(metaPrefix + "\xff"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var meta coreMeta
		if err := json.Unmarshal(iter.Value(), &meta); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("[mirror] skipping corrupt core record")
			continue
		}
		mr.cores[meta.Key] = &meta
	}
	return nil
}

// Stop flushes and closes the store. Further operations return inactive.
func (mr *Mirror) Stop() {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if !mr.running {
		return
	}
	mr.running = false
	if mr.db != nil {
		if err := mr.db.Close(); err != nil {
			log.Warn().Err(err).Msg("[mirror] close store")
		}
		mr.db = nil
	}
	log.Info().Msg("[mirror] stopped")
}

// MirrorCore asks the node to follow a remote core. Idempotent: a core
// already followed reports the same status.
func (mr *Mirror) MirrorCore(coreKey string, opts MirrorOptions) Result {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if !mr.running {
		return Result{Status: StatusInactive}
	}
	if _, ok := mr.cores[coreKey]; ok {
		return Result{Status: StatusMirroring, Core: coreKey}
	}
	meta := &coreMeta{
		Key:      coreKey,
		AddedAt:  time.Now(),
		Announce: opts.Announce,
		Priority: opts.Priority,
		Referrer: opts.Referrer,
	}
	if err := mr.persistMetaLocked(meta); err != nil {
		log.Error().Err(err).Str("core", coreKey).Msg("[mirror] persist core meta")
		return Result{Status: StatusInactive}
	}
	mr.cores[coreKey] = meta
	mr.updateGaugesLocked()
	log.Info().Str("core", coreKey).Str("referrer", opts.Referrer).Msg("[mirror] following core")
	return Result{Status: StatusMirroring, Core: coreKey}
}

// MirrorAutobase follows every input core of a multi-writer log group.
func (mr *Mirror) MirrorAutobase(handle AutobaseHandle, target string) Result {
	mr.mu.Lock()
	running := mr.running
	mr.mu.Unlock()
	if !running {
		return Result{Status: StatusInactive}
	}

	for _, input := range handle.Inputs {
		res := mr.MirrorCore(input, MirrorOptions{Referrer: handle.Key})
		if res.Status == StatusInactive {
			return res
		}
	}

	mr.mu.Lock()
	defer mr.mu.Unlock()
	if meta, ok := mr.cores[handle.Key]; ok {
		meta.Target = target
		_ = mr.persistMetaLocked(meta)
		return Result{Status: StatusMirroring, Core: handle.Key}
	}
	meta := &coreMeta{Key: handle.Key, AddedAt: time.Now(), Target: target}
	if err := mr.persistMetaLocked(meta); err != nil {
		return Result{Status: StatusInactive}
	}
	mr.cores[handle.Key] = meta
	mr.updateGaugesLocked()
	return Result{Status: StatusMirroring, Core: handle.Key}
}

// Append stores one replicated block for a followed core. Writers must be
// on the allowlist; content is opaque.
func (mr *Mirror) Append(writerKey, coreKey string, seq uint64, block []byte) Result {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if !mr.running {
		return Result{Status: StatusInactive}
	}
	if _, ok := mr.trusted[writerKey]; !ok {
		return Result{Status: StatusUntrusted}
	}
	meta, ok := mr.cores[coreKey]
	if !ok {
		// Trusted writers may introduce cores implicitly.
		meta = &coreMeta{Key: coreKey, AddedAt: time.Now(), Referrer: writerKey}
		mr.cores[coreKey] = meta
	}

	var key []byte
	key = append(key, corePrefix...)
	key = append(key, coreKey...)
	key = append(key, '/')
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	key = append(key, seqBuf[:]...)

	if err := mr.db.Set(key, block, pebble.NoSync); err != nil {
		log.Error().Err(err).Str("core", coreKey).Msg("[mirror] append block")
		return Result{Status: StatusInactive}
	}
	if seq >= meta.Length {
		meta.Length = seq + 1
	}
	meta.Bytes += uint64(len(block))
	_ = mr.persistMetaLocked(meta)
	if mr.m != nil {
		mr.m.MirrorBytes.Add(float64(len(block)))
	}
	mr.updateGaugesLocked()
	return Result{Status: StatusMirroring, Core: coreKey}
}

func (mr *Mirror) persistMetaLocked(meta *coreMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return mr.db.Set([]byte(metaPrefix+meta.Key), raw, pebble.NoSync)
}

// AddTrustedPeer admits a writer key and persists the allowlist. A running
// node honors the change immediately.
func (mr *Mirror) AddTrustedPeer(key string) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	if _, ok := mr.trusted[key]; !ok {
		mr.trusted[key] = TrustedPeer{Key: key, TrustedSince: time.Now()}
	}
	mr.updateGaugesLocked()
	return mr.persistAllowlistLocked()
}

func (mr *Mirror) RemoveTrustedPeer(key string) error {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	delete(mr.trusted, key)
	mr.updateGaugesLocked()
	return mr.persistAllowlistLocked()
}

// PublicKey is the announce key workers replicate toward; empty until Start.
func (mr *Mirror) PublicKey() string {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	return mr.publicKey
}

// GetStatus reports the mirror state. With detail, cores are grouped by
// referrer, capped at owners x coresPerOwner entries.
func (mr *Mirror) GetStatus(detail bool, owners, coresPerOwner int) Status {
	mr.mu.Lock()
	defer mr.mu.Unlock()

	st := Status{
		Enabled:          mr.cfg.Enabled,
		Running:          mr.running,
		TrustedPeerCount: len(mr.trusted),
		StorageDir:       mr.cfg.StorageDir,
		PublicKey:        mr.publicKey,
		EncryptionKey:    mr.encryption,
		Digest:           mr.digestLocked(),
	}
	for _, tp := range mr.trusted {
		st.TrustedPeers = append(st.TrustedPeers, tp)
	}
	sort.Slice(st.TrustedPeers, func(i, j int) bool { return st.TrustedPeers[i].Key < st.TrustedPeers[j].Key })

	if detail {
		st.Owners = map[string][]Core{}
		for _, meta := range mr.cores {
			owner := meta.Referrer
			if owner == "" {
				owner = "unattributed"
			}
			if len(st.Owners) >= owners {
				if _, ok := st.Owners[owner]; !ok {
					continue
				}
			}
			if len(st.Owners[owner]) >= coresPerOwner {
				continue
			}
			st.Owners[owner] = append(st.Owners[owner], Core{Key: meta.Key, Length: meta.Length, Bytes: meta.Bytes})
		}
	}
	return st
}

// digestLocked summarizes the mirrored set: sha256 over sorted core keys
// and lengths.
func (mr *Mirror) digestLocked() string {
	if len(mr.cores) == 0 {
		return ""
	}
	keys := make([]string, 0, len(mr.cores))
	for k := range mr.cores {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], mr.cores[k].Length)
		h.Write(lenBuf[:])
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (mr *Mirror) updateGaugesLocked() {
	if mr.m == nil {
		return
	}
	mr.m.MirrorTrusted.Set(float64(len(mr.trusted)))
	mr.m.MirrorActiveCores.Set(float64(len(mr.cores)))
}
