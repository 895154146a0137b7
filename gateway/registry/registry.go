// Package registry maps relay identifiers to the worker peers currently
// claiming to host them, tracks peer heartbeats, and persists registrations
// so a gateway restart does not drop the fleet.
package registry

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/hypertuna/gateway/gateway/core/cryptoops"
	"github.com/hypertuna/gateway/gateway/core/wire"
)

var (
	ErrNoLivePeer   = errors.New("registry: no live peer for relay")
	ErrUnknownRelay = errors.New("registry: unknown relay")
	ErrBadProof     = errors.New("registry: invalid possession proof")
	ErrBadRelayKey  = errors.New("registry: relay key must be 32 hex-encoded bytes")
)

const relayPrefix = "registry/relay/"

// Policy is the per-relay admission policy. Zero values mean unlimited.
type Policy struct {
	MaxSubscriptions int  `json:"maxSubscriptions,omitempty"`
	MaxPublishRate   int  `json:"maxPublishRate,omitempty"`
	ReadOnly         bool `json:"readOnly,omitempty"`
}

type Relay struct {
	ID          string    `json:"id"`
	OwnerPubkey string    `json:"ownerPubkey"`
	Name        string    `json:"name"`
	RelayKey    string    `json:"relayKey"`
	Policy      Policy    `json:"policy"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Peer struct {
	PeerID          string           `json:"peerId"`
	LastHeartbeatAt time.Time        `json:"lastHeartbeatAt"`
	Metrics         wire.PeerMetrics `json:"metrics"`
	Relays          []string         `json:"relays"`
}

// RegistrationResponse tells the worker where replicas of its cores land.
type RegistrationResponse struct {
	RelayID          string `json:"relayId"`
	MirrorPublicKey  string `json:"mirrorPublicKey"`
	ReplicationTopic string `json:"replicationTopic"`
}

type Registry struct {
	staleness        time.Duration
	mirrorPublicKey  string
	replicationTopic string
	db               *pebble.DB

	mu     sync.RWMutex
	relays map[string]*Relay           // relay key -> relay
	byName map[string]string           // "owner:name" -> relay key
	peers  map[string]*Peer            // peer id -> peer
	hosts  map[string]map[string]bool  // relay key -> set of peer ids

	stopCh chan struct{}
}

func New(db *pebble.DB, staleness time.Duration) *Registry {
	if staleness <= 0 {
		staleness = 45 * time.Second
	}
	return &Registry{
		staleness: staleness,
		db:        db,
		relays:    map[string]*Relay{},
		byName:    map[string]string{},
		peers:     map[string]*Peer{},
		hosts:     map[string]map[string]bool{},
		stopCh:    make(chan struct{}),
	}
}

// SetMirrorInfo wires the values returned to registering workers.
func (r *Registry) SetMirrorInfo(publicKey, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mirrorPublicKey = publicKey
	r.replicationTopic = topic
}

// Load restores persisted relay records. Peers re-announce themselves via
// heartbeats, so only relays survive restarts.
func (r *Registry) Load() error {
	if r.db == nil {
		return nil
	}
	iter, err := r.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(relayPrefix),
		UpperBound: []byte(relayPrefix + "\xff"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for iter.First(); iter.Valid(); iter.Next() {
		var relay Relay
		if err := json.Unmarshal(iter.Value(), &relay); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("[registry] skipping corrupt relay record")
			continue
		}
		r.relays[relay.RelayKey] = &relay
		r.byName[nameKey(relay.OwnerPubkey, relay.Name)] = relay.RelayKey
	}
	log.Info().Int("relays", len(r.relays)).Msg("[registry] loaded persisted relays")
	return nil
}

// StartGC expires stale peers until Stop.
func (r *Registry) StartGC(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.expireStalePeers()
			}
		}
	}()
}

func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) expireStalePeers() {
	now := time.Now()
	var removed []string
	r.mu.Lock()
	for id, p := range r.peers {
		if now.Sub(p.LastHeartbeatAt) > 4*r.staleness {
			removed = append(removed, id)
			delete(r.peers, id)
			for _, rk := range p.Relays {
				if set, ok := r.hosts[rk]; ok {
					delete(set, id)
				}
			}
		}
	}
	r.mu.Unlock()
	for _, id := range removed {
		log.Info().Str("peer", id).Msg("[registry] removed stale peer")
	}
}

// RegistrationPayload is the canonical body a worker signs to prove
// possession of the relay key.
type RegistrationPayload struct {
	RelayKey    string `json:"relayKey"`
	OwnerPubkey string `json:"ownerPubkey"`
	Name        string `json:"name"`
	PeerID      string `json:"peerId"`
}

// SignRegistration produces the possession proof: an HMAC over the
// canonical registration payload keyed by the raw relay key bytes.
func SignRegistration(relayKeyBytes []byte, payload RegistrationPayload, ts int64) (string, error) {
	return cryptoops.SignRequest(relayKeyBytes, payload.PeerID, payload, ts)
}

// Register validates the proof and binds the peer to the relay, creating
// the relay record on first sight.
func (r *Registry) Register(req wire.RegisterRequest) (*RegistrationResponse, error) {
	keyBytes, err := hex.DecodeString(req.RelayKey)
	if err != nil || len(keyBytes) != 32 {
		return nil, ErrBadRelayKey
	}

	payload := RegistrationPayload{
		RelayKey:    req.RelayKey,
		OwnerPubkey: req.OwnerPubkey,
		Name:        req.Name,
		PeerID:      req.PeerID,
	}
	if err := cryptoops.VerifyRequest(keyBytes, req.PeerID, payload, req.Proof.Timestamp, req.Proof.Signature, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadProof, err)
	}

	now := time.Now()
	r.mu.Lock()
	relay, ok := r.relays[req.RelayKey]
	if !ok {
		relay = &Relay{
			ID:          req.RelayKey,
			OwnerPubkey: req.OwnerPubkey,
			Name:        req.Name,
			RelayKey:    req.RelayKey,
			CreatedAt:   now,
		}
		r.relays[req.RelayKey] = relay
		r.byName[nameKey(req.OwnerPubkey, req.Name)] = req.RelayKey
	}

	peer, ok := r.peers[req.PeerID]
	if !ok {
		peer = &Peer{PeerID: req.PeerID}
		r.peers[req.PeerID] = peer
	}
	peer.LastHeartbeatAt = now
	if !contains(peer.Relays, req.RelayKey) {
		peer.Relays = append(peer.Relays, req.RelayKey)
	}
	set, ok := r.hosts[req.RelayKey]
	if !ok {
		set = map[string]bool{}
		r.hosts[req.RelayKey] = set
	}
	set[req.PeerID] = true

	resp := &RegistrationResponse{
		RelayID:          relay.ID,
		MirrorPublicKey:  r.mirrorPublicKey,
		ReplicationTopic: r.replicationTopic,
	}
	r.mu.Unlock()

	if err := r.persistRelay(relay); err != nil {
		log.Warn().Err(err).Str("relay_key", req.RelayKey).Msg("[registry] persist relay failed")
	}
	log.Info().Str("relay_key", req.RelayKey).Str("peer", req.PeerID).Msg("[registry] registered")
	return resp, nil
}

// Deregister unbinds the peer from the relay. Idempotent; unknown pairs are
// a no-op. The relay record itself is removed once no peer claims it.
func (r *Registry) Deregister(relayKey, peerID string) {
	r.mu.Lock()
	if set, ok := r.hosts[relayKey]; ok {
		delete(set, peerID)
		if len(set) == 0 {
			delete(r.hosts, relayKey)
			if relay, ok := r.relays[relayKey]; ok {
				delete(r.byName, nameKey(relay.OwnerPubkey, relay.Name))
				delete(r.relays, relayKey)
				if r.db != nil {
					_ = r.db.Delete([]byte(relayPrefix+relayKey), pebble.Sync)
				}
			}
		}
	}
	if peer, ok := r.peers[peerID]; ok {
		peer.Relays = remove(peer.Relays, relayKey)
	}
	r.mu.Unlock()
	log.Info().Str("relay_key", relayKey).Str("peer", peerID).Msg("[registry] deregistered")
}

// Heartbeat refreshes a peer's liveness and last-known metrics.
func (r *Registry) Heartbeat(hb wire.Heartbeat) {
	now := time.Now()
	r.mu.Lock()
	peer, ok := r.peers[hb.PeerID]
	if !ok {
		peer = &Peer{PeerID: hb.PeerID}
		r.peers[hb.PeerID] = peer
	}
	peer.LastHeartbeatAt = now
	peer.Metrics = hb.Metrics
	for _, rk := range hb.Relays {
		if !contains(peer.Relays, rk) {
			peer.Relays = append(peer.Relays, rk)
		}
		set, ok := r.hosts[rk]
		if !ok {
			set = map[string]bool{}
			r.hosts[rk] = set
		}
		set[hb.PeerID] = true
	}
	r.mu.Unlock()
}

// DropPeer removes a peer and its bindings, e.g. when its session closes.
func (r *Registry) DropPeer(peerID string) {
	r.mu.Lock()
	if peer, ok := r.peers[peerID]; ok {
		for _, rk := range peer.Relays {
			if set, ok := r.hosts[rk]; ok {
				delete(set, peerID)
			}
		}
		delete(r.peers, peerID)
	}
	r.mu.Unlock()
}

// Resolve accepts either the raw relay-key hex or "{npub}:{name}" and
// returns the relay with its live peers. Relays with no live peer return
// ErrNoLivePeer.
func (r *Registry) Resolve(identifier string) (*Relay, []*Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	relayKey := identifier
	if strings.Contains(identifier, ":") {
		parts := strings.SplitN(identifier, ":", 2)
		rk, ok := r.byName[nameKey(parts[0], parts[1])]
		if !ok {
			return nil, nil, ErrUnknownRelay
		}
		relayKey = rk
	}

	relay, ok := r.relays[relayKey]
	if !ok {
		return nil, nil, ErrUnknownRelay
	}

	now := time.Now()
	var live []*Peer
	for peerID := range r.hosts[relayKey] {
		peer, ok := r.peers[peerID]
		if !ok {
			continue
		}
		if now.Sub(peer.LastHeartbeatAt) < r.staleness {
			snapshot := *peer
			live = append(live, &snapshot)
		}
	}
	if len(live) == 0 {
		return relay, nil, ErrNoLivePeer
	}
	out := *relay
	return &out, live, nil
}

// UpdatePolicy applies a policy patch. Admin-only: the edge gates the call.
func (r *Registry) UpdatePolicy(relayKey string, patch Policy) (*Relay, error) {
	r.mu.Lock()
	relay, ok := r.relays[relayKey]
	if !ok {
		r.mu.Unlock()
		return nil, ErrUnknownRelay
	}
	relay.Policy = patch
	out := *relay
	r.mu.Unlock()

	if err := r.persistRelay(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Peers returns a snapshot of all known peers, most recent heartbeat first.
func (r *Registry) Peers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		snapshot := *p
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastHeartbeatAt.After(out[j].LastHeartbeatAt)
	})
	return out
}

func (r *Registry) persistRelay(relay *Relay) error {
	if r.db == nil {
		return nil
	}
	raw, err := json.Marshal(relay)
	if err != nil {
		return err
	}
	return r.db.Set([]byte(relayPrefix+relay.RelayKey), raw, pebble.Sync)
}

func nameKey(owner, name string) string {
	return owner + ":" + name
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func remove(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
