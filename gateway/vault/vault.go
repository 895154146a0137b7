// Package vault is the single in-process owner of decrypted writer keys.
// Everything handed out is a copy with the secret stripped unless the
// caller opts in, and every removal path wipes the backing bytes first.
package vault

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hypertuna/gateway/gateway/core/cryptoops"
	"github.com/hypertuna/gateway/gateway/escrow"
)

type Vault struct {
	mu      sync.Mutex
	leases  map[string]*escrow.Lease // keyed by lease ID
	byRelay map[string]string        // relay key -> most recent lease ID

	stopCh  chan struct{}
	stopped bool
}

func New() *Vault {
	return &Vault{
		leases:  map[string]*escrow.Lease{},
		byRelay: map[string]string{},
		stopCh:  make(chan struct{}),
	}
}

// StartSweeper releases expired leases on a fixed cadence until Destroy.
func (v *Vault) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-v.stopCh:
				return
			case <-ticker.C:
				v.ReleaseExpired(time.Now(), "expired")
			}
		}
	}()
}

// Track takes ownership of the lease, including its writer-key bytes. A
// previous lease for the same relay key is removed and wiped before the new
// one becomes visible.
func (v *Vault) Track(lease *escrow.Lease) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopped {
		cryptoops.Zeroize(lease.Writer.WriterKey)
		return
	}

	if prevID, ok := v.byRelay[lease.RelayKey]; ok {
		if prev, ok := v.leases[prevID]; ok {
			cryptoops.Zeroize(prev.Writer.WriterKey)
			delete(v.leases, prevID)
			log.Debug().
				Str("relay_key", lease.RelayKey).
				Str("old_lease", prevID).
				Str("new_lease", lease.LeaseID).
				Msg("[vault] lease supplanted")
		}
	}
	v.leases[lease.LeaseID] = lease
	v.byRelay[lease.RelayKey] = lease.LeaseID
}

// Get returns a copy of the active lease for relayKey. The writer key is
// absent unless includeSecret is set, in which case the copy carries a fresh
// buffer the caller is responsible for wiping.
func (v *Vault) Get(relayKey string, includeSecret bool) (*escrow.Lease, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.byRelay[relayKey]
	if !ok {
		return nil, false
	}
	lease, ok := v.leases[id]
	if !ok {
		return nil, false
	}
	return lease.Clone(includeSecret), true
}

// List returns stripped copies of every tracked lease.
func (v *Vault) List() []*escrow.Lease {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*escrow.Lease, 0, len(v.leases))
	for _, lease := range v.leases {
		out = append(out, lease.Clone(false))
	}
	return out
}

// Release removes the lease for relayKey, wipes its secret, and returns the
// stripped clone.
func (v *Vault) Release(relayKey, reason string) (*escrow.Lease, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.releaseLocked(relayKey, reason)
}

func (v *Vault) releaseLocked(relayKey, reason string) (*escrow.Lease, bool) {
	id, ok := v.byRelay[relayKey]
	if !ok {
		return nil, false
	}
	lease := v.leases[id]
	delete(v.leases, id)
	delete(v.byRelay, relayKey)
	stripped := lease.Clone(false)
	cryptoops.Zeroize(lease.Writer.WriterKey)
	lease.Writer.WriterKey = nil
	log.Debug().Str("relay_key", relayKey).Str("lease_id", id).Str("reason", reason).Msg("[vault] lease released")
	return stripped, true
}

// ReleaseByEscrowID releases every lease tied to escrowID and returns the
// affected relay keys.
func (v *Vault) ReleaseByEscrowID(escrowID, reason string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	var relays []string
	for _, lease := range v.leases {
		if lease.EscrowID == escrowID {
			relays = append(relays, lease.RelayKey)
		}
	}
	for _, rk := range relays {
		v.releaseLocked(rk, reason)
	}
	return relays
}

// ReleaseExpired releases every lease whose expiry is at or before now.
func (v *Vault) ReleaseExpired(now time.Time, reason string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	var relays []string
	for _, lease := range v.leases {
		if !lease.ExpiresAt.After(now) {
			relays = append(relays, lease.RelayKey)
		}
	}
	for _, rk := range relays {
		v.releaseLocked(rk, reason)
	}
	return relays
}

// ClearAll wipes every tracked lease.
func (v *Vault) ClearAll(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, lease := range v.leases {
		cryptoops.Zeroize(lease.Writer.WriterKey)
		lease.Writer.WriterKey = nil
		delete(v.leases, id)
	}
	v.byRelay = map[string]string{}
	if reason != "" {
		log.Info().Str("reason", reason).Msg("[vault] cleared all leases")
	}
}

// Destroy wipes everything and stops the sweeper. The vault refuses new
// leases afterwards. The top-level binary calls this on shutdown; the vault
// itself installs no signal handlers.
func (v *Vault) Destroy(reason string) {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	v.stopped = true
	close(v.stopCh)
	v.mu.Unlock()
	v.ClearAll(reason)
}

// LeaseRevoked implements escrow.RevocationListener.
func (v *Vault) LeaseRevoked(escrowID, reason string) {
	if reason == "" {
		reason = "escrow-revoked"
	}
	v.ReleaseByEscrowID(escrowID, reason)
}
