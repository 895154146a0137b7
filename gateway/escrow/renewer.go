package escrow

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// LeaseTracker is the vault-side surface the renewer needs; kept narrow so
// the escrow package does not depend on the vault implementation.
type LeaseTracker interface {
	List() []*Lease
	Track(lease *Lease)
}

// Renewer re-unlocks leases before they expire so write delegation never
// lapses while the gateway is up.
type Renewer struct {
	client   *Client
	tracker  LeaseTracker
	interval time.Duration
	window   time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewRenewer(client *Client, tracker LeaseTracker, interval time.Duration) *Renewer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Renewer{
		client:   client,
		tracker:  tracker,
		interval: interval,
		window:   time.Minute,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *Renewer) Start() {
	go r.run()
}

func (r *Renewer) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Renewer) run() {
	defer close(r.doneCh)

	// The policy's renew window takes precedence over the default when the
	// escrow service advertises one.
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	if policy, err := r.client.FetchPolicy(ctx); err == nil && policy.RenewWindowSec > 0 {
		r.window = time.Duration(policy.RenewWindowSec) * time.Second
	}
	cancel()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Renewer) sweep() {
	now := time.Now()
	for _, lease := range r.tracker.List() {
		if lease.ExpiresAt.Sub(now) > r.window {
			continue
		}
		r.renew(lease)
	}
}

func (r *Renewer) renew(lease *Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	fresh, err := r.client.Unlock(ctx, UnlockRequest{
		EscrowID:    lease.EscrowID,
		RequesterID: lease.RequesterID,
		Evidence:    lease.Evidence,
	})
	if err != nil {
		log.Warn().Err(err).
			Str("escrow_id", lease.EscrowID).
			Str("relay_key", lease.RelayKey).
			Msg("[escrow] lease renewal failed")
		return
	}
	r.tracker.Track(fresh)
	log.Info().
		Str("relay_key", fresh.RelayKey).
		Str("lease_id", fresh.LeaseID).
		Time("expires_at", fresh.ExpiresAt).
		Msg("[escrow] lease renewed")
}
