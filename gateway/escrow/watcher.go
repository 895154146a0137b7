package escrow

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// RevocationListener is notified when the escrow service reports a lease's
// deposit as revoked. Implementations must not block: the watcher calls
// listeners inline between polls.
type RevocationListener interface {
	LeaseRevoked(escrowID, reason string)
}

// Watcher polls the escrow server's lease view and fans revocations out to
// listeners. One notification per escrowID per observed revocation.
type Watcher struct {
	client    *Client
	interval  time.Duration
	listeners []RevocationListener
	notified  map[string]struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewWatcher(client *Client, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Watcher{
		client:   client,
		interval: interval,
		notified: map[string]struct{}{},
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Subscribe must be called before Start.
func (w *Watcher) Subscribe(l RevocationListener) {
	w.listeners = append(w.listeners, l)
}

func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), w.interval)
	defer cancel()

	leases, err := w.client.ListLeases(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("[escrow] reconciliation poll failed")
		return
	}

	for _, lease := range leases {
		if lease.Status != StatusRevoked {
			continue
		}
		if _, seen := w.notified[lease.EscrowID]; seen {
			continue
		}
		w.notified[lease.EscrowID] = struct{}{}
		log.Info().
			Str("escrow_id", lease.EscrowID).
			Str("relay_key", lease.RelayKey).
			Str("reason", lease.Reason).
			Msg("[escrow] lease revoked upstream")
		for _, l := range w.listeners {
			l.LeaseRevoked(lease.EscrowID, lease.Reason)
		}
	}
}
