// Package discovery publishes a signed, TTL-bounded gateway announcement
// on a well-known GossipSub topic and answers probe streams with the same
// encoded frame, so unowned clients can locate the gateway without any
// registry.
package discovery

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/rs/zerolog/log"

	"github.com/hypertuna/gateway/gateway/config"
	"github.com/hypertuna/gateway/gateway/core/cryptoops"
	"github.com/hypertuna/gateway/gateway/metrics"
)

// ProbeProtocolID answers direct announcement probes over a libp2p stream.
const ProbeProtocolID = protocol.ID("/hypertuna/discovery/1.0")

// TopicName is the string form of the 32-byte discovery topic digest.
var TopicName = hex.EncodeToString(TopicDigest[:])

type Advertiser struct {
	cfg  config.DiscoveryConfig
	edge config.EdgeConfig
	h    host.Host
	m    *metrics.Metrics

	cred    *cryptoops.Credential
	refresh time.Duration
	ttl     time.Duration

	cacheMu sync.Mutex
	cached  []byte
	builtAt time.Time

	topic  *pubsub.Topic
	cancel context.CancelFunc
	doneCh chan struct{}
}

func New(cfg config.DiscoveryConfig, edge config.EdgeConfig, h host.Host, m *metrics.Metrics) (*Advertiser, error) {
	var cred *cryptoops.Credential
	var err error
	if cfg.KeySeed != "" {
		seed, derr := hex.DecodeString(cfg.KeySeed)
		if derr != nil {
			return nil, fmt.Errorf("discovery: decode key seed: %w", derr)
		}
		cred, err = cryptoops.NewCredentialFromSeed(seed)
	} else {
		cred, err = cryptoops.NewCredential()
	}
	if err != nil {
		return nil, err
	}

	refresh := time.Duration(cfg.RefreshIntervalSec) * time.Second
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	ttl := time.Duration(cfg.TTLSec) * time.Second
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	return &Advertiser{
		cfg:     cfg,
		edge:    edge,
		h:       h,
		m:       m,
		cred:    cred,
		refresh: refresh,
		ttl:     ttl,
		doneCh:  make(chan struct{}),
	}, nil
}

// Enabled reports whether the advertiser will actually announce: both the
// feature flag and open access must be set.
func (a *Advertiser) Enabled() bool {
	return a.cfg.Enabled && a.cfg.OpenAccess
}

func (a *Advertiser) GatewayID() string {
	return a.cred.ID()
}

// Start joins the topic, installs the probe handler, and begins the
// rebroadcast loop. A disabled advertiser starts as a no-op.
func (a *Advertiser) Start(ctx context.Context, ps *pubsub.PubSub) error {
	if !a.Enabled() {
		log.Info().Msg("[discovery] disabled (requires enabled and open access)")
		close(a.doneCh)
		return nil
	}

	topic, err := ps.Join(TopicName)
	if err != nil {
		return fmt.Errorf("discovery: join topic: %w", err)
	}
	a.topic = topic

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.h.SetStreamHandler(ProbeProtocolID, a.handleProbe)
	go a.loop(ctx)

	log.Info().
		Str("gateway_id", a.cred.ID()).
		Str("topic", TopicName).
		Dur("refresh", a.refresh).
		Msg("[discovery] advertising")
	return nil
}

func (a *Advertiser) Stop() {
	if a.cancel == nil {
		return
	}
	a.h.RemoveStreamHandler(ProbeProtocolID)
	a.cancel()
	<-a.doneCh
	if a.topic != nil {
		_ = a.topic.Close()
	}
}

func (a *Advertiser) loop(ctx context.Context) {
	defer close(a.doneCh)

	// Publish immediately, then on every refresh tick.
	a.publish(ctx)
	ticker := time.NewTicker(a.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publish(ctx)
		}
	}
}

func (a *Advertiser) publish(ctx context.Context) {
	frame, err := a.rebuild()
	if err != nil {
		log.Error().Err(err).Msg("[discovery] rebuild announcement")
		return
	}
	if err := a.topic.Publish(ctx, frame); err != nil {
		log.Warn().Err(err).Msg("[discovery] publish announcement")
	}
}

// rebuild signs a fresh announcement and atomically replaces the cache.
func (a *Advertiser) rebuild() ([]byte, error) {
	ann := &Announcement{
		GatewayID:           a.cred.ID(),
		Timestamp:           time.Now(),
		TTL:                 a.ttl,
		PublicURL:           a.edge.PublicURL,
		WSURL:               a.edge.WSURL,
		SecretURL:           a.cfg.SecretURL,
		SecretHash:          SecretFingerprint(a.edge.SharedSecret),
		OpenAccess:          a.cfg.OpenAccess,
		SharedSecretVersion: secretVersion(a.edge.SharedSecret),
		DisplayName:         a.cfg.DisplayName,
		Region:              a.cfg.Region,
		ProtocolVersion:     ProtocolVersion,
	}
	ann.Sign(a.cred)
	encoded, err := ann.Encode()
	if err != nil {
		return nil, err
	}

	a.cacheMu.Lock()
	a.cached = encoded
	a.builtAt = time.Now()
	a.cacheMu.Unlock()
	if a.m != nil {
		a.m.AnnounceRebuilds.Inc()
	}
	return encoded, nil
}

// cachedFrame serves the cache when it is fresher than half the refresh
// interval, rebuilding first otherwise.
func (a *Advertiser) cachedFrame() ([]byte, error) {
	a.cacheMu.Lock()
	frame, builtAt := a.cached, a.builtAt
	a.cacheMu.Unlock()
	if frame != nil && time.Since(builtAt) < a.refresh/2 {
		return frame, nil
	}
	return a.rebuild()
}

// handleProbe writes one length-prefixed announcement frame and closes.
func (a *Advertiser) handleProbe(s network.Stream) {
	defer s.Close()

	frame, err := a.cachedFrame()
	if err != nil {
		log.Error().Err(err).Msg("[discovery] probe rebuild failed")
		return
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(frame)))
	if _, err := s.Write(size[:]); err != nil {
		return
	}
	if _, err := s.Write(frame); err != nil {
		log.Debug().Err(err).Msg("[discovery] probe write failed")
	}
}

// secretVersion distinguishes rotated shared secrets without leaking them:
// the first four bytes of the fingerprint, or zero when unset.
func secretVersion(sharedSecret string) uint32 {
	if sharedSecret == "" {
		return 0
	}
	fp := SecretFingerprint(sharedSecret)
	return binary.BigEndian.Uint32(fp[:4])
}
