// Package edge is the gateway's public surface: the HTTPS control plane,
// the /relay WebSocket tunnel endpoint, and the hub of inbound worker
// sessions it bridges them onto.
package edge

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/hypertuna/gateway/gateway/config"
	"github.com/hypertuna/gateway/gateway/dispatch"
	"github.com/hypertuna/gateway/gateway/metrics"
	"github.com/hypertuna/gateway/gateway/mirror"
	"github.com/hypertuna/gateway/gateway/registry"
	"github.com/hypertuna/gateway/gateway/token"
)

type Server struct {
	cfg          config.EdgeConfig
	mirrorCfg    config.MirrorConfig
	sharedSecret []byte

	tokens *token.Service
	reg    *registry.Registry
	disp   *dispatch.Dispatcher
	hub    *WorkerHub
	mirror *mirror.Mirror
	m      *metrics.Metrics

	limiter    *rateLimiter
	auditSinks []AuditSink
	onFatal    func(error)

	httpSrv   *http.Server
	closeCh   chan struct{}
	draining  atomic.Bool
	wg        sync.WaitGroup
	tunnelsMu sync.Mutex
	tunnels   map[string]*tunnelConn
}

func NewServer(
	cfg config.EdgeConfig,
	mirrorCfg config.MirrorConfig,
	tokens *token.Service,
	reg *registry.Registry,
	disp *dispatch.Dispatcher,
	hub *WorkerHub,
	mr *mirror.Mirror,
	m *metrics.Metrics,
) *Server {
	return &Server{
		cfg:          cfg,
		mirrorCfg:    mirrorCfg,
		sharedSecret: []byte(cfg.SharedSecret),
		tokens:       tokens,
		reg:          reg,
		disp:         disp,
		hub:          hub,
		mirror:       mr,
		m:            m,
		limiter:      newRateLimiter(cfg.TokenRatePerMin),
		closeCh:      make(chan struct{}),
		tunnels:      map[string]*tunnelConn{},
	}
}

// AddAuditSink registers an observer for terminal connection events. Call
// before Start.
func (s *Server) AddAuditSink(sink AuditSink) {
	s.auditSinks = append(s.auditSinks, sink)
}

// OnFatal registers the callback invoked if the listener dies after a
// successful start. Call before Start.
func (s *Server) OnFatal(fn func(error)) {
	s.onFatal = fn
}

// Router builds the public HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/relay", s.handleRelay)
	r.Post("/api/relay-tokens/issue", s.handleTokenIssue)
	r.Post("/api/relay-tokens/refresh", s.handleTokenRefresh)
	r.Get("/api/blind-peer", s.handleBlindPeerStatus)
	r.Get("/api/relays/{id}", s.handleResolveRelay)
	r.Patch("/api/relays/{relayKey}/policy", s.handleUpdatePolicy)
	r.Get("/health", s.handleHealth)
	r.Get("/debug/connections", s.handleDebugConnections)
	r.Get("/.well-known/hypertuna-gateway-secret", s.handleWellKnownSecret)
	if s.m != nil {
		r.Method(http.MethodGet, "/metrics", s.m.Handler())
	}
	return r
}

// Start begins serving. TLS when a cert/key pair is configured.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			log.Info().Str("addr", s.cfg.ListenAddr).Msg("[edge] https listening")
			err = s.httpSrv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			log.Info().Str("addr", s.cfg.ListenAddr).Msg("[edge] http listening")
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Surface immediate bind failures to the caller; anything later goes
	// through the fatal callback.
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		go func() {
			if err := <-errCh; err != nil && s.onFatal != nil {
				s.onFatal(err)
			}
		}()
		return nil
	}
}

// Shutdown stops accepting new connections, then drains in-flight tunnels
// up to the deadline, then force-closes the rest.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		log.Warn().Int("tunnels", len(s.ActiveTunnels())).Msg("[edge] drain deadline hit, force-closing tunnels")
	}
	close(s.closeCh)
	s.hub.Close()

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
	}
	return err
}
