// Package metrics holds the gateway's Prometheus collectors. Everything is
// registered on a dedicated registry so tests can construct gateways
// without collector name collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	TunnelsActive     prometheus.Gauge
	TunnelsTotal      prometheus.Counter
	TunnelBytes       *prometheus.CounterVec
	DispatchAssigned  prometheus.Counter
	DispatchRejected  *prometheus.CounterVec
	DispatchFailures  prometheus.Counter
	CircuitsOpen      prometheus.Gauge
	TokensIssued      prometheus.Counter
	TokensRevoked     prometheus.Counter
	MirrorBytes       prometheus.Counter
	MirrorTrusted     prometheus.Gauge
	MirrorActiveCores prometheus.Gauge
	AnnounceRebuilds  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_tunnels_active",
			Help: "Currently open relay tunnels.",
		}),
		TunnelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tunnels_total",
			Help: "Relay tunnels opened since start.",
		}),
		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tunnel_bytes_total",
			Help: "Bytes pumped through tunnels by direction.",
		}, []string{"direction"}),
		DispatchAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dispatch_assigned_total",
			Help: "Jobs assigned to a worker peer.",
		}),
		DispatchRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_dispatch_rejected_total",
			Help: "Jobs rejected, by reason.",
		}, []string{"reason"}),
		DispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dispatch_failures_total",
			Help: "Job failures reported back to the dispatcher.",
		}),
		CircuitsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_circuits_open",
			Help: "Worker peers currently excluded by an open circuit.",
		}),
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tokens_issued_total",
			Help: "Relay access tokens issued (including refreshes).",
		}),
		TokensRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tokens_revoked_total",
			Help: "Relay access tokens revoked.",
		}),
		MirrorBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_mirror_bytes_allocated_total",
			Help: "Bytes written into the blind-peer mirror store.",
		}),
		MirrorTrusted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_mirror_trusted_peers",
			Help: "Writers on the blind-peer allowlist.",
		}),
		MirrorActiveCores: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_mirror_active_cores",
			Help: "Cores the mirror is following.",
		}),
		AnnounceRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_discovery_announce_rebuilds_total",
			Help: "Discovery announcement rebuilds.",
		}),
	}

	reg.MustRegister(
		m.TunnelsActive, m.TunnelsTotal, m.TunnelBytes,
		m.DispatchAssigned, m.DispatchRejected, m.DispatchFailures, m.CircuitsOpen,
		m.TokensIssued, m.TokensRevoked,
		m.MirrorBytes, m.MirrorTrusted, m.MirrorActiveCores,
		m.AnnounceRebuilds,
	)
	return m
}

// Handler serves the registry in the standard exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
