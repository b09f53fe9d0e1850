package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus metrics on a custom registry.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsTotal  prometheus.Counter
	ThrottledConns prometheus.Counter
	AuthTotal      *prometheus.CounterVec
	VerdictsTotal  *prometheus.CounterVec
	SandboxesLive  prometheus.Gauge
}

// NewMetrics creates a Metrics with everything registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feuerfuchs",
			Name:      "sessions_total",
			Help:      "Total accepted sessions.",
		}),
		ThrottledConns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feuerfuchs",
			Name:      "throttled_connections_total",
			Help:      "Connections refused by the per-peer rate limit.",
		}),
		AuthTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feuerfuchs",
			Name:      "auth_total",
			Help:      "Authentication outcomes.",
		}, []string{"outcome"}),
		VerdictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feuerfuchs",
			Name:      "verdicts_total",
			Help:      "Session verdicts.",
		}, []string{"verdict"}),
		SandboxesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "feuerfuchs",
			Name:      "sandboxes_live",
			Help:      "Sandboxes currently owned by sessions.",
		}),
	}

	reg.MustRegister(
		m.SessionsTotal,
		m.ThrottledConns,
		m.AuthTotal,
		m.VerdictsTotal,
		m.SandboxesLive,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
