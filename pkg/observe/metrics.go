package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors required by the core.
type Metrics struct {
	registry *prometheus.Registry

	ResolveOutcomes    *prometheus.CounterVec
	SwapDuration       *prometheus.HistogramVec
	RemoteSyncs        *prometheus.CounterVec
	DigestChecks       *prometheus.CounterVec
	SignatureChecks    *prometheus.CounterVec
	ActivityChanges    *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	HealthProbes       *prometheus.CounterVec
}

// NewMetrics creates and registers the core collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ResolveOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oneiric_resolve_total",
				Help: "Resolution outcomes by domain and result",
			},
			[]string{"domain", "outcome"},
		),
		SwapDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "oneiric_swap_duration_seconds",
				Help:    "Time spent performing provider swaps",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"domain", "outcome"},
		),
		RemoteSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oneiric_remote_sync_total",
				Help: "Remote manifest sync attempts by outcome",
			},
			[]string{"outcome"},
		),
		DigestChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oneiric_artifact_digest_checks_total",
				Help: "Artifact digest verification results",
			},
			[]string{"result"},
		),
		SignatureChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oneiric_manifest_signature_checks_total",
				Help: "Manifest signature verification results",
			},
			[]string{"result"},
		),
		ActivityChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oneiric_activity_transitions_total",
				Help: "Pause, resume, and drain transitions",
			},
			[]string{"domain", "transition"},
		),
		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oneiric_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
		HealthProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oneiric_health_probes_total",
				Help: "Health probe results by domain",
			},
			[]string{"domain", "result"},
		),
	}

	m.registry.MustRegister(
		m.ResolveOutcomes,
		m.SwapDuration,
		m.RemoteSyncs,
		m.DigestChecks,
		m.SignatureChecks,
		m.ActivityChanges,
		m.BreakerTransitions,
		m.HealthProbes,
	)
	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
