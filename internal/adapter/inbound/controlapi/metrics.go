package controlapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the orchestration engine. Pass
// to components that need to record them.
type Metrics struct {
	ActiveSessions        prometheus.Gauge
	ContainersSpawned     prometheus.Counter
	EscalationsTotal      prometheus.Counter
	InterceptsTotal       *prometheus.CounterVec
	ForensicWriteFailures prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "labyrinth",
				Name:      "active_sessions",
				Help:      "Number of live deception sessions",
			},
		),
		ContainersSpawned: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "labyrinth",
				Name:      "containers_spawned_total",
				Help:      "Total session containers spawned",
			},
		),
		EscalationsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "labyrinth",
				Name:      "escalations_total",
				Help:      "Total escalation events processed",
			},
		),
		InterceptsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "labyrinth",
				Name:      "api_intercepts_total",
				Help:      "Total AI API requests intercepted",
			},
			[]string{"mode"},
		),
		ForensicWriteFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "labyrinth",
				Name:      "forensic_write_failures_total",
				Help:      "Forensic event writes that failed",
			},
		),
	}
}
