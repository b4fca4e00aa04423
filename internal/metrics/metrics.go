// Package metrics exposes Prometheus collectors for the orchestrator's
// operational surface: reaper reclaims, store retries, eventbus drops,
// and active sessions per project.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector sessionctl registers.
type Metrics struct {
	registry *prometheus.Registry

	ReaperReclaims  *prometheus.CounterVec
	StoreRetries    *prometheus.CounterVec
	StoreOpDuration *prometheus.HistogramVec
	EventBusDrops   *prometheus.CounterVec
	SessionsActive  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	GateBlocks      *prometheus.CounterVec
}

// New builds a Metrics instance with its own registry, so tests can build
// disposable instances without touching prometheus' global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ReaperReclaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionctl",
			Subsystem: "reaper",
			Name:      "reclaims_total",
			Help:      "Stale sessions reclaimed by the reaper, by session type and reason.",
		}, []string{"session_type", "reason"}),
		StoreRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionctl",
			Subsystem: "store",
			Name:      "retries_total",
			Help:      "Transient-error retries performed by the store, by operation.",
		}, []string{"operation"}),
		StoreOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sessionctl",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		EventBusDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionctl",
			Subsystem: "eventbus",
			Name:      "dropped_events_total",
			Help:      "Non-terminal events dropped from a subscriber's buffer on overflow.",
		}, []string{"project_id"}),
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sessionctl",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently held in the registry, by project.",
		}, []string{"project_id"}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionctl",
			Subsystem: "session",
			Name:      "total",
			Help:      "Session status transitions recorded, by session type and status.",
		}, []string{"session_type", "status"}),
		GateBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionctl",
			Subsystem: "gate",
			Name:      "epic_blocks_total",
			Help:      "Epics blocked by the completion gate, by epic_testing_mode.",
		}, []string{"epic_testing_mode"}),
	}

	reg.MustRegister(
		m.ReaperReclaims,
		m.StoreRetries,
		m.StoreOpDuration,
		m.EventBusDrops,
		m.SessionsActive,
		m.SessionsTotal,
		m.GateBlocks,
	)

	return m
}

// Handler returns the HTTP handler `serve` mounts at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
