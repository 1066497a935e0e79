// Package metrics provides Prometheus metrics for the ingest platform.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Materialization outcomes.
const (
	OutcomeMaterialized = "materialized"
	OutcomeSkipped      = "skipped"
	OutcomeFailed       = "failed"
)

// Metrics holds every collector the platform exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Materializations       *prometheus.CounterVec
	MaterializationSeconds *prometheus.HistogramVec
	StatusTransitions      *prometheus.CounterVec
	LockOperations         *prometheus.CounterVec
	FlashRuns              *prometheus.CounterVec
	SchedulerRuns          *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.Materializations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "materializations_total",
			Help:      "Ingest view materialization attempts by outcome",
		},
		[]string{"region", "ingest_view", "outcome"},
	)

	m.MaterializationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingest",
			Name:      "materialization_duration_seconds",
			Help:      "Wall time of successful ingest view materializations",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"region", "ingest_view"},
	)

	m.StatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "status_transitions_total",
			Help:      "Instance status rows written",
		},
		[]string{"region", "instance", "status"},
	)

	m.LockOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "lock_operations_total",
			Help:      "Pseudo-lock operations by result",
		},
		[]string{"operation", "result"}, // acquire|release|can_proceed; ok|conflict|error
	)

	m.FlashRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "flash_runs_total",
			Help:      "SECONDARY to PRIMARY flashes by result",
		},
		[]string{"region", "result"},
	)

	m.SchedulerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingest",
			Name:      "scheduler_runs_total",
			Help:      "Scheduled per-region ingest runs by result",
		},
		[]string{"region", "instance", "result"},
	)

	m.registry.MustRegister(
		m.Materializations,
		m.MaterializationSeconds,
		m.StatusTransitions,
		m.LockOperations,
		m.FlashRuns,
		m.SchedulerRuns,
	)
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordMaterialization counts one materialization attempt. d is observed only
// for materialized outcomes.
func (m *Metrics) RecordMaterialization(region, view, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Materializations.WithLabelValues(region, view, outcome).Inc()
	if outcome == OutcomeMaterialized {
		m.MaterializationSeconds.WithLabelValues(region, view).Observe(d.Seconds())
	}
}

// RecordStatus counts one status row written.
func (m *Metrics) RecordStatus(region, instance, status string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(region, instance, status).Inc()
}

// RecordLockOperation counts one lock operation.
func (m *Metrics) RecordLockOperation(operation, result string) {
	if m == nil {
		return
	}
	m.LockOperations.WithLabelValues(operation, result).Inc()
}

// RecordFlash counts one flash attempt.
func (m *Metrics) RecordFlash(region string, success bool) {
	if m == nil {
		return
	}
	m.FlashRuns.WithLabelValues(region, resultLabel(success)).Inc()
}

// RecordSchedulerRun counts one scheduled region run.
func (m *Metrics) RecordSchedulerRun(region, instance string, success bool) {
	if m == nil {
		return
	}
	m.SchedulerRuns.WithLabelValues(region, instance, resultLabel(success)).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
