// Package metrics exposes pipeline counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	JobsTotal         *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	JobsByStatus      *prometheus.GaugeVec
	RollupsTotal      *prometheus.CounterVec
	MemoryOpsTotal    *prometheus.CounterVec
	GeneratorFallback prometheus.Counter
	SyncRangesTotal   *prometheus.CounterVec
	SyncWatermark     *prometheus.GaugeVec
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diarist_jobs_total",
				Help: "Job attempts by outcome",
			},
			[]string{"outcome"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "diarist_job_duration_seconds",
				Help:    "Duration of analysis backend calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		JobsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "diarist_jobs",
				Help: "Jobs per status at the last stats snapshot",
			},
			[]string{"status"},
		),
		RollupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diarist_rollups_total",
				Help: "Entry rollups written, by kind",
			},
			[]string{"kind"},
		),
		MemoryOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diarist_memory_ops_total",
				Help: "Memory operations applied, by generator and op type",
			},
			[]string{"generator", "op"},
		),
		GeneratorFallback: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "diarist_generator_fallbacks_total",
				Help: "Times the deterministic generator replaced the remote one",
			},
		),
		SyncRangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "diarist_sync_ranges_total",
				Help: "Sync ranges processed, by status",
			},
			[]string{"status"},
		),
		SyncWatermark: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "diarist_sync_watermark_bytes",
				Help: "Current sync watermark per source",
			},
			[]string{"source"},
		),
	}

	m.registry.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.JobsByStatus,
		m.RollupsTotal,
		m.MemoryOpsTotal,
		m.GeneratorFallback,
		m.SyncRangesTotal,
		m.SyncWatermark,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// JobOutcome counts one finished job attempt.
func (m *Metrics) JobOutcome(outcome string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveJob records how long a backend call took.
func (m *Metrics) ObserveJob(backend string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// SetJobStatus records the number of jobs in a status.
func (m *Metrics) SetJobStatus(status string, n int) {
	if m == nil {
		return
	}
	m.JobsByStatus.WithLabelValues(status).Set(float64(n))
}

// Rollup counts one written entry analysis.
func (m *Metrics) Rollup(kind string) {
	if m == nil {
		return
	}
	m.RollupsTotal.WithLabelValues(kind).Inc()
}

// MemoryOp counts one applied memory operation.
func (m *Metrics) MemoryOp(generator, op string) {
	if m == nil {
		return
	}
	m.MemoryOpsTotal.WithLabelValues(generator, op).Inc()
}

// Fallback counts one generator fallback.
func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.GeneratorFallback.Inc()
}

// SyncRange counts one processed sync range.
func (m *Metrics) SyncRange(status string) {
	if m == nil {
		return
	}
	m.SyncRangesTotal.WithLabelValues(status).Inc()
}

// SetWatermark records a source's watermark.
func (m *Metrics) SetWatermark(source string, bytes int64) {
	if m == nil {
		return
	}
	m.SyncWatermark.WithLabelValues(source).Set(float64(bytes))
}
