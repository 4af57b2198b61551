// Package metrics exposes Prometheus instrumentation for the job queue and
// the alignment search pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors the scheduler and server update.
type Metrics struct {
	registry *prometheus.Registry

	JobsEnqueued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobDuration   prometheus.Histogram

	QueueDepth   *prometheus.GaugeVec
	WorkersBusy  prometheus.Gauge

	EventsMaterialized prometheus.Counter
	DaysEvaluated      prometheus.Counter
	DaysSkipped        prometheus.Counter
	ProviderFailures   prometheus.Counter
}

// New builds a Metrics set on its own registry, so tests can create as many
// as they like without duplicate-registration panics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peakalign_jobs_enqueued_total",
			Help: "Jobs accepted by the queue, by priority.",
		}, []string{"priority"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peakalign_jobs_completed_total",
			Help: "Jobs finished by workers, by terminal status.",
		}, []string{"status"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "peakalign_job_duration_seconds",
			Help:    "Wall time per executed job.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peakalign_queue_depth",
			Help: "Jobs currently queued or running.",
		}, []string{"state"}),
		WorkersBusy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peakalign_workers_busy",
			Help: "Workers currently executing a job.",
		}),
		EventsMaterialized: factory.NewCounter(prometheus.CounterOpts{
			Name: "peakalign_events_materialized_total",
			Help: "Alignment events written to storage.",
		}),
		DaysEvaluated: factory.NewCounter(prometheus.CounterOpts{
			Name: "peakalign_search_days_evaluated_total",
			Help: "Calendar days that passed the feasibility filter.",
		}),
		DaysSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "peakalign_search_days_skipped_total",
			Help: "Calendar days rejected by the feasibility filter.",
		}),
		ProviderFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "peakalign_provider_failures_total",
			Help: "Per-day ephemeris lookups that failed after retry.",
		}),
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
