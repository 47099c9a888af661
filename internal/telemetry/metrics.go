package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "packaging_jobs_enqueued_total", Help: "Jobs inserted in queued status"})
	Claims           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "packaging_claims_total", Help: "Claim attempts by outcome"}, []string{"outcome"})
	ProgressReports  = prometheus.NewCounter(prometheus.CounterOpts{Name: "packaging_progress_reports_total", Help: "Accepted progress reports"})
	Transitions      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "packaging_transitions_total", Help: "Status transitions by target status"}, []string{"status"})
	Releases         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "packaging_releases_total", Help: "Jobs returned to the queue"}, []string{"reason"})
	SweepTimeouts    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "packaging_sweep_jobs_total", Help: "Jobs acted on by stale sweeps"}, []string{"sweep", "action"})
	Triggers         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "packaging_update_triggers_total", Help: "Update trigger outcomes"}, []string{"outcome"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "packaging_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	QueueDepth       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "packaging_queue_depth", Help: "Jobs waiting in queued status"})
	InProgress       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "packaging_in_progress", Help: "Jobs currently held by packagers"})

	WorkerJobs     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "packager_worker_jobs_total", Help: "Jobs finished by this packager by outcome"}, []string{"outcome"})
	WorkerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{Name: "packager_worker_in_flight", Help: "Jobs this packager currently holds"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			Claims,
			ProgressReports,
			Transitions,
			Releases,
			SweepTimeouts,
			Triggers,
			RateLimitRejects,
			QueueDepth,
			InProgress,
			WorkerJobs,
			WorkerInFlight,
		)
	})
	return promhttp.Handler()
}
