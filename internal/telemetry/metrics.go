package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "caption_jobs_enqueued_total", Help: "Total admitted caption jobs"})
	AdmissionRejects   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "caption_jobs_rejected_total", Help: "Admissions rejected, by reason"}, []string{"reason"})
	DispatchCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "caption_jobs_dispatched_total", Help: "Jobs transitioned to running"})
	CompleteCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "caption_jobs_completed_total", Help: "Jobs completed successfully"})
	FailureCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "caption_jobs_failed_total", Help: "Jobs that finished in failure"})
	CancelCounter      = prometheus.NewCounter(prometheus.CounterOpts{Name: "caption_jobs_cancelled_total", Help: "Jobs cancelled by owner or admin"})
	TerminationCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "caption_jobs_terminated_total", Help: "Jobs cancelled by the emergency termination manager"})
	RecoveryCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "caption_jobs_recovered_total", Help: "Jobs re-admitted after emergency termination"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "caption_jobs_queue_depth", Help: "Jobs currently queued"})
	RunningGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "caption_jobs_running", Help: "Jobs currently running"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			AdmissionRejects,
			DispatchCounter,
			CompleteCounter,
			FailureCounter,
			CancelCounter,
			TerminationCounter,
			RecoveryCounter,
			QueueDepthGauge,
			RunningGauge,
		)
	})
	return promhttp.Handler()
}
