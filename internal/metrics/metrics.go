// Package metrics holds the Prometheus collectors shared by the admission
// controller, worker pool, executors, and janitor. Collectors are
// constructed once in the supervisor and handed down by reference, the same
// way the logger is.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector the runner exposes on /metrics.
type Registry struct {
	Registerer prometheus.Registerer

	JobsExecuted        *prometheus.CounterVec
	AdmissionRejections prometheus.Counter
	AdmissionInFlight   *prometheus.GaugeVec
	QueueDepth          *prometheus.GaugeVec
	JanitorDeletions    *prometheus.CounterVec
	ExecutorDuration    *prometheus.HistogramVec
	MessagesAcked       *prometheus.CounterVec
}

// New builds and registers every collector against reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		Registerer: reg,
		JobsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repobox",
			Subsystem: "runner",
			Name:      "jobs_executed_total",
			Help:      "Count of executor runs by kind and terminal status.",
		}, []string{"kind", "status"}),
		AdmissionRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "repobox",
			Subsystem: "runner",
			Name:      "admission_rejections_total",
			Help:      "Count of TryAcquire calls that observed the per-user cap exceeded.",
		}),
		AdmissionInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "repobox",
			Subsystem: "runner",
			Name:      "admission_in_flight",
			Help:      "Current in-flight prompt count per user, as observed by this runner.",
		}, []string{"user_id"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "repobox",
			Subsystem: "runner",
			Name:      "worker_queue_depth",
			Help:      "Pending job count in the bounded worker queue.",
		}, []string{"kind"}),
		JanitorDeletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repobox",
			Subsystem: "runner",
			Name:      "janitor_deletions_total",
			Help:      "Workspace directories deleted by the janitor, by reason.",
		}, []string{"reason"}),
		ExecutorDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "repobox",
			Subsystem: "runner",
			Name:      "executor_duration_seconds",
			Help:      "Wall time spent inside one executor invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"kind"}),
		MessagesAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "repobox",
			Subsystem: "runner",
			Name:      "messages_acked_total",
			Help:      "Stream messages acknowledged, by stream kind and outcome.",
		}, []string{"stream", "outcome"}),
	}

	reg.MustRegister(
		r.JobsExecuted,
		r.AdmissionRejections,
		r.AdmissionInFlight,
		r.QueueDepth,
		r.JanitorDeletions,
		r.ExecutorDuration,
		r.MessagesAcked,
	)
	return r
}

// ObserveRejection implements admission.Metrics.
func (r *Registry) ObserveRejection() { r.AdmissionRejections.Inc() }

// SetInFlight implements admission.Metrics.
func (r *Registry) SetInFlight(userID string, n float64) {
	r.AdmissionInFlight.WithLabelValues(userID).Set(n)
}

// ObserveExecutorDuration implements worker.Metrics.
func (r *Registry) ObserveExecutorDuration(kind string, seconds float64) {
	r.ExecutorDuration.WithLabelValues(kind).Observe(seconds)
}

// ObserveAck implements worker.Metrics.
func (r *Registry) ObserveAck(stream, outcome string) {
	r.MessagesAcked.WithLabelValues(stream, outcome).Inc()
}

// SetQueueDepth implements worker.Metrics.
func (r *Registry) SetQueueDepth(kind string, n float64) {
	r.QueueDepth.WithLabelValues(kind).Set(n)
}

// ObserveJobResult implements executor.Metrics.
func (r *Registry) ObserveJobResult(kind, status string) {
	r.JobsExecuted.WithLabelValues(kind, status).Inc()
}

// ObserveJanitorDeletion implements janitor.Metrics.
func (r *Registry) ObserveJanitorDeletion(reason string) {
	r.JanitorDeletions.WithLabelValues(reason).Inc()
}
