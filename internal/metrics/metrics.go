// Package metrics holds the Prometheus collectors of the engine. They are
// registered on the default registry and served by the HTTP API at
// /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esocial_event_transitions_total",
		Help: "Event status transitions by origin and destination status",
	}, []string{"from", "to"})

	eventsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esocial_events_created_total",
		Help: "Events created by type",
	}, []string{"type"})

	batchSubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esocial_batch_submissions_total",
		Help: "Batch submissions by outcome (accepted, rejected, failed)",
	}, []string{"outcome"})

	remoteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "esocial_remote_call_duration_seconds",
		Help:    "Latency of government webservice calls",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"operation", "result"})

	syncJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esocial_sync_jobs_total",
		Help: "Finished sync jobs by kind and final status",
	}, []string{"kind", "status"})

	syncRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "esocial_sync_jobs_running",
		Help: "Sync jobs currently running",
	})

	auditFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "esocial_audit_write_failures_total",
		Help: "Audit records that could not be written",
	})
)

// RecordTransition counts one event status change.
func RecordTransition(from, to string) {
	eventTransitions.WithLabelValues(from, to).Inc()
}

// RecordEventCreated counts one new event.
func RecordEventCreated(eventType string) {
	eventsCreated.WithLabelValues(eventType).Inc()
}

// RecordSubmission counts one batch submission outcome.
func RecordSubmission(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	batchSubmissions.WithLabelValues(outcome).Inc()
}

// ObserveRemoteCall records the latency of a webservice operation.
// result is "ok" or "error".
func ObserveRemoteCall(operation, result string, d time.Duration) {
	remoteDuration.WithLabelValues(operation, result).Observe(d.Seconds())
}

// RecordSyncJob counts a finished sync job.
func RecordSyncJob(kind, status string) {
	syncJobs.WithLabelValues(kind, status).Inc()
}

// SyncJobStarted and SyncJobStopped track the running-jobs gauge.
func SyncJobStarted() { syncRunning.Inc() }

func SyncJobStopped() { syncRunning.Dec() }

// RecordAuditFailure counts a dropped audit record.
func RecordAuditFailure() {
	auditFailures.Inc()
}
