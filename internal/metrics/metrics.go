// Package metrics exposes Prometheus collectors for the engine, grounded
// on the teacher's package-level Registry + typed Record* functions
// pattern rather than a generic metrics framework.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	readinessQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "workflow_engine",
			Subsystem: "readiness",
			Name:      "query_duration_seconds",
			Help:      "Duration of readiness engine queries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"query"},
	)

	stepsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workflow_engine",
			Subsystem: "executor",
			Name:      "steps_dispatched_total",
			Help:      "Total number of step handler invocations, by outcome.",
		},
		[]string{"outcome"},
	)

	stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "workflow_engine",
			Subsystem: "executor",
			Name:      "step_duration_seconds",
			Help:      "Duration of step handler invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"named_step_id", "outcome"},
	)

	retriesScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workflow_engine",
			Subsystem: "retry",
			Name:      "scheduled_total",
			Help:      "Total number of steps scheduled for retry.",
		},
		[]string{"named_step_id"},
	)

	finalizerOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "workflow_engine",
			Subsystem: "finalizer",
			Name:      "outcomes_total",
			Help:      "Total number of finalizer decisions, by outcome.",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "workflow_engine",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Approximate depth of the outbound process-task queue.",
		},
		[]string{"transport"},
	)
)

func init() {
	Registry.MustRegister(
		readinessQueryDuration,
		stepsDispatched,
		stepDuration,
		retriesScheduled,
		finalizerOutcomes,
		queueDepth,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler exposes the registered collectors over HTTP for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveReadinessQuery records how long a named readiness query took.
func ObserveReadinessQuery(query string, d time.Duration) {
	readinessQueryDuration.WithLabelValues(query).Observe(d.Seconds())
}

// RecordStepDispatch records a step handler invocation outcome and its
// wall-clock duration.
func RecordStepDispatch(namedStepID, outcome string, d time.Duration) {
	stepsDispatched.WithLabelValues(outcome).Inc()
	stepDuration.WithLabelValues(namedStepID, outcome).Observe(d.Seconds())
}

// RecordRetryScheduled records that a step was handed to the retry
// scheduler for a future re-attempt.
func RecordRetryScheduled(namedStepID string) {
	retriesScheduled.WithLabelValues(namedStepID).Inc()
}

// RecordFinalizerOutcome records the finalizer's decision for a task.
func RecordFinalizerOutcome(outcome string) {
	finalizerOutcomes.WithLabelValues(outcome).Inc()
}

// SetQueueDepth reports the current approximate depth of a queue
// transport (best-effort; not all transports can report this cheaply).
func SetQueueDepth(transport string, depth int) {
	queueDepth.WithLabelValues(transport).Set(float64(depth))
}
