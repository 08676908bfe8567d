package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	OutboxBacklog         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_outbox_backlog", Help: "Unpublished outbox entries"})
	OutboxOldestAge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_outbox_oldest_age_seconds", Help: "Age of the oldest unpublished outbox entry"})
	OutboxPublishLatency  = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "tasks_outbox_publish_latency_seconds", Help: "Time from outbox write to broker ack", Buckets: prometheus.ExponentialBuckets(0.01, 2, 14)})
	OutboxPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_outbox_publish_failures_total", Help: "Outbox entries whose publish attempt failed"})
	QueueDepth            = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "tasks_queue_depth", Help: "Broker list depth"}, []string{"queue"})
	DeadLetter            = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "tasks_dead_letter", Help: "Tasks parked per dead-letter class"}, []string{"class"})
	BreakerState          = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "tasks_breaker_state", Help: "Shared breaker state (0 closed, 1 half-open, 2 open)"}, []string{"breaker"})
	BreakerFailureRatio   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "tasks_breaker_failure_ratio", Help: "Failure ratio observed by the shared breaker in its window"}, []string{"breaker"})
	BreakerTransitions    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_breaker_transitions_total", Help: "Breaker transitions caused by this process"}, []string{"from", "to"})
	TransitionEvents      = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "tasks_transition_events", Help: "Audit log rows per status edge, as currently retained in the store"}, []string{"from", "to"})
	EnqueueCounter        = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_enqueued_total", Help: "Total accepted submissions"})
	DuplicateSubmissions  = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_duplicate_submissions_total", Help: "Submissions rejected as duplicates in flight"})
	ClaimConflicts        = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_claim_conflicts_total", Help: "Deliveries discarded by the claimer"})
	RateLimitRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerOutcomes        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_attempt_outcomes_total", Help: "Execution attempt outcomes"}, []string{"outcome"})
	InFlightGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_inflight", Help: "Tasks currently executing in this process"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			OutboxBacklog,
			OutboxOldestAge,
			OutboxPublishLatency,
			OutboxPublishFailures,
			QueueDepth,
			DeadLetter,
			BreakerState,
			BreakerFailureRatio,
			BreakerTransitions,
			TransitionEvents,
			EnqueueCounter,
			DuplicateSubmissions,
			ClaimConflicts,
			RateLimitRejects,
			WorkerOutcomes,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
