// Package metrics holds the prometheus collectors shared by every corebus
// subsystem, mirroring the teacher's internal/common/metrics: one package
// of package-level promauto variables, namespaced per subsystem, with no
// registration logic beyond promauto's default registerer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatcher metrics

	DispatchInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corebus",
			Subsystem: "dispatch",
			Name:      "invocations_total",
			Help:      "Total dispatch invocations by message kind and result",
		},
		[]string{"kind", "message_type", "result"}, // result: success, failed
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "corebus",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time to run a message through the full pipeline",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind", "message_type"},
	)

	// Pipeline decorator metrics

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "corebus",
			Subsystem: "pipeline",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"message_type"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corebus",
			Subsystem: "pipeline",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"message_type"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corebus",
			Subsystem: "pipeline",
			Name:      "retry_attempts_total",
			Help:      "Total retry attempts made by the Retry decorator",
		},
		[]string{"message_type"},
	)

	IdempotencyHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corebus",
			Subsystem: "pipeline",
			Name:      "idempotency_cache_hits_total",
			Help:      "Total requests satisfied from the idempotency cache",
		},
		[]string{"message_type"},
	)

	// Outbox metrics

	OutboxPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "corebus",
			Subsystem: "outbox",
			Name:      "pending_items",
			Help:      "Outbox entries currently in flight (leased, not yet terminal)",
		},
		[]string{"destination"},
	)

	OutboxProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corebus",
			Subsystem: "outbox",
			Name:      "processed_total",
			Help:      "Total outbox entries reaching a terminal or retry outcome",
		},
		[]string{"destination", "result"}, // result: published, retried, discarded, dead_lettered
	)

	OutboxPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "corebus",
			Subsystem: "outbox",
			Name:      "poll_duration_seconds",
			Help:      "Time spent in a single outbox poll iteration",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Inbox metrics

	InboxProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corebus",
			Subsystem: "inbox",
			Name:      "processed_total",
			Help:      "Total ProcessIncoming outcomes",
		},
		[]string{"source", "result"}, // result: processed, duplicate, in_flight, failed, discarded
	)

	// Queue engine metrics

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "corebus",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of messages currently visible/leased in a named queue",
		},
		[]string{"queue"},
	)

	QueueProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corebus",
			Subsystem: "queue",
			Name:      "processed_total",
			Help:      "Total queue message outcomes",
		},
		[]string{"queue", "result"}, // result: acked, retried, discarded, dead_lettered
	)

	// DLQ metrics

	DLQEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "corebus",
			Subsystem: "dlq",
			Name:      "active_entries",
			Help:      "Active dead-letter entries by component",
		},
		[]string{"component"},
	)

	// Transport metrics

	TransportDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corebus",
			Subsystem: "transport",
			Name:      "delivered_total",
			Help:      "Total messages delivered to a consumer handler",
		},
		[]string{"address", "result"}, // result: acked, failed
	)

	TransportDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corebus",
			Subsystem: "transport",
			Name:      "dropped_total",
			Help:      "Total messages dropped due to a full bounded channel",
		},
		[]string{"address"},
	)
)

// Circuit breaker state values shared with the gobreaker-backed decorator.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
