package canary

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "metasync",
		Name:      "canary_queue_depth",
		Help:      "Number of diffs waiting in the write queue.",
	})
	metricQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "canary_queue_dropped_total",
		Help:      "Total diffs rejected because the write queue was full.",
	})
	metricRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "canary_requests_total",
		Help:      "Total store requests attempted against the write API.",
	})
	metricTagsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "canary_tags_written_total",
		Help:      "Total diffs delivered to the write API.",
	})
	metricThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "canary_throttled_total",
		Help:      "Total dispatches delayed by the rate limiter.",
	})
	metricRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "canary_retries_total",
		Help:      "Total retried store requests.",
	})
	metricFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "canary_failures_total",
		Help:      "Total store requests that failed permanently.",
	})
	metricCircuitOpen = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "canary_circuit_open_total",
		Help:      "Total dispatch cycles blocked by the open circuit breaker.",
	})
	metricDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "canary_dead_letters_total",
		Help:      "Total diffs handed to the dead letter hook.",
	})
	metricSessionAcquired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "canary_sessions_acquired_total",
		Help:      "Total session tokens acquired from the write API.",
	})
	metricSessionInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "canary_sessions_invalidated_total",
		Help:      "Total session tokens discarded after rejection or keepalive failure.",
	})
)
