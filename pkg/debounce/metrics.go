package debounce

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "metasync",
		Name:      "debounce_buffer_depth",
		Help:      "Number of metric entries currently buffered.",
	})
	metricEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "debounce_emitted_total",
		Help:      "Entries flushed out of the debounce buffer.",
	})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "debounce_dropped_total",
		Help:      "Entries evicted because the buffer hit its cap.",
	})
)
