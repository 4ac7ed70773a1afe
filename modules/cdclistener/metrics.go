package cdclistener

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "cdc_records_total",
		Help:      "Total change records processed from the replication stream.",
	})
	metricEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "cdc_events_total",
		Help:      "Total diff events accepted into the accumulator.",
	})
	metricPayloads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "cdc_payloads_total",
		Help:      "Total coalesced payloads emitted downstream.",
	})
	metricErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "cdc_errors_total",
		Help:      "Total processing and sink errors.",
	})
	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "cdc_reconnects_total",
		Help:      "Total replication stream reconnect attempts after an error.",
	})
)
