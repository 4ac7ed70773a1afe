package ingestor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "ingest_messages_total",
		Help:      "Sparkplug messages received on subscribed topics.",
	})
	metricDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "ingest_decode_errors_total",
		Help:      "Payloads that failed Sparkplug protobuf decoding.",
	})
	metricFramesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "ingest_frames_persisted_total",
		Help:      "Frames written to the metadata store.",
	})
	metricFramesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "ingest_frames_skipped_total",
		Help:      "Frames skipped because a required dimension was missing.",
	})
	metricPersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "ingest_persist_errors_total",
		Help:      "Frames that failed to persist to the metadata store.",
	})
	metricRebirthRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "ingest_rebirth_requests_total",
		Help:      "Rebirth commands published after alias resolution misses.",
	})
	metricLineageWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "metasync",
		Name:      "ingest_lineage_writes_total",
		Help:      "Metric path lineage edges recorded from ingest.",
	})
)
