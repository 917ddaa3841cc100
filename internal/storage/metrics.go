package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	walAppendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wal",
		Name:      "append_seconds",
		Help:      "Latency for appending operations to the WAL.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	walReplayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wal",
		Name:      "replay_seconds",
		Help:      "Latency for replaying WAL scans per document.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	walDuplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wal",
		Name:      "duplicate_total",
		Help:      "Appends skipped because the operation was already stored.",
	})

	walRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wal",
		Name:      "retries_total",
		Help:      "Transient database failures that were retried.",
	})

	walTracer = otel.Tracer("github.com/example/inksync/wal")
)

func init() {
	prometheus.MustRegister(walAppendLatency, walReplayLatency, walDuplicates, walRetries)
}
