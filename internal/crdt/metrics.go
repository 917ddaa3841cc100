package crdt

import "github.com/prometheus/client_golang/prometheus"

var (
	applyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crdt",
		Name:      "apply_wal_seconds",
		Help:      "Time spent applying WAL records to board replicas.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	documentCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crdt",
		Name:      "documents",
		Help:      "Number of boards loaded in memory.",
	})

	mergeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "merges_total",
		Help:      "Operations merged into board state by outcome.",
	}, []string{"result"})

	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "dropped_operations_total",
		Help:      "Operations ignored because their element was deleted or unknown.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(applyLatency, documentCount, mergeTotal, droppedTotal)
}
