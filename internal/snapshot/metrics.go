package snapshot

import "github.com/prometheus/client_golang/prometheus"

var (
	saveLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "snapshot",
		Name:      "save_seconds",
		Help:      "Latency for persisting board snapshots.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"store"})

	snapshotBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "snapshot",
		Name:      "payload_bytes",
		Help:      "Size of encoded board snapshots.",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
	}, []string{"store"})

	prunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "pruned_total",
		Help:      "Versioned snapshots removed by the pruner.",
	})
)

func init() {
	prometheus.MustRegister(saveLatency, snapshotBytes, prunedTotal)
}
