package history

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "history",
		Name:      "cache_hits_total",
		Help:      "Playback requests that resumed from a cached state.",
	})

	replayedOps = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "history",
		Name:      "replayed_operations",
		Help:      "WAL records replayed per playback request.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})
)

func init() {
	prometheus.MustRegister(cacheHits, replayedOps)
}
