package hub

import "github.com/prometheus/client_golang/prometheus"

var (
	boardsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "hub",
		Name:      "boards",
		Help:      "Board replicas running on this instance.",
	})

	recoveredOps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "recovered_operations_total",
		Help:      "Operations replayed from the WAL when a replica starts.",
	})

	walQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hub",
		Name:      "wal_queue_depth",
		Help:      "Operations waiting to be persisted per document.",
	}, []string{"document"})

	walFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hub",
		Name:      "wal_failures_total",
		Help:      "Operations that could not be persisted.",
	})
)

func init() {
	prometheus.MustRegister(boardsGauge, recoveredOps, walQueueDepth, walFailures)
}
