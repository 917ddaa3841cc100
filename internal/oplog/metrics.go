package oplog

import "github.com/prometheus/client_golang/prometheus"

var (
	appendTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oplog",
		Name:      "appends_total",
		Help:      "Operations stored in board logs by source.",
	}, []string{"source"})

	entryGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "oplog",
		Name:      "retained_entries",
		Help:      "Operations retained above the compaction floor.",
	}, []string{"document"})

	compactionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oplog",
		Name:      "compactions_total",
		Help:      "Number of log compactions per board.",
	}, []string{"document"})
)

func init() {
	prometheus.MustRegister(appendTotal, entryGauge, compactionTotal)
}
