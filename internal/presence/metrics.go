package presence

import "github.com/prometheus/client_golang/prometheus"

var (
	rosterGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "roster_size",
		Help:      "Connected and reconnecting participants per board.",
	}, []string{"document"})

	timeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "timeouts_total",
		Help:      "Sessions disconnected after missing heartbeats.",
	})

	regressionTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "clock_regressions_total",
		Help:      "Stamps rejected because a participant clock moved backwards.",
	})

	droppedUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "dropped_updates_total",
		Help:      "Session changes dropped for slow observers.",
	})
)

func init() {
	prometheus.MustRegister(rosterGauge, timeoutTotal, regressionTotal, droppedUpdates)
}
