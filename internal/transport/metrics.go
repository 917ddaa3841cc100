package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	framesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transport",
		Name:      "frames_total",
		Help:      "Frames moved by transport and outcome.",
	}, []string{"transport", "result"})

	reconnectTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transport",
		Name:      "reconnect_attempts_total",
		Help:      "Failed connection attempts followed by a backoff.",
	}, []string{"transport"})

	busLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "transport",
		Name:      "bus_publish_to_receive_seconds",
		Help:      "Latency between publishing on the Redis bus and receipt by another instance.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	}, []string{"topic"})
)

func init() {
	prometheus.MustRegister(framesTotal, reconnectTotal, busLatency)
}
