package ws

import "github.com/prometheus/client_golang/prometheus"

var (
	gatewayUpgradeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"document"})

	gatewayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active WebSocket connections per document.",
	}, []string{"document"})

	gatewaySendQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "send_queue_depth",
		Help:      "Buffered outbound frames per document.",
	}, []string{"document"})

	framesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "frames_received_total",
		Help:      "Frames read from WebSocket clients.",
	}, []string{"document"})
)

func init() {
	prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections, gatewaySendQueueDepth, framesReceived)
}
