package syncstate

import "github.com/prometheus/client_golang/prometheus"

var (
	appliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "operations_applied_total",
		Help:      "Operations stored by the sync engine by source.",
	}, []string{"source"})

	duplicateTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "duplicate_operations_total",
		Help:      "Remote operations ignored because they were already applied or queued.",
	})

	reorderTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "vector_clock",
		Name:      "operations_reordered_total",
		Help:      "Number of operations queued while waiting for causal predecessors.",
	})

	pendingGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sync",
		Subsystem: "vector_clock",
		Name:      "pending_operations",
		Help:      "Operations waiting in the reorder buffer.",
	}, []string{"document"})

	gapTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "gaps_detected_total",
		Help:      "Catch-ups that left the local clock behind the peer's.",
	})

	handshakeRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "handshake_retries_total",
		Help:      "Hello messages resent after a timeout or gap.",
	})

	snapshotsServed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "snapshots_served_total",
		Help:      "Full snapshots sent to peers that predate compaction.",
	})

	deltaSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sync",
		Name:      "delta_operations",
		Help:      "Operations per catch-up delta.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})

	framesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "frames_sent_total",
		Help:      "Frames delivered to transports.",
	})

	sendRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "send_retries_total",
		Help:      "Frame sends retried after a transport failure.",
	})

	eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "events_total",
		Help:      "Status events published to the notifier by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		appliedTotal,
		duplicateTotal,
		reorderTotal,
		pendingGauge,
		gapTotal,
		handshakeRetries,
		snapshotsServed,
		deltaSize,
		framesSent,
		sendRetries,
		eventsTotal,
	)
}
