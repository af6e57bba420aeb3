package notify

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sync",
		Subsystem: "events",
		Name:      "upgrade_seconds",
		Help:      "Latency spent authenticating and upgrading event subscriptions.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	gatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sync",
		Subsystem: "events",
		Name:      "connections",
		Help:      "Active event subscriber connections.",
	})

	gatewaySendQueueDepth = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sync",
		Subsystem: "events",
		Name:      "send_queue_depth",
		Help:      "Buffered outbound frames observed when enqueueing.",
		Buckets:   prometheus.LinearBuckets(0, 8, 9),
	})

	eventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "events",
		Name:      "delivered_total",
		Help:      "Status events accepted by local subscribers.",
	})

	busLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sync",
		Subsystem: "bus",
		Name:      "publish_to_receive_seconds",
		Help:      "Latency between publishing on Redis and receiving on an instance.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	})
)

func init() {
	prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections, gatewaySendQueueDepth, eventsDelivered, busLatency)
}
