package ws

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"board"})

	gatewayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active WebSocket connections per board.",
	}, []string{"board"})
)

func init() {
	prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections)
}
