package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"collection"})

	gatewayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active peer connections per collection.",
	}, []string{"collection"})

	gatewaySendQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "send_queue_depth",
		Help:      "Buffered outbound envelopes per collection.",
	}, []string{"collection"})

	gatewayInbound = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "inbound_envelopes_total",
		Help:      "Envelopes pushed by peers, by outcome.",
	}, []string{"collection", "outcome"})
)

func init() {
	prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections, gatewaySendQueueDepth, gatewayInbound)
}

var tracer = otel.Tracer("github.com/example/delta-crdt-engine/ws")
