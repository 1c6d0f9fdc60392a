package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	appendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "delta_log",
		Name:      "append_seconds",
		Help:      "Latency for appending deltas to the log.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"collection"})

	replayLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "delta_log",
		Name:      "replay_seconds",
		Help:      "Latency for replaying logged deltas per collection.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"collection"})

	backlog = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "delta_log",
		Name:      "backlog_entries",
		Help:      "Logged deltas beyond the latest snapshot per collection.",
	}, []string{"collection"})

	logTracer = otel.Tracer("github.com/example/delta-crdt-engine/storage")
)

func init() {
	prometheus.MustRegister(appendLatency, replayLatency, backlog)
}
