package replica

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	mergeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crdt",
		Name:      "merge_seconds",
		Help:      "Time spent merging deltas into collections.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	}, []string{"collection", "source"})

	mergeEffects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "merge_effects_total",
		Help:      "Keys added, keys removed and counters compacted by merges.",
	}, []string{"effect"})

	flushedDeltas = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crdt",
		Name:      "flushed_deltas_total",
		Help:      "Deltas shipped per collection, by outcome.",
	}, []string{"collection", "outcome"})

	collectionCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "crdt",
		Name:      "collections",
		Help:      "Number of collections loaded in memory.",
	})

	tracer = otel.Tracer("github.com/example/delta-crdt-engine/replica")
)

func init() {
	prometheus.MustRegister(mergeLatency, mergeEffects, flushedDeltas, collectionCount)
}
