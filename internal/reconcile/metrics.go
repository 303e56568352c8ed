package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	batchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reconcile",
		Name:      "batch_seconds",
		Help:      "Latency for reconciling a batch of changes against storage.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"board"})

	changesMerged = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconcile",
		Name:      "changes_merged_total",
		Help:      "Changes that produced a durable write during reconciliation.",
	}, []string{"board"})

	changesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconcile",
		Name:      "changes_skipped_total",
		Help:      "Changes skipped during reconciliation, by reason.",
	}, []string{"reason"})

	tracer = otel.Tracer("github.com/example/canvas-sync/reconcile")
)

func init() {
	prometheus.MustRegister(batchLatency, changesMerged, changesSkipped)
}
