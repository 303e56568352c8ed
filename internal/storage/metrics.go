package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	mutateLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "storage",
		Name:      "mutate_seconds",
		Help:      "Latency for atomic per-object read-merge-write transactions.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"board"})

	storeTracer = otel.Tracer("github.com/example/canvas-sync/storage")
)

func init() {
	prometheus.MustRegister(mutateLatency)
}
