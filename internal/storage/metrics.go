package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	queryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sync_store",
		Name:      "query_seconds",
		Help:      "Latency of sync store operations.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"op"})

	claimedEntries = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sync_store",
		Name:      "claim_batch_entries",
		Help:      "Number of entries returned by one claim round.",
		Buckets:   prometheus.LinearBuckets(0, 8, 9),
	})

	storeRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync_store",
		Name:      "retries_total",
		Help:      "Transient store failures retried in place.",
	}, []string{"op"})

	storeTracer = otel.Tracer("github.com/example/offline-sync/storage")
)

func init() {
	prometheus.MustRegister(queryLatency, claimedEntries, storeRetries)
}
