package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	entriesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "processor",
		Name:      "entries_total",
		Help:      "Queue entries settled, by resulting status.",
	}, []string{"status"})

	applyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sync",
		Subsystem: "processor",
		Name:      "process_seconds",
		Help:      "Time spent processing one claimed entry.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"entity_type"})

	retries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "processor",
		Name:      "retries_total",
		Help:      "Entries sent back to pending after a retriable failure.",
	}, []string{"kind"})

	leasesLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "processor",
		Name:      "leases_lost_total",
		Help:      "Settlements rejected because the lease had been reclaimed.",
	})

	tracer = otel.Tracer("github.com/example/offline-sync/processor")
)

func init() {
	prometheus.MustRegister(entriesProcessed, applyLatency, retries, leasesLost)
}
