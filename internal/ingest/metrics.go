package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "ingest",
		Name:      "submissions_total",
		Help:      "Submissions received, by outcome.",
	}, []string{"status"})

	authorizationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "ingest",
		Name:      "authorization_failures_total",
		Help:      "Batches refused because a submission named another tenant or user.",
	})

	tracer = otel.Tracer("github.com/example/offline-sync/ingest")
)

func init() {
	prometheus.MustRegister(submissions, authorizationFailures)
}
