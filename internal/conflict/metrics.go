package conflict

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	conflictsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "conflict",
		Name:      "detected_total",
		Help:      "Conflicts raised, by entity type and shape.",
	}, []string{"entity_type", "kind"})

	conflictsResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "conflict",
		Name:      "resolved_total",
		Help:      "Conflicts resolved, by resolution and whether a person or the system chose it.",
	}, []string{"resolution", "actor"})

	staleResolutions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "conflict",
		Name:      "stale_total",
		Help:      "Resolutions rejected because the entity changed after detection.",
	})

	tracer = otel.Tracer("github.com/example/offline-sync/conflict")
)

func init() {
	prometheus.MustRegister(conflictsDetected, conflictsResolved, staleResolutions)
}

// Observe records a newly raised conflict.
func Observe(kind Kind, entityType string) {
	conflictsDetected.WithLabelValues(entityType, string(kind)).Inc()
}
