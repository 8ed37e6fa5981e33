// Package metrics exposes the Prometheus collectors for the content engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ModerationDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_moderation_decisions_total",
		Help: "Moderation gate outcomes by decision",
	}, []string{"outcome"})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_status_transitions_total",
		Help: "Status transitions applied, by post type and action",
	}, []string{"type", "action"})

	RestructureOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_restructure_operations_total",
		Help: "Move, merge and split operations by result",
	}, []string{"operation", "result"})

	RestructureDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "forum_restructure_duration_seconds",
		Help:    "Time spent inside a restructuring transaction",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation"})

	Recomputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_aggregate_recomputes_total",
		Help: "Authoritative aggregate recomputes by kind",
	}, []string{"kind"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forum_result_cache_lookups_total",
		Help: "Child lookup cache hits and misses",
	}, []string{"result"})
)

// Result maps an error to the label used by operation counters.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
