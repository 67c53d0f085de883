// Package metrics holds the Prometheus collectors for Kestrel.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

var (
	// PriceEvaluations counts pipeline evaluations.
	// Labels: rounding (strategy used)
	PriceEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pricing",
		Name:      "evaluations_total",
		Help:      "Total price evaluations",
	}, []string{"rounding"})

	// EvaluationDuration measures pipeline latency.
	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pricing",
		Name:      "evaluation_duration_seconds",
		Help:      "Price evaluation latency in seconds",
		Buckets:   []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
	})

	// GuardrailHits counts guardrails that changed a price.
	// Labels: type (floor, ceiling, map, minMargin)
	GuardrailHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pricing",
		Name:      "guardrail_hits_total",
		Help:      "Total guardrail hits by type",
	}, []string{"type"})

	// RuleVersions counts rule versions written.
	// Labels: change_type (create, update, rollback)
	RuleVersions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rules",
		Name:      "versions_total",
		Help:      "Total rule versions written",
	}, []string{"change_type"})

	// Assignments counts new variant assignments.
	// Labels: strategy (random, round-robin, bandit)
	Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "experiments",
		Name:      "assignments_total",
		Help:      "Total new variant assignments",
	}, []string{"strategy"})

	// Outcomes counts recorded outcomes.
	// Labels: converted (true, false)
	Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "experiments",
		Name:      "outcomes_total",
		Help:      "Total recorded experiment outcomes",
	}, []string{"converted"})

	// AutoPauses counts experiments paused by a guardrail breach.
	AutoPauses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "experiments",
		Name:      "auto_pauses_total",
		Help:      "Total experiments paused on guardrail breach",
	})

	// SignalsIngested counts ingested signals.
	// Labels: type
	SignalsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signals",
		Name:      "ingested_total",
		Help:      "Total ingested signals by type",
	}, []string{"type"})

	// AnalyticsEvents counts recorded analytics events.
	// Labels: type
	AnalyticsEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analytics",
		Name:      "events_total",
		Help:      "Total recorded analytics events by type",
	}, []string{"type"})

	// HTTPRequests counts API requests.
	// Labels: method, route, status
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests",
	}, []string{"method", "route", "status"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
