package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ComponentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evolution_component_state",
			Help: "Circuit state per component (0 healthy, 1 degraded, 2 circuit_open, 3 recovering)",
		},
		[]string{"component"},
	)

	CircuitOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evolution_circuit_opened_total",
			Help: "Number of times a component circuit opened",
		},
		[]string{"component"},
	)

	ComponentCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evolution_component_calls_total",
			Help: "Wrapped component calls by result",
		},
		[]string{"component", "result"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evolution_job_duration_seconds",
			Help:    "Scheduled job duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"job"},
	)

	JobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evolution_job_runs_total",
			Help: "Scheduled job runs by status",
		},
		[]string{"job", "status", "trigger"},
	)

	RuleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evolution_rule_transitions_total",
			Help: "Rule lifecycle changes by action",
		},
		[]string{"action"},
	)

	ActiveRules = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evolution_active_rules",
			Help: "Active rules per category in the loader snapshot",
		},
		[]string{"category"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evolution_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evolution_llm_request_duration_seconds",
			Help:    "LLM completion latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evolution_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evolution_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evolution_analyses_total",
			Help: "Conversations analyzed by mode",
		},
		[]string{"mode"},
	)

	RulesGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "evolution_rules_generated_total",
			Help: "Rule drafts accepted from the generator",
		},
	)

	ExperimentDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evolution_experiment_decisions_total",
			Help: "Experiment outcomes by winner, or failed when the candidate could not take the result",
		},
		[]string{"winner"},
	)

	ClusterConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evolution_cluster_confidence",
			Help: "Average confidence per cluster type after the last refresh",
		},
		[]string{"cluster_type"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ComponentState,
			CircuitOpened,
			ComponentCalls,
			JobDuration,
			JobRuns,
			RuleTransitions,
			ActiveRules,
			LLMTokensUsed,
			LLMRequestDuration,
			CacheHits,
			CacheMisses,
			AnalysesTotal,
			RulesGenerated,
			ExperimentDecisions,
			ClusterConfidence,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
