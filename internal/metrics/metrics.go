package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fraud-investigation runtime metrics.
var (
	InvestigationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardsentry_investigations_total",
			Help: "Total number of investigations by mode and terminal status",
		},
		[]string{"mode", "status"},
	)

	InvestigationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cardsentry_investigation_duration_seconds",
			Help:    "Investigation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to ~8.5min
		},
		[]string{"mode"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cardsentry_stage_duration_seconds",
			Help:    "Per-stage duration within an investigation",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"stage", "tool_name"},
	)

	ToolExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardsentry_tool_executions_total",
			Help: "Total tool executions by tool name and status",
		},
		[]string{"tool_name", "tool_status"},
	)

	PlannerDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardsentry_planner_decisions_total",
			Help: "Planner decisions by path (llm or fallback) and selected tool",
		},
		[]string{"path", "selected_tool"},
	)

	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardsentry_llm_requests_total",
			Help: "Total LLM API requests",
		},
		[]string{"provider", "model", "status"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cardsentry_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model"},
	)

	EmbeddingRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardsentry_embedding_requests_total",
			Help: "Total embedding requests",
		},
		[]string{"provider", "status"},
	)

	VectorSearchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardsentry_vector_searches_total",
			Help: "Vector similarity searches by path (vector or heuristic)",
		},
		[]string{"path"},
	)

	StoreRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardsentry_store_retries_total",
			Help: "Transient persistence retries by operation",
		},
		[]string{"operation"},
	)

	RecommendationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cardsentry_recommendations_total",
			Help: "Persisted recommendations by type",
		},
		[]string{"type"},
	)
)
