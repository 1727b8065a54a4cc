package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corval_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// PermissionChecks counts permission evaluations and their outcome (allow|deny|error).
	PermissionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corval_permission_checks_total",
			Help: "Total number of permission checks",
		},
		[]string{"permission", "result"},
	)

	// ActiveSessions tracks active sessions (not expired/revoked).
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "corval_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corval_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// AssistRequests counts assistant gateway completions by provider and outcome
	// (success|retry|breaker_open|failure).
	AssistRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corval_assist_requests_total",
			Help: "Total number of assistant provider requests",
		},
		[]string{"provider", "outcome"},
	)

	// AssistLatency measures assistant provider round-trip latency.
	AssistLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corval_assist_latency_seconds",
			Help:    "Assistant provider request latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"provider"},
	)

	// AssistTokens counts prompt and completion tokens by provider.
	AssistTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corval_assist_tokens_total",
			Help: "Total tokens consumed by assistant requests",
		},
		[]string{"provider", "kind"},
	)

	// BreakerState exposes circuit breaker state per provider (0 closed, 1 half-open, 2 open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "corval_assist_breaker_state",
			Help: "Circuit breaker state per assistant provider",
		},
		[]string{"provider"},
	)

	// RetrievalChunks observes how many chunks survive the permission filter per query.
	RetrievalChunks = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "corval_retrieval_chunks",
			Help:    "Chunks considered per retrieval stage",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 250},
		},
		[]string{"stage"},
	)

	// PluginExecutions counts sandboxed plugin runs by status (ok|error|timeout).
	PluginExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corval_plugin_executions_total",
			Help: "Total number of plugin hook executions",
		},
		[]string{"plugin", "status"},
	)

	// AutomationRuns counts automation rule executions by status (ok|error).
	AutomationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corval_automation_runs_total",
			Help: "Total number of automation rule executions",
		},
		[]string{"trigger", "status"},
	)

	// WebsocketConnections tracks currently connected realtime clients.
	WebsocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "corval_websocket_connections",
			Help: "Number of connected websocket clients",
		},
	)

	// DocumentsIndexed counts knowledge ingestion outcomes (indexed|failed).
	DocumentsIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "corval_documents_indexed_total",
			Help: "Total number of document index attempts",
		},
		[]string{"result"},
	)
)
