package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one parley process.
//
// Collectors live on a dedicated registry so tests can build as many
// instances as they like. Every recording method is safe on a nil receiver,
// which lets components run without metrics wired in.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.TurnFinished("completed", time.Since(start).Seconds())
//	http.Handle("/metrics", metrics.Handler())
type Metrics struct {
	registry *prometheus.Registry

	// TurnCounter counts finished turns.
	// Labels: status (completed|aborted|failed)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures turn latency in seconds.
	// Labels: status
	TurnDuration *prometheus.HistogramVec

	// GenerationErrors counts provider failures.
	// Labels: provider, category
	GenerationErrors *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool outcomes.
	// Labels: tool_name, outcome (success|error|denied|pending|replayed|invalid)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ApprovalCounter counts approval requests and their resolutions.
	// Labels: decision (requested|approved|denied)
	ApprovalCounter *prometheus.CounterVec

	// RepairDrops counts tool calls and messages removed by history repair.
	// Labels: kind (call|message)
	RepairDrops *prometheus.CounterVec

	// StoreOperations counts session store calls.
	// Labels: operation (list|load|save|delete), status (success|error)
	StoreOperations *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// GatewayMessages counts inbound channel messages.
	// Labels: channel
	GatewayMessages *prometheus.CounterVec
}

// NewMetrics creates all collectors on a fresh registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_turns_total",
				Help: "Total number of finished turns by status",
			},
			[]string{"status"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_turn_duration_seconds",
				Help:    "Duration of turns in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		GenerationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_generation_errors_total",
				Help: "Total number of generation failures by provider and category",
			},
			[]string{"provider", "category"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_llm_tokens_total",
				Help: "Total number of tokens used by provider and type",
			},
			[]string{"provider", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_executions_total",
				Help: "Total number of tool calls by tool name and outcome",
			},
			[]string{"tool_name", "outcome"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_approvals_total",
				Help: "Total number of approval requests and resolutions",
			},
			[]string{"decision"},
		),

		RepairDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_history_repair_drops_total",
				Help: "Total number of tool calls and messages removed by history repair",
			},
			[]string{"kind"},
		),

		StoreOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_session_store_operations_total",
				Help: "Total number of session store operations by operation and status",
			},
			[]string{"operation", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		GatewayMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_gateway_messages_total",
				Help: "Total number of inbound gateway messages by channel",
			},
			[]string{"channel"},
		),
	}
}

// Registry exposes the registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TurnFinished records a terminal turn state.
func (m *Metrics) TurnFinished(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(status).Inc()
	m.TurnDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordGenerationError counts a normalized provider failure.
func (m *Metrics) RecordGenerationError(provider, category string) {
	if m == nil {
		return
	}
	m.GenerationErrors.WithLabelValues(provider, category).Inc()
}

// RecordTokens adds token usage reported by a provider.
func (m *Metrics) RecordTokens(provider string, input, output int) {
	if m == nil {
		return
	}
	if input > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(output))
	}
}

// RecordToolExecution records one tool call outcome. A zero duration skips
// the histogram, which is used for calls that never ran.
func (m *Metrics) RecordToolExecution(toolName, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, outcome).Inc()
	if durationSeconds > 0 {
		m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
	}
}

// RecordApproval counts approval requests ("requested") and resolutions
// ("approved", "denied").
func (m *Metrics) RecordApproval(decision string) {
	if m == nil {
		return
	}
	m.ApprovalCounter.WithLabelValues(decision).Inc()
}

// RecordRepair counts what history repair removed.
func (m *Metrics) RecordRepair(droppedCalls, droppedMessages int) {
	if m == nil {
		return
	}
	if droppedCalls > 0 {
		m.RepairDrops.WithLabelValues("call").Add(float64(droppedCalls))
	}
	if droppedMessages > 0 {
		m.RepairDrops.WithLabelValues("message").Add(float64(droppedMessages))
	}
}

// RecordStoreOperation counts a session store call.
func (m *Metrics) RecordStoreOperation(operation string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StoreOperations.WithLabelValues(operation, status).Inc()
}

// RecordHTTPRequest records an HTTP API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// GatewayMessageReceived counts an inbound channel message.
func (m *Metrics) GatewayMessageReceived(channel string) {
	if m == nil {
		return
	}
	m.GatewayMessages.WithLabelValues(channel).Inc()
}
