// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the orchestrator: a centralized Metrics struct registered
// once at startup, and a Tracer wrapping the OTLP/gRPC exporter behind a
// no-op fallback when tracing is disabled.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the counters and histograms the scheduler, chat-turn
// manager, and tool executor feed as they run.
type Metrics struct {
	// HTTPRequestCounter/HTTPRequestDuration cover every REST route.
	// Labels: method, path, status_code
	HTTPRequestCounter  *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter/LLMRequestDuration/LLMTokensUsed cover every
	// chat-completion call toolengine.Engine.Run makes (one per iteration).
	// Labels: model, status (success|error) / model / model, type
	LLMRequestCounter  *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// ToolExecutionCounter/ToolExecutionDuration cover toolengine.Executor
	// dispatch. Labels: tool_name, status (success|error|needs_approval) / tool_name
	ToolExecutionCounter  *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// TurnCounter/TurnDuration cover chatturn.Manager.runIteration.
	// Labels: decision (continue|yield|error|awaiting_approval), status (still_working|done|error)
	TurnCounter  *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec

	// CycleCounter covers scheduler.Scheduler.tick's three loop phases.
	// Labels: loop (engaged|ambient|dream)
	CycleCounter *prometheus.CounterVec

	// ActiveConversations is a gauge of conversations with an active turn.
	ActiveConversations prometheus.Gauge

	// ErrorCounter tracks errors by component and kind, matching
	// apperrors.Kind's vocabulary where applicable.
	// Labels: component, kind
	ErrorCounter *prometheus.CounterVec

	// ConcernSignalCounter tracks concern ingestion by action.
	// Labels: action (create|touch|resolve)
	ConcernSignalCounter *prometheus.CounterVec
}

// NewMetrics registers every metric with Prometheus's default registry.
// Call once at startup, before serving /metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ponderer_http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status code.",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ponderer_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ponderer_llm_requests_total",
				Help: "Total number of chat-completion requests by model and status.",
			},
			[]string{"model", "status"},
		),
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ponderer_llm_request_duration_seconds",
				Help:    "Chat-completion request latency in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ponderer_llm_tokens_total",
				Help: "Total tokens consumed by model and token type (prompt|completion).",
			},
			[]string{"model", "type"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ponderer_tool_executions_total",
				Help: "Total tool invocations by tool name and status.",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ponderer_tool_execution_duration_seconds",
				Help:    "Tool execution latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		TurnCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ponderer_turns_total",
				Help: "Total chat turns by decision and status.",
			},
			[]string{"decision", "status"},
		),
		TurnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ponderer_turn_duration_seconds",
				Help:    "Turn iteration latency in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"decision"},
		),
		CycleCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ponderer_scheduler_cycles_total",
				Help: "Total scheduler tick phases by loop name.",
			},
			[]string{"loop"},
		),
		ActiveConversations: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ponderer_active_conversations",
				Help: "Number of conversations currently driving a foreground or background turn loop.",
			},
		),
		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ponderer_errors_total",
				Help: "Total errors by component and kind.",
			},
			[]string{"component", "kind"},
		),
		ConcernSignalCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ponderer_concern_signals_total",
				Help: "Total concern signals ingested by action.",
			},
			[]string{"action"},
		),
	}
}

// RecordHTTPRequest records one REST request's outcome.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(d.Seconds())
}

// RecordLLMRequest records one chat-completion call's outcome.
func (m *Metrics) RecordLLMRequest(model, status string, d time.Duration, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(model).Observe(d.Seconds())
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool dispatch's outcome.
func (m *Metrics) RecordToolExecution(toolName, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(d.Seconds())
}

// RecordTurn records one chat-turn iteration's outcome.
func (m *Metrics) RecordTurn(decision, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(decision, status).Inc()
	m.TurnDuration.WithLabelValues(decision).Observe(d.Seconds())
}

// RecordCycle records one scheduler loop phase.
func (m *Metrics) RecordCycle(loop string) {
	if m == nil {
		return
	}
	m.CycleCounter.WithLabelValues(loop).Inc()
}

// RecordError records one error by component and kind.
func (m *Metrics) RecordError(component, kind string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, kind).Inc()
}

// RecordConcernSignal records one ingested concern signal.
func (m *Metrics) RecordConcernSignal(action string) {
	if m == nil {
		return
	}
	m.ConcernSignalCounter.WithLabelValues(action).Inc()
}
