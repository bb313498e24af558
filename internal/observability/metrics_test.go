package observability

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// newIsolatedMetrics builds a Metrics whose vectors are NOT registered with
// the default registry, avoiding the duplicate-registration panic NewMetrics
// would otherwise hit if called more than once per test binary.
func newIsolatedMetrics() *Metrics {
	return &Metrics{
		HTTPRequestCounter:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_http_requests_total"}, []string{"method", "path", "status_code"}),
		HTTPRequestDuration:   prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_http_request_duration_seconds"}, []string{"method", "path", "status_code"}),
		LLMRequestCounter:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_llm_requests_total"}, []string{"model", "status"}),
		LLMRequestDuration:    prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_llm_request_duration_seconds"}, []string{"model"}),
		LLMTokensUsed:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_llm_tokens_total"}, []string{"model", "type"}),
		ToolExecutionCounter:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_tool_executions_total"}, []string{"tool_name", "status"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_tool_execution_duration_seconds"}, []string{"tool_name"}),
		TurnCounter:           prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_turns_total"}, []string{"decision", "status"}),
		TurnDuration:          prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_turn_duration_seconds"}, []string{"decision"}),
		CycleCounter:          prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_cycles_total"}, []string{"loop"}),
		ActiveConversations:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_active_conversations"}),
		ErrorCounter:          prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_errors_total"}, []string{"component", "kind"}),
		ConcernSignalCounter:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_concern_signals_total"}, []string{"action"}),
	}
}

func TestRecordLLMRequestIncrementsCounterAndTokens(t *testing.T) {
	m := newIsolatedMetrics()
	m.RecordLLMRequest("gpt-4o", "success", 250*time.Millisecond, 100, 40)
	m.RecordLLMRequest("gpt-4o", "error", time.Second, 0, 0)

	if count := testutil.CollectAndCount(m.LLMRequestCounter); count != 2 {
		t.Fatalf("CollectAndCount = %d, want 2", count)
	}
	expected := `
		# HELP test_llm_tokens_total
		# TYPE test_llm_tokens_total counter
		test_llm_tokens_total{model="gpt-4o",type="completion"} 40
		test_llm_tokens_total{model="gpt-4o",type="prompt"} 100
	`
	if err := testutil.CollectAndCompare(m.LLMTokensUsed, strings.NewReader(expected)); err != nil {
		t.Fatalf("unexpected token counts: %v", err)
	}
}

func TestRecordToolExecutionIncrementsByStatus(t *testing.T) {
	m := newIsolatedMetrics()
	m.RecordToolExecution("web_search", "success", 10*time.Millisecond)
	m.RecordToolExecution("web_search", "success", 20*time.Millisecond)
	m.RecordToolExecution("web_search", "error", 5*time.Millisecond)

	expected := `
		# HELP test_tool_executions_total
		# TYPE test_tool_executions_total counter
		test_tool_executions_total{status="error",tool_name="web_search"} 1
		test_tool_executions_total{status="success",tool_name="web_search"} 2
	`
	if err := testutil.CollectAndCompare(m.ToolExecutionCounter, strings.NewReader(expected)); err != nil {
		t.Fatalf("unexpected tool execution counts: %v", err)
	}
}

func TestRecordOnNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordHTTPRequest("GET", "/health", "200", time.Millisecond)
	m.RecordTurn("yield", "done", time.Second)
	m.RecordCycle("engaged")
	m.RecordError("scheduler", "transient")
	m.RecordConcernSignal("create")
}
