package toolengine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/tools"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

type echoTool struct{ calls int }

func (t *echoTool) Name() string                { return "echo" }
func (t *echoTool) Description() string         { return "echoes its input" }
func (t *echoTool) Category() tools.Category    { return tools.CategoryMemory }
func (t *echoTool) RequiresApproval() bool      { return false }
func (t *echoTool) JSONSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *echoTool) Execute(ctx context.Context, args json.RawMessage, tc models.ToolContext) (*models.ToolResult, error) {
	t.calls++
	return &models.ToolResult{Content: "echo:" + string(args)}, nil
}

func alwaysApproved(string) bool { return true }

func TestStripThinking(t *testing.T) {
	visible, blocks := stripThinking("before <think>secret plan</think> after")
	if visible != "before  after" && visible != "before after" {
		t.Errorf("visible = %q", visible)
	}
	if len(blocks) != 1 || blocks[0].Content != "secret plan" {
		t.Fatalf("blocks = %+v", blocks)
	}
}

func TestEngineRunYieldsWithoutToolCalls(t *testing.T) {
	reg := tools.NewRegistry()
	exec := NewExecutor(reg, nil)
	provider := &llm.FakeProvider{Responses: []llm.Response{{Text: "hi there"}}}
	eng := NewEngine(provider, reg, exec, nil)

	result, err := eng.Run(context.Background(), nil, models.ToolContext{}, Config{Model: "test"}, Callbacks{}, alwaysApproved)
	if err != nil {
		t.Fatalf("Run() err = %v", err)
	}
	if result.ResponseText != "hi there" {
		t.Errorf("ResponseText = %q", result.ResponseText)
	}
	if result.IterationCount != 1 {
		t.Errorf("IterationCount = %d, want 1", result.IterationCount)
	}
	if result.LimitHit {
		t.Errorf("LimitHit = true, want false")
	}
}

func TestEngineRunExecutesToolThenYields(t *testing.T) {
	reg := tools.NewRegistry()
	et := &echoTool{}
	reg.Register(et)
	exec := NewExecutor(reg, nil)

	provider := &llm.FakeProvider{Responses: []llm.Response{
		{ToolCalls: []llm.ToolCallRequest{{ID: "call-1", Name: "echo", Args: json.RawMessage(`{"a":1}`)}}},
		{Text: "done"},
	}}
	eng := NewEngine(provider, reg, exec, nil)

	result, err := eng.Run(context.Background(), nil, models.ToolContext{}, Config{Model: "test"}, Callbacks{}, alwaysApproved)
	if err != nil {
		t.Fatalf("Run() err = %v", err)
	}
	if result.ResponseText != "done" {
		t.Errorf("ResponseText = %q", result.ResponseText)
	}
	if result.IterationCount != 2 {
		t.Errorf("IterationCount = %d, want 2", result.IterationCount)
	}
	if len(result.ToolCallRecords) != 1 || result.ToolCallRecords[0].ToolName != "echo" {
		t.Fatalf("ToolCallRecords = %+v", result.ToolCallRecords)
	}
	if et.calls != 1 {
		t.Errorf("tool executed %d times, want 1", et.calls)
	}
}

func TestEngineRunStopsAtIterationCap(t *testing.T) {
	reg := tools.NewRegistry()
	et := &echoTool{}
	reg.Register(et)
	exec := NewExecutor(reg, nil)

	keepCalling := llm.Response{ToolCalls: []llm.ToolCallRequest{{ID: "call-x", Name: "echo", Args: json.RawMessage(`{}`)}}}
	provider := &llm.FakeProvider{Responses: []llm.Response{keepCalling, keepCalling, keepCalling}}
	eng := NewEngine(provider, reg, exec, nil)

	result, err := eng.Run(context.Background(), nil, models.ToolContext{}, Config{Model: "test", MaxIterations: 2}, Callbacks{}, alwaysApproved)
	if err != nil {
		t.Fatalf("Run() err = %v", err)
	}
	if !result.LimitHit {
		t.Errorf("LimitHit = false, want true")
	}
	if result.IterationCount != 2 {
		t.Errorf("IterationCount = %d, want 2", result.IterationCount)
	}
}

func TestEngineRunEmitsToolCallProgress(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	exec := NewExecutor(reg, nil)

	provider := &llm.FakeProvider{Responses: []llm.Response{
		{ToolCalls: []llm.ToolCallRequest{{ID: "call-1", Name: "echo", Args: json.RawMessage(`{}`)}}},
		{Text: "done"},
	}}

	stats := events.NewRunStats()
	emitter := events.NewEmitter("run-1", stats)
	eng := NewEngine(provider, reg, exec, emitter)

	_, err := eng.Run(context.Background(), nil, models.ToolContext{}, Config{Model: "test"}, Callbacks{}, alwaysApproved)
	if err != nil {
		t.Fatalf("Run() err = %v", err)
	}

	snap := stats.Snapshot()
	if snap.ToolCallsStarted != 1 || snap.ToolCallsSucceeded != 1 {
		t.Errorf("unexpected stats: %+v", snap)
	}
}

func TestExecutorExecuteSuccessAndFailure(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&echoTool{})
	exec := NewExecutor(reg, nil)

	call := models.ToolCall{ID: "1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}
	res := exec.Execute(context.Background(), call, models.ToolContext{}, true)
	if res.Error != nil || res.Result == nil {
		t.Fatalf("Execute() = %+v", res)
	}

	missing := models.ToolCall{ID: "2", Name: "nope", Input: json.RawMessage(`{}`)}
	res2 := exec.Execute(context.Background(), missing, models.ToolContext{}, true)
	if res2.Error != tools.ErrToolNotFound {
		t.Fatalf("Execute() err = %v, want ErrToolNotFound", res2.Error)
	}

	m := exec.Metrics()
	if m.TotalExecutions < 2 {
		t.Errorf("TotalExecutions = %d, want >= 2", m.TotalExecutions)
	}
}
