package chatturn

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/MLTQ/ponderer-backend/internal/concerns"
	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/memorybackend"
	"github.com/MLTQ/ponderer-backend/internal/storage"
	"github.com/MLTQ/ponderer-backend/internal/toolengine"
	"github.com/MLTQ/ponderer-backend/internal/tools"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

func newTestManager(t *testing.T, provider llm.Provider, cfg Config) (*Manager, storage.Store) {
	return newTestManagerWithRegistry(t, provider, cfg, tools.NewRegistry(), models.ToolContext{})
}

func newTestManagerWithRegistry(t *testing.T, provider llm.Provider, cfg Config, registry *tools.Registry, toolCtx models.ToolContext) (*Manager, storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	executor := toolengine.NewExecutor(registry, nil)
	emitter := events.NewEmitter("test-run", events.NopSink{})
	engine := toolengine.NewEngine(provider, registry, executor, emitter)

	concernMgr := concerns.New(store, emitter, concerns.DefaultThresholds())
	memory := memorybackend.NewKVBackend(store)

	mgr := New(store, engine, concernMgr, memory, emitter, toolCtx, cfg)
	return mgr, store
}

func TestProcessMessageYieldsOnSingleTurnNoTools(t *testing.T) {
	provider := &llm.FakeProvider{Responses: []llm.Response{
		{Text: `All set. [turn_control]{"decision":"yield","status":"done"}[/turn_control]`},
	}}
	mgr, store := newTestManager(t, provider, Config{Model: "test-model"})
	ctx := context.Background()

	msg, err := mgr.ProcessMessage(ctx, "conv-1", "hello there")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if msg == nil || msg.Content != "All set." {
		t.Fatalf("msg = %+v, want visible text with metadata stripped", msg)
	}
	if msg.Role != models.MessageRoleAgent {
		t.Fatalf("msg.Role = %v, want agent", msg.Role)
	}

	all, err := store.ListMessages(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2 (operator + agent)", len(all))
	}
}

func TestProcessMessageContinuesAcrossIterationsThenYields(t *testing.T) {
	provider := &llm.FakeProvider{Responses: []llm.Response{
		{Text: `Still thinking. [turn_control]{"decision":"continue","status":"still_working"}[/turn_control]`},
		{Text: `Here is the answer. [turn_control]{"decision":"yield","status":"done"}[/turn_control]`},
	}}
	mgr, _ := newTestManager(t, provider, Config{Model: "test-model"})

	msg, err := mgr.ProcessMessage(context.Background(), "conv-2", "keep going")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if msg == nil || msg.Content != "Here is the answer." {
		t.Fatalf("msg = %+v, want the second turn's visible text", msg)
	}
	if provider.Calls() != 2 {
		t.Fatalf("provider.Calls() = %d, want 2", provider.Calls())
	}
}

func TestProcessMessageHandsOffToBackgroundWhenBudgetExhausted(t *testing.T) {
	responses := make([]llm.Response, 0, 10)
	for i := 0; i < 10; i++ {
		responses = append(responses, llm.Response{
			Text: `Working. [turn_control]{"decision":"continue","status":"still_working"}[/turn_control]`,
		})
	}
	provider := &llm.FakeProvider{Responses: responses}
	mgr, _ := newTestManager(t, provider, Config{Model: "test-model", ForegroundTurnBudget: 2, BackgroundTurnBudget: 0})

	msg, err := mgr.ProcessMessage(context.Background(), "conv-3", "long task")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if msg != nil {
		t.Fatalf("msg = %+v, want nil: foreground budget should hand off instead of yielding", msg)
	}
	if err := mgr.background.Shutdown(); err != nil {
		t.Fatalf("background subtask returned an error: %v", err)
	}
}

func TestProcessMessageStopsOnLoopHeat(t *testing.T) {
	responses := make([]llm.Response, 0, 30)
	for i := 0; i < 30; i++ {
		responses = append(responses, llm.Response{
			Text: `Same output every time. [turn_control]{"decision":"continue","status":"still_working"}[/turn_control]`,
		})
	}
	provider := &llm.FakeProvider{Responses: responses}
	mgr, _ := newTestManager(t, provider, Config{Model: "test-model", ForegroundTurnBudget: 30})

	_, err := mgr.ProcessMessage(context.Background(), "conv-4", "loop please")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if provider.Calls() >= 30 {
		t.Fatalf("provider.Calls() = %d, want loop heat to force a yield well before the foreground budget", provider.Calls())
	}
}

// gatedTool is a fake tool requiring approval, mirroring toolengine's
// echoTool test fixture but with RequiresApproval true.
type gatedTool struct{ calls int }

func (t *gatedTool) Name() string                { return "risky_op" }
func (t *gatedTool) Description() string         { return "a tool that needs session approval" }
func (t *gatedTool) Category() tools.Category    { return tools.CategoryShell }
func (t *gatedTool) RequiresApproval() bool      { return true }
func (t *gatedTool) JSONSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (t *gatedTool) Execute(ctx context.Context, args json.RawMessage, tc models.ToolContext) (*models.ToolResult, error) {
	t.calls++
	return &models.ToolResult{Content: "done"}, nil
}

func TestProcessMessageSuspendsOnToolNeedingApprovalThenResumesAfterGrant(t *testing.T) {
	// The engine's Run loop keeps iterating on a denied tool call (it feeds
	// the denial back to the model as a tool result), so one ProcessMessage
	// spans two scripted responses: the blocked call, then the model's
	// reaction to being denied. Resuming after approval spans two more: the
	// same call succeeding, then the model's final yield.
	provider := &llm.FakeProvider{Responses: []llm.Response{
		{ToolCalls: []llm.ToolCallRequest{{ID: "1", Name: "risky_op"}}},
		{Text: `Can't do that yet. [turn_control]{"decision":"yield","status":"still_working"}[/turn_control]`},
		{ToolCalls: []llm.ToolCallRequest{{ID: "2", Name: "risky_op"}}},
		{Text: `Ran it. [turn_control]{"decision":"yield","status":"done"}[/turn_control]`},
	}}
	registry := tools.NewRegistry()
	registry.Register(&gatedTool{})
	mgr, store := newTestManagerWithRegistry(t, provider, Config{Model: "test-model"}, registry, models.ToolContext{Autonomous: true})
	ctx := context.Background()

	conv := &models.Conversation{ID: "conv-approve"}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	msg, err := mgr.ProcessMessage(ctx, "conv-approve", "run a command for me")
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if msg != nil {
		t.Fatalf("msg = %+v, want nil: turn should suspend pending approval", msg)
	}
	if provider.Calls() != 2 {
		t.Fatalf("provider.Calls() = %d, want 2 before approval", provider.Calls())
	}

	got, err := store.GetConversation(ctx, "conv-approve")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.RuntimeState != models.RuntimeAwaitingApproval {
		t.Fatalf("RuntimeState = %v, want %v", got.RuntimeState, models.RuntimeAwaitingApproval)
	}
	if got.ActiveTurnID == "" {
		t.Fatalf("ActiveTurnID = %q, want the suspended turn's ID", got.ActiveTurnID)
	}

	if err := mgr.Approvals().Grant(ctx, "risky_op"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	msg, err = mgr.ResumeConversation(ctx, "conv-approve")
	if err != nil {
		t.Fatalf("ResumeConversation: %v", err)
	}
	if msg == nil || msg.Content != "Ran it." {
		t.Fatalf("msg = %+v, want the resumed turn's visible text", msg)
	}
	if provider.Calls() != 4 {
		t.Fatalf("provider.Calls() = %d, want 4 after resuming", provider.Calls())
	}

	resumed, err := store.GetConversation(ctx, "conv-approve")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if resumed.RuntimeState != models.RuntimeIdle {
		t.Fatalf("RuntimeState = %v, want %v after yielding", resumed.RuntimeState, models.RuntimeIdle)
	}
}

func TestProcessMessageIngestsConcernSignal(t *testing.T) {
	provider := &llm.FakeProvider{Responses: []llm.Response{
		{Text: `Noted. [concerns][{"action":"create","type":"task","summary":"renew passport","confidence":0.9}][/concerns]
[turn_control]{"decision":"yield","status":"done"}[/turn_control]`},
	}}
	mgr, store := newTestManager(t, provider, Config{Model: "test-model"})

	if _, err := mgr.ProcessMessage(context.Background(), "conv-5", "don't forget my passport"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	active, err := store.ListConcerns(context.Background(), models.SalienceMonitoring)
	if err != nil {
		t.Fatalf("ListConcerns: %v", err)
	}
	if len(active) != 1 || active[0].Summary != "renew passport" {
		t.Fatalf("active = %+v, want one concern for the renewal", active)
	}
}
