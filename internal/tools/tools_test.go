package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/MLTQ/ponderer-backend/pkg/models"
)

type fakeTool struct {
	name       string
	approval   bool
	calls      int
	lastArgs   json.RawMessage
	execResult *models.ToolResult
	execErr    error
}

func (f *fakeTool) Name() string                { return f.name }
func (f *fakeTool) Description() string         { return "fake tool " + f.name }
func (f *fakeTool) Category() Category          { return CategoryMemory }
func (f *fakeTool) RequiresApproval() bool      { return f.approval }
func (f *fakeTool) JSONSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Execute(ctx context.Context, args json.RawMessage, tc models.ToolContext) (*models.ToolResult, error) {
	f.calls++
	f.lastArgs = args
	if f.execResult != nil || f.execErr != nil {
		return f.execResult, f.execErr
	}
	return &models.ToolResult{Content: "ok"}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	ft := &fakeTool{name: "memory.search"}
	r.Register(ft)

	got, ok := r.Get("memory.search")
	if !ok || got.Name() != "memory.search" {
		t.Fatalf("Get() = %v, %v", got, ok)
	}

	if _, ok := r.Get("missing"); ok {
		t.Fatalf("Get(missing) should not be found")
	}

	r.Unregister("memory.search")
	if _, ok := r.Get("memory.search"); ok {
		t.Fatalf("tool should be unregistered")
	}
}

func TestMatchPattern(t *testing.T) {
	cases := []struct {
		pattern, name string
		want          bool
	}{
		{"mcp:*", "mcp:github", true},
		{"mcp:*", "shell", false},
		{"memory.*", "memory.search", true},
		{"memory.*", "memory", false},
		{"*.publish", "skill.publish", true},
		{"*.publish", "skill.search", false},
		{"shell", "shell", true},
		{"shell", "shell2", false},
	}
	for _, c := range cases {
		if got := MatchPattern(c.pattern, c.name); got != c.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", c.pattern, c.name, got, c.want)
		}
	}
}

func TestToolDefinitionsForContextFiltering(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "shell"})
	r.Register(&fakeTool{name: "memory.search"})
	r.Register(&fakeTool{name: "memory.write"})

	tc := models.ToolContext{AllowedTools: map[string]struct{}{"memory.*": {}}}
	tc.Normalize()
	defs := r.ToolDefinitionsForContext(tc)
	if len(defs) != 2 {
		t.Fatalf("ToolDefinitionsForContext() returned %d tools, want 2", len(defs))
	}

	tc2 := models.ToolContext{DisallowedTools: map[string]struct{}{"shell": {}}}
	tc2.Normalize()
	defs2 := r.ToolDefinitionsForContext(tc2)
	if len(defs2) != 2 {
		t.Fatalf("ToolDefinitionsForContext() with deny returned %d tools, want 2", len(defs2))
	}
	for _, d := range defs2 {
		if d.Name() == "shell" {
			t.Fatalf("shell should have been denied")
		}
	}
}

func TestExecuteCallNotFound(t *testing.T) {
	r := NewRegistry()
	res, err := r.ExecuteCall(context.Background(), "missing", json.RawMessage(`{}`), models.ToolContext{}, false)
	if err != ErrToolNotFound {
		t.Fatalf("ExecuteCall() err = %v, want ErrToolNotFound", err)
	}
	if !res.IsError {
		t.Fatalf("expected error result for missing tool")
	}
}

func TestExecuteCallDeniedByContext(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "shell"})
	tc := models.ToolContext{DisallowedTools: map[string]struct{}{"shell": {}}}
	tc.Normalize()

	res, err := r.ExecuteCall(context.Background(), "shell", json.RawMessage(`{}`), tc, false)
	if err != ErrToolDenied {
		t.Fatalf("ExecuteCall() err = %v, want ErrToolDenied", err)
	}
	if !res.IsError {
		t.Fatalf("expected denied tool to return an error result")
	}
}

func TestExecuteCallNeedsApproval(t *testing.T) {
	r := NewRegistry()
	ft := &fakeTool{name: "shell", approval: true}
	r.Register(ft)
	tc := models.ToolContext{Autonomous: true}

	res, err := r.ExecuteCall(context.Background(), "shell", json.RawMessage(`{}`), tc, false)
	if err != ErrNeedsApproval {
		t.Fatalf("ExecuteCall() err = %v, want ErrNeedsApproval", err)
	}
	if !res.IsError {
		t.Fatalf("expected needs-approval result to be an error result")
	}
	if ft.calls != 0 {
		t.Fatalf("tool should not have executed while pending approval")
	}
}

func TestExecuteCallApprovedRunsTool(t *testing.T) {
	r := NewRegistry()
	ft := &fakeTool{name: "shell", approval: true}
	r.Register(ft)
	tc := models.ToolContext{Autonomous: true}

	res, err := r.ExecuteCall(context.Background(), "shell", json.RawMessage(`{"x":1}`), tc, true)
	if err != nil {
		t.Fatalf("ExecuteCall() err = %v", err)
	}
	if res.IsError || res.Content != "ok" {
		t.Fatalf("ExecuteCall() = %+v", res)
	}
	if ft.calls != 1 {
		t.Fatalf("tool should have executed exactly once, got %d", ft.calls)
	}
}

func TestExecuteCallNonAutonomousSkipsApproval(t *testing.T) {
	r := NewRegistry()
	ft := &fakeTool{name: "shell", approval: true}
	r.Register(ft)
	tc := models.ToolContext{Autonomous: false}

	res, err := r.ExecuteCall(context.Background(), "shell", json.RawMessage(`{}`), tc, false)
	if err != nil {
		t.Fatalf("ExecuteCall() err = %v, want nil", err)
	}
	if res.IsError {
		t.Fatalf("non-autonomous calls should not require approval: %+v", res)
	}
}

func TestExecuteCallRejectsOversizedArgs(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "shell"})
	big := make([]byte, MaxToolParamsSize+1)
	res, err := r.ExecuteCall(context.Background(), "shell", json.RawMessage(big), models.ToolContext{}, false)
	if err != nil {
		t.Fatalf("ExecuteCall() err = %v, want nil", err)
	}
	if !res.IsError {
		t.Fatalf("expected oversized args to be rejected")
	}
}

func TestApprovalGateEvaluate(t *testing.T) {
	gate := NewApprovalGate(nil)
	ft := &fakeTool{name: "shell", approval: true}

	decision, err := gate.Evaluate(context.Background(), ft, true)
	if err != nil {
		t.Fatalf("Evaluate() err = %v", err)
	}
	if decision != DecisionPending {
		t.Fatalf("Evaluate() = %v, want DecisionPending", decision)
	}

	if err := gate.Grant(context.Background(), "shell"); err != nil {
		t.Fatalf("Grant() err = %v", err)
	}

	decision, err = gate.Evaluate(context.Background(), ft, true)
	if err != nil {
		t.Fatalf("Evaluate() err = %v", err)
	}
	if decision != DecisionAllowed {
		t.Fatalf("Evaluate() after grant = %v, want DecisionAllowed", decision)
	}

	ftNoApproval := &fakeTool{name: "http.fetch", approval: false}
	decision, err = gate.Evaluate(context.Background(), ftNoApproval, true)
	if err != nil || decision != DecisionAllowed {
		t.Fatalf("Evaluate() for non-approval tool = %v, %v", decision, err)
	}
}

func TestResolveCapabilityPolicyProfiles(t *testing.T) {
	privateChat := ResolveCapabilityPolicy(ProfilePrivateChat, nil)
	if privateChat.Autonomous {
		t.Fatalf("private_chat profile should not be autonomous")
	}
	if !MatchesAny(setKeys(privateChat.DisallowedTools), "skill.publish") {
		t.Fatalf("private_chat profile should deny skill.publish")
	}

	ambient := ResolveCapabilityPolicy(ProfileAmbient, nil)
	if !ambient.Autonomous {
		t.Fatalf("ambient profile should be autonomous")
	}
	if !MatchesAny(setKeys(ambient.DisallowedTools), "shell") {
		t.Fatalf("ambient profile should deny shell")
	}

	dream := ResolveCapabilityPolicy(ProfileDream, nil)
	if _, ok := dream.AllowedTools["memory.*"]; !ok {
		t.Fatalf("dream profile should allow-list memory.*")
	}

	overridden := ResolveCapabilityPolicy(ProfileAmbient, &ProfileOverrides{
		DisallowedTools: []string{"http.fetch"},
	})
	if _, ok := overridden.DisallowedTools["shell"]; ok {
		t.Fatalf("overrides should replace, not merge with, profile defaults")
	}
	if _, ok := overridden.DisallowedTools["http.fetch"]; !ok {
		t.Fatalf("override disallowed tool missing")
	}
}

func setKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
