// Package tools implements the tool registry: metadata, JSON-schema
// advertisement, context-scoped visibility, and approval gating.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// Category groups tools for capability-profile defaults and diagnostics.
type Category string

const (
	CategoryShell      Category = "shell"
	CategoryFilesystem Category = "filesystem"
	CategoryHTTP       Category = "http"
	CategoryMemory     Category = "memory"
	CategorySkill      Category = "skill"
	CategoryVision     Category = "vision"
	CategoryMedia      Category = "media"
)

// Tool is a single callable capability exposed to the tool-calling engine.
type Tool interface {
	Name() string
	Description() string
	JSONSchema() json.RawMessage
	Category() Category
	RequiresApproval() bool
	Execute(ctx context.Context, args json.RawMessage, tc models.ToolContext) (*models.ToolResult, error)
}

const (
	// MaxToolNameLength bounds a tool name to prevent pathological inputs.
	MaxToolNameLength = 256
	// MaxToolParamsSize bounds a tool call's argument payload (10MB).
	MaxToolParamsSize = 10 << 20
)

// Registry holds every registered Tool, thread-safe for concurrent
// registration and lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds tool, replacing any existing tool of the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns the named tool and whether it was found.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool in unspecified order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// ToolDefinitionsForContext returns only tools allowed to be visible under
// tc's allow/deny policy (the tool-calling engine passes exactly this list
// to the LLM provider's tool-spec field).
func (r *Registry) ToolDefinitionsForContext(tc models.ToolContext) []Tool {
	all := r.All()
	out := make([]Tool, 0, len(all))
	for _, t := range all {
		if isVisible(t.Name(), tc) {
			out = append(out, t)
		}
	}
	return out
}

func isVisible(name string, tc models.ToolContext) bool {
	norm := normalizeKey(name)
	if len(tc.DisallowedTools) > 0 {
		if _, denied := lookupPattern(tc.DisallowedTools, norm); denied {
			return false
		}
	}
	if len(tc.AllowedTools) > 0 {
		_, allowed := lookupPattern(tc.AllowedTools, norm)
		return allowed
	}
	return true
}

func lookupPattern(set map[string]struct{}, name string) (string, bool) {
	if _, ok := set[name]; ok {
		return name, true
	}
	for pattern := range set {
		if MatchPattern(pattern, name) {
			return pattern, true
		}
	}
	return "", false
}

// MatchPattern implements the registry's glob-lite matching: "mcp:*"
// matches any "mcp:"-prefixed name, "prefix.*" matches any name sharing
// that prefix, "*suffix" matches any name sharing that suffix, and a bare
// pattern matches exactly.
func MatchPattern(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(name, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") && len(pattern) > 1 {
		return strings.HasSuffix(name, pattern[1:])
	}
	return pattern == name
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MatchesAny reports whether name matches any of patterns, after
// normalizing both sides.
func MatchesAny(patterns []string, name string) bool {
	norm := normalizeKey(name)
	for _, p := range patterns {
		if MatchPattern(normalizeKey(p), norm) {
			return true
		}
	}
	return false
}

// ExecuteCall validates name/args bounds, resolves visibility and approval
// under tc, and executes the tool. approved reports whether the caller has
// already granted session approval for this tool name.
func (r *Registry) ExecuteCall(ctx context.Context, name string, args json.RawMessage, tc models.ToolContext, approved bool) (*models.ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &models.ToolResult{Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength), IsError: true}, nil
	}
	if len(args) > MaxToolParamsSize {
		return &models.ToolResult{Content: fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolParamsSize), IsError: true}, nil
	}

	t, ok := r.Get(name)
	if !ok {
		return &models.ToolResult{Content: "tool not found: " + name, IsError: true}, ErrToolNotFound
	}
	if !isVisible(t.Name(), tc) {
		return &models.ToolResult{Content: "tool not permitted in this context: " + name, IsError: true}, ErrToolDenied
	}
	if tc.Autonomous && t.RequiresApproval() && !approved {
		return &models.ToolResult{Content: "needs_approval:" + name, IsError: true}, ErrNeedsApproval
	}
	return t.Execute(ctx, args, tc)
}

// Manifests groups every registered tool by Category into a
// BackendPluginManifest per category, plus a fixed "builtin.core" entry
// covering the registry itself, for GET /plugins.
func (r *Registry) Manifests() []models.BackendPluginManifest {
	counts := make(map[Category]int)
	for _, t := range r.All() {
		counts[t.Category()]++
	}

	out := []models.BackendPluginManifest{
		{
			ID:          "builtin.core",
			Name:        "Core Orchestrator",
			Description: "Conversation, turn, and tool-call lifecycle management",
			Version:     "1.0.0",
			Category:    "core",
			ToolCount:   0,
		},
	}
	for category, count := range counts {
		out = append(out, models.BackendPluginManifest{
			ID:          "builtin." + string(category),
			Name:        categoryDisplayName(category),
			Description: "Built-in " + string(category) + " tools",
			Version:     "1.0.0",
			Category:    string(category),
			ToolCount:   count,
		})
	}
	return out
}

func categoryDisplayName(c Category) string {
	switch c {
	case CategoryShell:
		return "Shell"
	case CategoryFilesystem:
		return "Filesystem"
	case CategoryHTTP:
		return "HTTP"
	case CategoryMemory:
		return "Memory"
	case CategorySkill:
		return "Skill"
	case CategoryVision:
		return "Vision"
	case CategoryMedia:
		return "Media"
	default:
		return string(c)
	}
}

// ErrNeedsApproval signals that a tool call was blocked pending session
// approval rather than having genuinely failed.
var ErrNeedsApproval = fmt.Errorf("tool needs session approval")

// ErrToolNotFound signals that no tool is registered under the requested
// name.
var ErrToolNotFound = fmt.Errorf("tool not found")

// ErrToolDenied signals that the tool exists but is not visible under the
// calling context's allow/deny policy.
var ErrToolDenied = fmt.Errorf("tool denied by context policy")
