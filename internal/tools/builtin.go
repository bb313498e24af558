package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// jsonSchema is a tiny helper to avoid hand-assembling schema literals at
// every call site.
func jsonSchema(props map[string]any, required []string) json.RawMessage {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
	b, _ := json.Marshal(schema)
	return b
}

// ShellTool runs a shell command with a bounded timeout, mirroring the
// teacher's shell-category tools: it owns its own timeout rather than
// depending on the engine to enforce one.
type ShellTool struct {
	Timeout time.Duration
}

// NewShellTool returns a ShellTool with the given timeout (0 defaults to 30s).
func NewShellTool(timeout time.Duration) *ShellTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShellTool{Timeout: timeout}
}

func (t *ShellTool) Name() string { return "shell" }
func (t *ShellTool) Description() string {
	return "Run a shell command and return its combined stdout/stderr."
}
func (t *ShellTool) Category() Category     { return CategoryShell }
func (t *ShellTool) RequiresApproval() bool { return true }
func (t *ShellTool) JSONSchema() json.RawMessage {
	return jsonSchema(map[string]any{
		"command": map[string]any{"type": "string", "description": "the shell command to run"},
	}, []string{"command"})
}

func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage, tc models.ToolContext) (*models.ToolResult, error) {
	var params struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}
	if strings.TrimSpace(params.Command) == "" {
		return &models.ToolResult{Content: "command must not be empty", IsError: true}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", params.Command)
	if tc.WorkingDirectory != "" {
		cmd.Dir = tc.WorkingDirectory
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("%s\nerror: %v", out.String(), err), IsError: true}, nil
	}
	return &models.ToolResult{Content: out.String()}, nil
}

// ReadFileTool reads a bounded slice of a file's contents.
type ReadFileTool struct {
	MaxBytes int64
}

// NewReadFileTool returns a ReadFileTool capped at maxBytes (0 defaults to 1MB).
func NewReadFileTool(maxBytes int64) *ReadFileTool {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &ReadFileTool{MaxBytes: maxBytes}
}

func (t *ReadFileTool) Name() string { return "filesystem.read" }
func (t *ReadFileTool) Description() string {
	return "Read a file's contents, truncated to a bounded size."
}
func (t *ReadFileTool) Category() Category     { return CategoryFilesystem }
func (t *ReadFileTool) RequiresApproval() bool { return false }
func (t *ReadFileTool) JSONSchema() json.RawMessage {
	return jsonSchema(map[string]any{
		"path": map[string]any{"type": "string"},
	}, []string{"path"})
}

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage, tc models.ToolContext) (*models.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}
	path := params.Path
	if tc.WorkingDirectory != "" && !filepath.IsAbs(path) {
		path = filepath.Join(tc.WorkingDirectory, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, t.MaxBytes))
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &models.ToolResult{Content: string(data)}, nil
}

// WriteFileTool writes content to a file, creating parent directories as
// needed. It requires approval since it mutates the filesystem.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string { return "filesystem.write" }
func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating it if absent."
}
func (t *WriteFileTool) Category() Category     { return CategoryFilesystem }
func (t *WriteFileTool) RequiresApproval() bool { return true }
func (t *WriteFileTool) JSONSchema() json.RawMessage {
	return jsonSchema(map[string]any{
		"path":    map[string]any{"type": "string"},
		"content": map[string]any{"type": "string"},
	}, []string{"path", "content"})
}

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage, tc models.ToolContext) (*models.ToolResult, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}
	path := params.Path
	if tc.WorkingDirectory != "" && !filepath.IsAbs(path) {
		path = filepath.Join(tc.WorkingDirectory, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &models.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(params.Content), path)}, nil
}

// HTTPFetchTool performs a guarded GET request, capped at 30s per the
// external-interfaces timeout budget.
type HTTPFetchTool struct {
	Client *http.Client
}

// NewHTTPFetchTool returns an HTTPFetchTool with a 30s client timeout.
func NewHTTPFetchTool() *HTTPFetchTool {
	return &HTTPFetchTool{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (t *HTTPFetchTool) Name() string { return "http.fetch" }
func (t *HTTPFetchTool) Description() string {
	return "Fetch a URL over HTTP GET and return a bounded body preview."
}
func (t *HTTPFetchTool) Category() Category     { return CategoryHTTP }
func (t *HTTPFetchTool) RequiresApproval() bool { return false }
func (t *HTTPFetchTool) JSONSchema() json.RawMessage {
	return jsonSchema(map[string]any{
		"url": map[string]any{"type": "string"},
	}, []string{"url"})
}

func (t *HTTPFetchTool) Execute(ctx context.Context, args json.RawMessage, tc models.ToolContext) (*models.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &models.ToolResult{Content: fmt.Sprintf("status %d\n%s", resp.StatusCode, string(body))}, nil
}

// MemoryStore is the minimal working-memory capability the memory-category
// tools depend on; it is satisfied by internal/memorybackend's Backend.
type MemoryStore interface {
	Set(ctx context.Context, key, content string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Search(ctx context.Context, query string) ([]string, error)
}

// MemorySearchTool searches working memory.
type MemorySearchTool struct {
	Store MemoryStore
}

func (t *MemorySearchTool) Name() string           { return "memory.search" }
func (t *MemorySearchTool) Description() string    { return "Search working memory for matching entries." }
func (t *MemorySearchTool) Category() Category     { return CategoryMemory }
func (t *MemorySearchTool) RequiresApproval() bool { return false }
func (t *MemorySearchTool) JSONSchema() json.RawMessage {
	return jsonSchema(map[string]any{"query": map[string]any{"type": "string"}}, []string{"query"})
}

func (t *MemorySearchTool) Execute(ctx context.Context, args json.RawMessage, tc models.ToolContext) (*models.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}
	results, err := t.Store.Search(ctx, params.Query)
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &models.ToolResult{Content: strings.Join(results, "\n")}, nil
}

// MemoryWriteTool writes a working-memory entry.
type MemoryWriteTool struct {
	Store MemoryStore
}

func (t *MemoryWriteTool) Name() string           { return "memory.write" }
func (t *MemoryWriteTool) Description() string    { return "Write an entry to working memory." }
func (t *MemoryWriteTool) Category() Category     { return CategoryMemory }
func (t *MemoryWriteTool) RequiresApproval() bool { return false }
func (t *MemoryWriteTool) JSONSchema() json.RawMessage {
	return jsonSchema(map[string]any{
		"key":     map[string]any{"type": "string"},
		"content": map[string]any{"type": "string"},
	}, []string{"key", "content"})
}

func (t *MemoryWriteTool) Execute(ctx context.Context, args json.RawMessage, tc models.ToolContext) (*models.ToolResult, error) {
	var params struct {
		Key     string `json:"key"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}
	if err := t.Store.Set(ctx, params.Key, params.Content); err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &models.ToolResult{Content: "ok"}, nil
}

// SessionHandoffKey is the fixed working-memory key the session-handoff
// tool always overwrites, never appends to.
const SessionHandoffKey = "session_handoff_note"

// SessionHandoffTool overwrites the fixed session-handoff note used to
// hydrate the next turn's prompt bundle.
type SessionHandoffTool struct {
	Store MemoryStore
}

func (t *SessionHandoffTool) Name() string { return "memory.session_handoff" }
func (t *SessionHandoffTool) Description() string {
	return "Overwrite the session handoff note carried into the next turn."
}
func (t *SessionHandoffTool) Category() Category     { return CategoryMemory }
func (t *SessionHandoffTool) RequiresApproval() bool { return false }
func (t *SessionHandoffTool) JSONSchema() json.RawMessage {
	return jsonSchema(map[string]any{"note": map[string]any{"type": "string"}}, []string{"note"})
}

func (t *SessionHandoffTool) Execute(ctx context.Context, args json.RawMessage, tc models.ToolContext) (*models.ToolResult, error) {
	var params struct {
		Note string `json:"note"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}
	if err := t.Store.Set(ctx, SessionHandoffKey, params.Note); err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &models.ToolResult{Content: "ok"}, nil
}

// ScratchpadTool appends a line to a per-conversation scratchpad entry, a
// lightweight durable side-channel distinct from the session handoff note.
type ScratchpadTool struct {
	Store MemoryStore
}

func (t *ScratchpadTool) Name() string           { return "memory.scratchpad" }
func (t *ScratchpadTool) Description() string    { return "Append a note to the conversation scratchpad." }
func (t *ScratchpadTool) Category() Category     { return CategoryMemory }
func (t *ScratchpadTool) RequiresApproval() bool { return false }
func (t *ScratchpadTool) JSONSchema() json.RawMessage {
	return jsonSchema(map[string]any{
		"conversation_id": map[string]any{"type": "string"},
		"note":            map[string]any{"type": "string"},
	}, []string{"conversation_id", "note"})
}

func (t *ScratchpadTool) Execute(ctx context.Context, args json.RawMessage, tc models.ToolContext) (*models.ToolResult, error) {
	var params struct {
		ConversationID string `json:"conversation_id"`
		Note           string `json:"note"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return &models.ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}
	key := "scratchpad:" + params.ConversationID
	existing, _, err := t.Store.Get(ctx, key)
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	updated := params.Note
	if existing != "" {
		updated = existing + "\n" + params.Note
	}
	if err := t.Store.Set(ctx, key, updated); err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &models.ToolResult{Content: "ok"}, nil
}

// RegisterBuiltins registers the full built-in tool set against reg, wiring
// memory-category tools to store.
func RegisterBuiltins(reg *Registry, store MemoryStore) {
	reg.Register(NewShellTool(0))
	reg.Register(NewReadFileTool(0))
	reg.Register(&WriteFileTool{})
	reg.Register(NewHTTPFetchTool())
	reg.Register(&MemorySearchTool{Store: store})
	reg.Register(&MemoryWriteTool{Store: store})
	reg.Register(&SessionHandoffTool{Store: store})
	reg.Register(&ScratchpadTool{Store: store})
}
