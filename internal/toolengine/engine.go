package toolengine

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/observability"
	"github.com/MLTQ/ponderer-backend/internal/tools"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// ThinkingBlock is one stripped `<think>`/`<thinking>` span, kept out of the
// visible response text but preserved for diagnostics.
type ThinkingBlock struct {
	Content string
}

// thinkTagPattern matches both <think>...</think> and <thinking>...</thinking>
// spans, case-insensitively, across newlines.
var thinkTagPattern = regexp.MustCompile(`(?is)<think(?:ing)?>(.*?)</think(?:ing)?>`)

// stripThinking pulls every hidden reasoning span out of text, returning the
// visible remainder and the extracted blocks in document order.
func stripThinking(text string) (string, []ThinkingBlock) {
	var blocks []ThinkingBlock
	visible := thinkTagPattern.ReplaceAllStringFunc(text, func(m string) string {
		groups := thinkTagPattern.FindStringSubmatch(m)
		if len(groups) == 2 {
			blocks = append(blocks, ThinkingBlock{Content: strings.TrimSpace(groups[1])})
		}
		return ""
	})
	return strings.TrimSpace(visible), blocks
}

// Config bundles the LLM request parameters and optional iteration cap for
// a single Run.
type Config struct {
	Model         string
	Temperature   float32
	MaxTokens     int
	MaxIterations int // 0 means unbounded
}

// Callbacks lets a caller observe streaming deltas and tool progress without
// coupling the engine to a specific transport.
type Callbacks struct {
	OnTextDelta func(delta string)
	OnToolEvent func(call models.ToolCall, result *ExecutionResult)
}

// Result is the outcome of running the tool-calling loop to completion.
type Result struct {
	ResponseText    string
	ThinkingBlocks  []ThinkingBlock
	ToolCallRecords []models.ToolCallRecord
	IterationCount  int
	LimitHit        bool
}

// Engine drives the iterate-until-done LLM+tool loop.
type Engine struct {
	provider llm.Provider
	registry *tools.Registry
	executor *Executor
	emitter  *events.Emitter
	obs      *observability.Metrics
	tracer   *observability.Tracer
}

// NewEngine wires an Engine from its collaborators. emitter may be nil, in
// which case no events are emitted.
func NewEngine(provider llm.Provider, registry *tools.Registry, executor *Executor, emitter *events.Emitter) *Engine {
	return &Engine{provider: provider, registry: registry, executor: executor, emitter: emitter}
}

// SetObservability installs the Prometheus metrics recorder and OpenTelemetry
// tracer used around each chat-completion call. Either may be nil.
func (e *Engine) SetObservability(m *observability.Metrics, t *observability.Tracer) {
	e.obs = m
	e.tracer = t
}

// Provider exposes the underlying LLM provider for callers that need a bare
// completion call outside the tool-calling loop (e.g. conversation
// compaction).
func (e *Engine) Provider() llm.Provider {
	return e.provider
}

// Run iterates the LLM+tool loop starting from seed history until the model
// yields final visible text with no further tool calls, or the configured
// iteration cap is reached. approved reports whether toolName currently
// holds a session approval, consulted before any approval-requiring tool is
// executed.
func (e *Engine) Run(ctx context.Context, seed []llm.ChatMessage, toolCtx models.ToolContext, cfg Config, cb Callbacks, approved func(toolName string) bool) (*Result, error) {
	messages := make([]llm.ChatMessage, len(seed))
	copy(messages, seed)

	toolSpecs := toLLMToolSpecs(e.registry.ToolDefinitionsForContext(toolCtx))

	result := &Result{}
	for {
		result.IterationCount++

		req := llm.Request{
			Model:       cfg.Model,
			Messages:    messages,
			Tools:       toolSpecs,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Stream:      true,
		}

		spanCtx := ctx
		var span trace.Span
		if e.tracer != nil {
			spanCtx, span = e.tracer.TraceLLMRequest(ctx, cfg.Model)
		}
		start := time.Now()
		resp, err := e.streamOrFallback(spanCtx, req, cb)
		status := "success"
		if err != nil {
			status = "error"
		}
		e.obs.RecordLLMRequest(cfg.Model, status, time.Since(start), 0, 0)
		if span != nil {
			e.tracer.RecordError(span, err)
			span.End()
		}
		if err != nil {
			return result, err
		}

		visible, blocks := stripThinking(resp.Text)
		result.ThinkingBlocks = append(result.ThinkingBlocks, blocks...)

		if len(resp.ToolCalls) == 0 {
			result.ResponseText = visible
			return result, nil
		}

		messages = append(messages, llm.ChatMessage{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})

		calls := toModelToolCalls(resp.ToolCalls)
		if e.emitter != nil {
			for _, call := range calls {
				e.emitter.ToolCallProgress(models.ToolCallProgressPayload{
					ToolCallID: call.ID,
					ToolName:   call.Name,
					Stage:      models.ToolEventStarted,
				})
			}
		}
		execResults := e.executor.ExecuteAll(ctx, calls, toolCtx, approved)

		for i, r := range execResults {
			call := calls[i]
			if e.emitter != nil {
				e.emitter.ToolCallProgress(models.ToolCallProgressPayload{
					ToolCallID:  call.ID,
					ToolName:    call.Name,
					Stage:       stageFor(r),
					PreviewText: previewFor(r),
				})
			}
			if cb.OnToolEvent != nil {
				cb.OnToolEvent(call, r)
			}
			result.ToolCallRecords = append(result.ToolCallRecords, toRecord(call, r))
		}

		toolMessages := ResultsToMessages(execResults)
		for _, tm := range toolMessages {
			messages = append(messages, llm.ChatMessage{Role: llm.RoleTool, Content: tm.Content, ToolCallID: tm.ToolCallID})
		}

		if cfg.MaxIterations > 0 && result.IterationCount >= cfg.MaxIterations {
			result.ResponseText = visible
			result.LimitHit = true
			return result, nil
		}
	}
}

// streamOrFallback attempts a streaming completion and falls back to a
// single non-streaming call if the stream fails before any chunk is
// received, per the documented first-iteration fallback behavior.
func (e *Engine) streamOrFallback(ctx context.Context, req llm.Request, cb Callbacks) (llm.Response, error) {
	chunks, err := e.provider.Stream(ctx, req)
	if err != nil {
		return e.provider.Complete(ctx, req)
	}

	var sb strings.Builder
	var toolCalls []llm.ToolCallRequest
	var sawAny bool
	for chunk := range chunks {
		if chunk.Err != nil {
			if !sawAny {
				return e.provider.Complete(ctx, req)
			}
			return llm.Response{}, chunk.Err
		}
		sawAny = true
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
			if cb.OnTextDelta != nil {
				cb.OnTextDelta(chunk.Text)
			}
		}
		if len(chunk.ToolCalls) > 0 {
			toolCalls = chunk.ToolCalls
		}
		if chunk.Done {
			break
		}
	}
	return llm.Response{Text: sb.String(), ToolCalls: toolCalls}, nil
}

func toLLMToolSpecs(ts []tools.Tool) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, len(ts))
	for i, t := range ts {
		specs[i] = llm.ToolSpec{Name: t.Name(), Description: t.Description(), JSONSchema: t.JSONSchema()}
	}
	return specs
}

func toModelToolCalls(reqs []llm.ToolCallRequest) []models.ToolCall {
	calls := make([]models.ToolCall, len(reqs))
	for i, r := range reqs {
		calls[i] = models.ToolCall{ID: r.ID, Name: r.Name, Input: r.Args}
	}
	return calls
}

func stageFor(r *ExecutionResult) models.ToolEventStage {
	switch r.Error {
	case nil:
		return models.ToolEventSucceeded
	case tools.ErrNeedsApproval:
		return models.ToolEventApprovalRequired
	case tools.ErrToolDenied, tools.ErrToolNotFound:
		return models.ToolEventDenied
	default:
		return models.ToolEventFailed
	}
}

func previewFor(r *ExecutionResult) string {
	const maxPreview = 500
	var content string
	switch {
	case r.Error != nil:
		content = r.Error.Error()
	case r.Result != nil:
		content = r.Result.Content
	}
	if len(content) > maxPreview {
		return content[:maxPreview] + "…"
	}
	return content
}

func toRecord(call models.ToolCall, r *ExecutionResult) models.ToolCallRecord {
	rec := models.ToolCallRecord{
		ToolName:      call.Name,
		InputJSON:     string(call.Input),
		OutputPreview: previewFor(r),
	}
	if r.Error == tools.ErrNeedsApproval {
		rec.RequiresApproval = true
		rec.Approved = false
	} else {
		rec.Approved = r.Error == nil
	}
	return rec
}
