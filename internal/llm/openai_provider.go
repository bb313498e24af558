package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements Provider against any OpenAI-compatible
// chat/completions endpoint via github.com/sashabaranov/go-openai, the
// pack's dedicated client for that wire shape.
type OpenAIProvider struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIProvider builds a provider pointed at baseURL (empty uses the
// official OpenAI endpoint) authenticated with apiKey.
func NewOpenAIProvider(baseURL, apiKey string, logger *slog.Logger) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), logger: logger}
}

func toOpenAIMessages(msgs []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Args),
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []ToolSpec) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params any
		if len(t.JSONSchema) > 0 {
			_ = json.Unmarshal(t.JSONSchema, &params)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func toRequest(req Request, stream bool) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		Tools:       toOpenAITools(req.Tools),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
}

// pendingToolCall accumulates a streamed tool-call's deltas, keyed by its
// response index, since OpenAI-compatible streams send a tool call's name
// and arguments across several chunks.
type pendingToolCall struct {
	id   string
	name string
	args []byte
}

// Stream issues a streaming chat/completions request, translating index-
// keyed tool-call deltas into complete ToolCallRequest values only once
// each call's arguments are fully accumulated (signalled by FinishReason or
// stream end).
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, toRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("create completion stream: %w", err)
	}

	out := make(chan Chunk, 8)
	go func() {
		defer close(out)
		defer stream.Close()

		pending := map[int]*pendingToolCall{}
		var order []int

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- Chunk{ToolCalls: finalizeToolCalls(pending, order), Done: true}
				return
			}
			if err != nil {
				p.logger.Error("openai stream recv failed", "error", err)
				out <- Chunk{Err: fmt.Errorf("stream recv: %w", err)}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			delta := choice.Delta

			if delta.Content != "" {
				select {
				case out <- Chunk{Text: delta.Content}:
				case <-ctx.Done():
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				pc, ok := pending[idx]
				if !ok {
					pc = &pendingToolCall{}
					pending[idx] = pc
					order = append(order, idx)
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args = append(pc.args, []byte(tc.Function.Arguments)...)
			}
			if choice.FinishReason != "" {
				out <- Chunk{ToolCalls: finalizeToolCalls(pending, order), Done: true}
				return
			}
		}
	}()
	return out, nil
}

func finalizeToolCalls(pending map[int]*pendingToolCall, order []int) []ToolCallRequest {
	if len(pending) == 0 {
		return nil
	}
	out := make([]ToolCallRequest, 0, len(pending))
	for _, idx := range order {
		pc := pending[idx]
		out = append(out, ToolCallRequest{ID: pc.id, Name: pc.name, Args: json.RawMessage(pc.args)})
	}
	return out
}

// Complete issues a non-streaming chat/completions request, used as the
// fallback after a stream-parse failure.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, toRequest(req, false))
	if err != nil {
		return Response{}, fmt.Errorf("create completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, errors.New("openai: empty choices in completion response")
	}
	msg := resp.Choices[0].Message
	out := Response{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCallRequest{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}
