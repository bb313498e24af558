package chatturn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/storage"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// compactionBatchSize caps how many of a conversation's oldest
// not-yet-summarized messages are folded into the summary in one pass.
const compactionBatchSize = 100

// maybeCompact folds a conversation's oldest messages into its running
// summary once the message count passes cfg.CompactionThreshold. It is a
// no-op (not an error) when message/summary storage or the engine's
// provider isn't wired, or when the conversation is still under threshold.
func (m *Manager) maybeCompact(ctx context.Context, conversationID string) error {
	if m.messages == nil || m.summaries == nil || m.engine == nil {
		return nil
	}

	count, err := m.messages.CountMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("chatturn: count messages: %w", err)
	}
	if count <= m.cfg.CompactionThreshold {
		return nil
	}

	prior, err := m.summaries.GetSummary(ctx, conversationID)
	if errors.Is(err, storage.ErrNotFound) {
		prior, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("chatturn: get summary: %w", err)
	}
	var afterID string
	var priorSummary, priorDigest string
	if prior != nil {
		afterID = prior.ThroughMessageID
		priorSummary = prior.Summary
		priorDigest = prior.ReasoningDigest
	}

	batch, err := m.messages.ListMessagesForCompaction(ctx, conversationID, afterID, compactionBatchSize)
	if err != nil {
		return fmt.Errorf("chatturn: list messages for compaction: %w", err)
	}
	// Only the older part of the fetched batch is folded: its last
	// compactionBatchSize/2 messages stay unsummarized until a later pass,
	// and a batch of compactionBatchSize/2 or fewer messages is not folded.
	if len(batch) <= compactionBatchSize/2 {
		return nil
	}
	fold := batch[:len(batch)-compactionBatchSize/2]

	summary, digest, err := m.summarizeMessages(ctx, priorSummary, priorDigest, fold)
	if err != nil {
		return fmt.Errorf("chatturn: summarize messages: %w", err)
	}

	return m.summaries.UpsertSummary(ctx, &models.ConversationSummary{
		ConversationID:   conversationID,
		Summary:          summary,
		ReasoningDigest:  digest,
		UpdatedAt:        time.Now().UTC(),
		ThroughMessageID: fold[len(fold)-1].ID,
	})
}

// summarizeMessages asks the configured provider to fold msgs into the
// running summary, returning the updated narrative summary and a short
// digest of the reasoning/decisions carried across the fold.
func (m *Manager) summarizeMessages(ctx context.Context, priorSummary, priorDigest string, msgs []*models.Message) (string, string, error) {
	provider := m.engine.Provider()
	if provider == nil {
		return "", "", fmt.Errorf("chatturn: no provider configured")
	}

	resp, err := provider.Complete(ctx, llm.Request{
		Model: m.cfg.Model,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: compactionSystemPrompt},
			{Role: llm.RoleUser, Content: renderCompactionInput(priorSummary, priorDigest, msgs)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", "", fmt.Errorf("chatturn: llm call: %w", err)
	}

	summary, digest := splitCompactionResponse(resp.Text)
	if summary == "" {
		summary = priorSummary
	}
	return summary, digest, nil
}

func renderCompactionInput(priorSummary, priorDigest string, msgs []*models.Message) string {
	var sb strings.Builder
	if priorSummary != "" {
		sb.WriteString("Existing summary:\n")
		sb.WriteString(priorSummary)
		sb.WriteString("\n\n")
	}
	if priorDigest != "" {
		sb.WriteString("Existing reasoning digest:\n")
		sb.WriteString(priorDigest)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Messages to fold in:\n")
	for _, msg := range msgs {
		fmt.Fprintf(&sb, "[%s] %s\n", msg.Role, msg.Content)
	}
	return sb.String()
}

// splitCompactionResponse pulls the "Summary:"/"Reasoning digest:" sections
// out of the model's reply. Either section missing just leaves that half
// empty rather than failing the whole compaction.
func splitCompactionResponse(text string) (summary, digest string) {
	const summaryMarker = "Summary:"
	const digestMarker = "Reasoning digest:"

	digestIdx := strings.Index(text, digestMarker)
	summaryIdx := strings.Index(text, summaryMarker)

	if summaryIdx >= 0 {
		end := len(text)
		if digestIdx > summaryIdx {
			end = digestIdx
		}
		summary = strings.TrimSpace(text[summaryIdx+len(summaryMarker) : end])
	} else if digestIdx < 0 {
		summary = strings.TrimSpace(text)
	}

	if digestIdx >= 0 {
		digest = strings.TrimSpace(text[digestIdx+len(digestMarker):])
	}
	return summary, digest
}

const compactionSystemPrompt = `You are compacting an autonomous agent's
conversation history. You will be given the existing running summary (if
any), the existing reasoning digest (if any), and a batch of older messages
to fold into them. Reply with exactly two sections:

Summary:
<an updated narrative summary covering the existing summary plus the new
messages, preserving facts, decisions, and open threads an agent would
still need to act coherently>

Reasoning digest:
<a short digest of notable reasoning or decisions made across these
messages, for quick reference>`
