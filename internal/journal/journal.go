// Package journal is the gated inner-monologue writer: admitted only when
// the orientation disposition is "journal", the disposition actually
// changed since the prior tick, and the minimum interval since the last
// entry has elapsed. A malformed LLM response never fails the tick: the
// gate just skips writing an entry that round.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/storage"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// Inputs bundles the journal prompt's source material.
type Inputs struct {
	Orientation    *models.OrientationSnapshot
	RecentEntries  []*models.JournalEntry
	ConcernUpdates []string
	RecentEvents   []string
}

// Engine writes gated journal entries.
type Engine struct {
	store       storage.JournalStore
	provider    llm.Provider
	emitter     *events.Emitter
	model       string
	minInterval time.Duration

	lastDisposition models.Disposition
}

// New builds an Engine. minInterval is the minimum spacing enforced between
// consecutive journal entries, regardless of how often ticks fire.
func New(store storage.JournalStore, provider llm.Provider, emitter *events.Emitter, model string, minInterval time.Duration) *Engine {
	return &Engine{store: store, provider: provider, emitter: emitter, model: model, minInterval: minInterval}
}

// MaybeWrite evaluates the journal gate for this tick and, if admitted,
// requests and persists one private journal entry. It returns (nil, nil)
// whenever the gate holds the entry back (wrong disposition, disposition
// unchanged, or too soon), which is the expected common case, not an error.
func (e *Engine) MaybeWrite(ctx context.Context, disposition models.Disposition, in Inputs) (*models.JournalEntry, error) {
	admitted, err := e.admitted(ctx, disposition)
	e.lastDisposition = disposition
	if err != nil {
		return nil, fmt.Errorf("journal: gate check: %w", err)
	}
	if !admitted {
		return nil, nil
	}

	entry, err := e.write(ctx, in)
	if err != nil {
		// Malformed JSON or an LLM failure must not fail the loop: skip this
		// tick's entry silently rather than surfacing a loop-level failure.
		return nil, nil
	}
	return entry, nil
}

func (e *Engine) admitted(ctx context.Context, disposition models.Disposition) (bool, error) {
	if disposition != models.DispositionJournal {
		return false, nil
	}
	if e.lastDisposition == disposition {
		return false, nil
	}
	recent, err := e.store.RecentJournalEntries(ctx, 1)
	if err != nil {
		return false, err
	}
	if len(recent) > 0 && time.Since(recent[0].CreatedAt) < e.minInterval {
		return false, nil
	}
	return true, nil
}

type rawJournalEntry struct {
	Type              string   `json:"type"`
	Text              string   `json:"text"`
	RelatedConcernIDs []string `json:"related_concern_ids"`
	Mood              string   `json:"mood,omitempty"`
}

func (e *Engine) write(ctx context.Context, in Inputs) (*models.JournalEntry, error) {
	if e.provider == nil {
		return nil, fmt.Errorf("journal: no provider configured")
	}
	resp, err := e.provider.Complete(ctx, llm.Request{
		Model: e.model,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: journalSystemPrompt},
			{Role: llm.RoleUser, Content: renderInputs(in)},
		},
		Temperature: 0.4,
	})
	if err != nil {
		return nil, fmt.Errorf("journal: llm call: %w", err)
	}

	var raw rawJournalEntry
	if err := json.Unmarshal([]byte(stripFence(resp.Text)), &raw); err != nil {
		return nil, fmt.Errorf("journal: parse: %w", err)
	}

	entryType := models.JournalEntryType(raw.Type)
	switch entryType {
	case models.JournalObservation, models.JournalReflection, models.JournalNote, models.JournalMoodNote:
	default:
		entryType = models.JournalReflection
	}

	entry := &models.JournalEntry{
		ID:                uuid.NewString(),
		Type:              entryType,
		Text:              raw.Text,
		RelatedConcernIDs: raw.RelatedConcernIDs,
		Mood:              raw.Mood,
		CreatedAt:         time.Now().UTC(),
	}
	if entry.Text == "" {
		return nil, fmt.Errorf("journal: empty entry text")
	}
	if err := e.store.AppendJournalEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("journal: append: %w", err)
	}
	if e.emitter != nil {
		e.emitter.JournalWritten(models.JournalWrittenPayload{EntryID: entry.ID, Type: entry.Type})
	}
	return entry, nil
}

func stripFence(text string) string {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```json")
		t = strings.TrimPrefix(t, "```")
		t = strings.TrimSuffix(t, "```")
	}
	return strings.TrimSpace(t)
}

func renderInputs(in Inputs) string {
	var b strings.Builder
	if in.Orientation != nil {
		fmt.Fprintf(&b, "orientation: %s (%s)\n", in.Orientation.Disposition, in.Orientation.Narrative)
	}
	for _, entry := range in.RecentEntries {
		fmt.Fprintf(&b, "recent_entry[%s]: %s\n", entry.Type, entry.Text)
	}
	for _, u := range in.ConcernUpdates {
		fmt.Fprintf(&b, "concern_update: %s\n", u)
	}
	for _, ev := range in.RecentEvents {
		fmt.Fprintf(&b, "event: %s\n", ev)
	}
	return b.String()
}

const journalSystemPrompt = `You are the private inner-monologue journal of an autonomous companion
agent. Given the orientation and recent context, write one entry as a
single JSON object: {"type": "observation|reflection|note|mood_note",
"text": string, "related_concern_ids": [string], "mood": string}. Respond
with JSON only, no prose before or after.`
