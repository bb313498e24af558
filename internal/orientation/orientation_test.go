package orientation

import (
	"context"
	"testing"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/events"
	"github.com/MLTQ/ponderer-backend/internal/llm"
	"github.com/MLTQ/ponderer-backend/internal/storage"
)

func newTestEngine(t *testing.T, provider llm.Provider) (*Engine, storage.OrientationStore) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	emitter := events.NewEmitter("test-run", events.NopSink{})
	return New(store, provider, emitter, "test-model"), store
}

func TestOrientFastPathSkipsLLMWhenSignatureUnchanged(t *testing.T) {
	ctx := context.Background()
	provider := &llm.FakeProvider{Responses: []llm.Response{
		{Text: `{"disposition":"ambient","user_state":"idle","narrative":"nothing new"}`},
	}}
	e, _ := newTestEngine(t, provider)

	in := Inputs{Presence: PresenceSample{IdleSeconds: 700, Now: time.Date(2026, 1, 5, 14, 0, 0, 0, time.UTC)}}
	first, err := e.Orient(ctx, in)
	if err != nil {
		t.Fatalf("Orient (first): %v", err)
	}
	if provider.Calls() != 1 {
		t.Fatalf("Calls after first Orient = %d, want 1", provider.Calls())
	}

	in.Previous = first
	second, err := e.Orient(ctx, in)
	if err != nil {
		t.Fatalf("Orient (second): %v", err)
	}
	if provider.Calls() != 1 {
		t.Fatalf("Calls after second Orient = %d, want 1 (fast path should skip the LLM)", provider.Calls())
	}
	if second.ID != first.ID {
		t.Fatalf("fast path returned a different snapshot instead of reusing the prior one")
	}
}

func TestOrientSlowPathParsesToleratedAliases(t *testing.T) {
	ctx := context.Background()
	provider := &llm.FakeProvider{Responses: []llm.Response{
		{Text: "```json\n{\"disposition\":\"journal\",\"user_state_estimate\":\"focused\",\"mood_estimate\":\"calm\",\"narrative\":\"writing a reflection\"}\n```"},
	}}
	e, _ := newTestEngine(t, provider)

	snap, err := e.Orient(ctx, Inputs{Presence: PresenceSample{IdleSeconds: 5, Now: time.Now()}})
	if err != nil {
		t.Fatalf("Orient: %v", err)
	}
	if snap.Disposition != "journal" {
		t.Fatalf("Disposition = %s, want journal", snap.Disposition)
	}
	if snap.UserStateEstimate != "focused" {
		t.Fatalf("UserStateEstimate = %q, want %q (aliased from user_state_estimate)", snap.UserStateEstimate, "focused")
	}
	if snap.Mood != "calm" {
		t.Fatalf("Mood = %q, want %q (aliased from mood_estimate)", snap.Mood, "calm")
	}
}

func TestOrientFallsBackToHeuristicOnMalformedJSON(t *testing.T) {
	ctx := context.Background()
	provider := &llm.FakeProvider{Responses: []llm.Response{
		{Text: "this is not json at all"},
	}}
	e, _ := newTestEngine(t, provider)

	snap, err := e.Orient(ctx, Inputs{Presence: PresenceSample{IdleSeconds: 30, Now: time.Now()}})
	if err != nil {
		t.Fatalf("Orient must never error, even on malformed LLM output: %v", err)
	}
	if snap.Disposition != "attending" {
		t.Fatalf("heuristic disposition = %s, want attending (idle < 60s)", snap.Disposition)
	}
}

func TestSignatureStableAcrossIdenticalBucketedInputs(t *testing.T) {
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	a := Inputs{Presence: PresenceSample{IdleSeconds: 45, CPULoad: 0.1, MemLoad: 0.1, Now: now}}
	b := Inputs{Presence: PresenceSample{IdleSeconds: 50, CPULoad: 0.15, MemLoad: 0.12, Now: now}}
	if Signature(a) != Signature(b) {
		t.Fatalf("signatures differ despite falling in the same buckets")
	}

	c := Inputs{Presence: PresenceSample{IdleSeconds: 2000, CPULoad: 0.1, MemLoad: 0.1, Now: now}}
	if Signature(a) == Signature(c) {
		t.Fatalf("signatures match despite crossing the idle bucket boundary")
	}
}
