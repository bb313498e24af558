package storage

import (
	"context"
	"testing"

	"github.com/MLTQ/ponderer-backend/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	c := &models.Conversation{ID: "conv-1", SessionID: "sess-1", Title: "first"}
	if err := s.CreateConversation(ctx, c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	got, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "first" || got.RuntimeState != models.RuntimeIdle {
		t.Errorf("unexpected conversation: %+v", got)
	}

	got.Title = "renamed"
	got.RuntimeState = models.RuntimeProcessing
	if err := s.UpdateConversation(ctx, got); err != nil {
		t.Fatalf("UpdateConversation: %v", err)
	}

	list, err := s.ListConversations(ctx, 10)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 1 || list[0].Title != "renamed" {
		t.Errorf("unexpected list: %+v", list)
	}

	if _, err := s.GetConversation(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMessageAppendAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv := &models.Conversation{ID: "conv-1", SessionID: "sess-1"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		m := &models.Message{ID: string(rune('a' + i)), ConversationID: "conv-1", Role: models.MessageRoleOperator, Content: "hi"}
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("len(msgs) = %d, want 3", len(msgs))
	}

	n, err := s.CountMessages(ctx, "conv-1")
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if n != 3 {
		t.Errorf("CountMessages = %d, want 3", n)
	}
}

func TestTurnLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conv := &models.Conversation{ID: "conv-1", SessionID: "sess-1"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}

	turn := &models.Turn{ID: "turn-1", ConversationID: "conv-1", Iteration: 1, Phase: models.TurnProcessing}
	if err := s.CreateTurn(ctx, turn); err != nil {
		t.Fatalf("CreateTurn: %v", err)
	}

	active, err := s.ActiveTurn(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ActiveTurn: %v", err)
	}
	if active == nil || active.ID != "turn-1" {
		t.Errorf("ActiveTurn = %+v, want turn-1", active)
	}

	turn.Phase = models.TurnCompleted
	turn.Decision = models.DecisionYield
	turn.Status = models.StatusDone
	if err := s.UpdateTurn(ctx, turn); err != nil {
		t.Fatalf("UpdateTurn: %v", err)
	}

	got, err := s.GetTurn(ctx, "turn-1")
	if err != nil {
		t.Fatalf("GetTurn: %v", err)
	}
	if got.Phase != models.TurnCompleted || got.Decision != models.DecisionYield {
		t.Errorf("unexpected turn: %+v", got)
	}

	active, err = s.ActiveTurn(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ActiveTurn after completion: %v", err)
	}
	if active != nil {
		t.Errorf("expected no active turn, got %+v", active)
	}

	turns, err := s.ListTurns(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	if len(turns) != 1 {
		t.Errorf("len(turns) = %d, want 1", len(turns))
	}
}

func TestToolCallAppendAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	rec := &models.ToolCallRecord{ID: "tc-1", TurnID: "turn-1", ToolName: "search", InputJSON: `{"q":"x"}`}
	if err := s.AppendToolCall(ctx, rec); err != nil {
		t.Fatalf("AppendToolCall: %v", err)
	}
	list, err := s.ListToolCalls(ctx, "turn-1")
	if err != nil {
		t.Fatalf("ListToolCalls: %v", err)
	}
	if len(list) != 1 || list[0].ToolName != "search" {
		t.Errorf("unexpected tool calls: %+v", list)
	}
}

func TestOODAPacketSaveAndFetch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pkt := &models.OODAPacket{TurnID: "turn-1", Observe: "obs", Orient: "ori", Decide: "dec", Act: "act"}
	if err := s.SaveOODAPacketFor(ctx, "conv-1", pkt); err != nil {
		t.Fatalf("SaveOODAPacketFor: %v", err)
	}
	latest, err := s.LatestOODAPacket(ctx, "conv-1")
	if err != nil {
		t.Fatalf("LatestOODAPacket: %v", err)
	}
	if latest.Observe != "obs" {
		t.Errorf("unexpected packet: %+v", latest)
	}
	recent, err := s.RecentOODAPackets(ctx, "conv-1", 5)
	if err != nil {
		t.Fatalf("RecentOODAPackets: %v", err)
	}
	if len(recent) != 1 {
		t.Errorf("len(recent) = %d, want 1", len(recent))
	}
}

func TestOrientationSaveAndLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	snap := &models.OrientationSnapshot{
		ID:          "or-1",
		Disposition: models.DispositionAttending,
		SalienceMap: map[string]any{"topic": "x"},
		Anomalies:   []string{"a1"},
	}
	if err := s.SaveOrientation(ctx, snap); err != nil {
		t.Fatalf("SaveOrientation: %v", err)
	}
	got, err := s.LatestOrientation(ctx)
	if err != nil {
		t.Fatalf("LatestOrientation: %v", err)
	}
	if got.Disposition != models.DispositionAttending || got.SalienceMap["topic"] != "x" {
		t.Errorf("unexpected orientation: %+v", got)
	}
}

func TestConcernUpsertAndFilterBySalience(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c1 := &models.Concern{ID: "c1", Type: models.ConcernProject, Salience: models.SalienceActive, Summary: "hot"}
	c2 := &models.Concern{ID: "c2", Type: models.ConcernInterest, Salience: models.SalienceDormant, Summary: "cold"}
	if err := s.UpsertConcern(ctx, c1); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertConcern(ctx, c2); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListAllConcerns(ctx)
	if err != nil {
		t.Fatalf("ListAllConcerns: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("len(all) = %d, want 2", len(all))
	}

	active, err := s.ListConcerns(ctx, models.SalienceActive)
	if err != nil {
		t.Fatalf("ListConcerns: %v", err)
	}
	if len(active) != 1 || active[0].ID != "c1" {
		t.Errorf("expected only c1 at active threshold, got %+v", active)
	}

	c1.Salience = models.SalienceMonitoring
	if err := s.UpsertConcern(ctx, c1); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetConcern(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Salience != models.SalienceMonitoring {
		t.Errorf("upsert did not update salience: %+v", got)
	}
}

func TestJournalAppendAndRecent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	any, err := s.LastJournalAt(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if any {
		t.Error("expected no journal entries initially")
	}
	e := &models.JournalEntry{ID: "j1", Type: models.JournalObservation, Text: "noted"}
	if err := s.AppendJournalEntry(ctx, e); err != nil {
		t.Fatalf("AppendJournalEntry: %v", err)
	}
	entries, err := s.RecentJournalEntries(ctx, 5)
	if err != nil {
		t.Fatalf("RecentJournalEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "noted" {
		t.Errorf("unexpected entries: %+v", entries)
	}
	any, err = s.LastJournalAt(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !any {
		t.Error("expected a journal entry to exist")
	}
}

func TestWorkingMemoryCRUDAndSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	e := &models.WorkingMemoryEntry{Key: "k1", Content: "the quick brown fox"}
	if err := s.SetWorkingMemory(ctx, e); err != nil {
		t.Fatalf("SetWorkingMemory: %v", err)
	}
	got, err := s.GetWorkingMemory(ctx, "k1")
	if err != nil {
		t.Fatalf("GetWorkingMemory: %v", err)
	}
	if got.Content != "the quick brown fox" {
		t.Errorf("unexpected content: %q", got.Content)
	}

	results, err := s.SearchWorkingMemory(ctx, "quick")
	if err != nil {
		t.Fatalf("SearchWorkingMemory: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("len(results) = %d, want 1", len(results))
	}

	list, err := s.ListWorkingMemory(ctx)
	if err != nil {
		t.Fatalf("ListWorkingMemory: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("len(list) = %d, want 1", len(list))
	}

	if err := s.DeleteWorkingMemory(ctx, "k1"); err != nil {
		t.Fatalf("DeleteWorkingMemory: %v", err)
	}
	if _, err := s.GetWorkingMemory(ctx, "k1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSummaryUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sum := &models.ConversationSummary{ConversationID: "conv-1", Summary: "v1"}
	if err := s.UpsertSummary(ctx, sum); err != nil {
		t.Fatalf("UpsertSummary: %v", err)
	}
	sum.Summary = "v2"
	if err := s.UpsertSummary(ctx, sum); err != nil {
		t.Fatalf("UpsertSummary (update): %v", err)
	}
	got, err := s.GetSummary(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if got.Summary != "v2" {
		t.Errorf("Summary = %q, want v2", got.Summary)
	}
}

func TestAgentStateSetAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if _, ok, err := s.GetAgentState(ctx, "missing"); err != nil || ok {
		t.Errorf("expected ok=false for missing key, got ok=%v err=%v", ok, err)
	}
	if err := s.SetAgentState(ctx, "memory_design", "design-a"); err != nil {
		t.Fatalf("SetAgentState: %v", err)
	}
	value, ok, err := s.GetAgentState(ctx, "memory_design")
	if err != nil {
		t.Fatalf("GetAgentState: %v", err)
	}
	if !ok || value != "design-a" {
		t.Errorf("GetAgentState = (%q, %v), want (design-a, true)", value, ok)
	}
}

func TestMemoryDesignArchiveAndEvalRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.ArchiveMemoryDesign(ctx, &models.MemoryDesign{DesignID: "design-a", SchemaVersion: 1}); err != nil {
		t.Fatalf("ArchiveMemoryDesign: %v", err)
	}
	if err := s.ArchiveMemoryDesign(ctx, &models.MemoryDesign{DesignID: "design-a", SchemaVersion: 1}); err != nil {
		t.Fatalf("ArchiveMemoryDesign (duplicate): %v", err)
	}

	designs, err := s.ListMemoryDesigns(ctx)
	if err != nil {
		t.Fatalf("ListMemoryDesigns: %v", err)
	}
	if len(designs) != 1 {
		t.Fatalf("ListMemoryDesigns = %d designs, want 1", len(designs))
	}

	run := &models.MemoryEvalRun{ID: "run-1", DesignID: "design-a", SchemaVersion: 1, Recall: 0.9, GetPassRate: 1.0, LatencyMS: 12.5, StorageBytes: 1024}
	if err := s.RecordEvalRun(ctx, run); err != nil {
		t.Fatalf("RecordEvalRun: %v", err)
	}

	runs, err := s.ListEvalRuns(ctx, "design-a", 1)
	if err != nil {
		t.Fatalf("ListEvalRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Recall != 0.9 {
		t.Fatalf("ListEvalRuns = %+v", runs)
	}
}

func TestPromotionDecisionRecordAndLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if got, err := s.LatestPromotionDecision(ctx); err != nil || got != nil {
		t.Fatalf("LatestPromotionDecision before any decision = %+v, %v", got, err)
	}

	d := &models.PromotionDecision{ID: "dec-1", DesignID: "design-a", SchemaVersion: 1, Decision: "promote"}
	if err := s.RecordPromotionDecision(ctx, d); err != nil {
		t.Fatalf("RecordPromotionDecision: %v", err)
	}

	rollback := &models.PromotionDecision{ID: "dec-2", DesignID: "design-b", SchemaVersion: 2, Decision: "rollback", RollbackDesignID: "design-a", RollbackSchemaVersion: 1}
	if err := s.RecordPromotionDecision(ctx, rollback); err != nil {
		t.Fatalf("RecordPromotionDecision (rollback): %v", err)
	}

	latest, err := s.LatestPromotionDecision(ctx)
	if err != nil {
		t.Fatalf("LatestPromotionDecision: %v", err)
	}
	if latest == nil || latest.Decision != "rollback" || latest.RollbackDesignID != "design-a" {
		t.Fatalf("LatestPromotionDecision = %+v", latest)
	}
}
