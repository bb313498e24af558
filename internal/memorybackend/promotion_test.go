package memorybackend

import (
	"context"
	"testing"

	"github.com/MLTQ/ponderer-backend/pkg/models"
)

func TestPolicyEvaluatePromotesWhenThresholdsClear(t *testing.T) {
	ctx := context.Background()
	archive := newTestArchive(t)
	kv := newTestKVBackend(t)

	if _, err := NewEvaluator(archive).Run(ctx, kv); err != nil {
		t.Fatalf("eval run: %v", err)
	}

	decision, err := NewPolicy(archive, DefaultThresholds()).Evaluate(ctx, kv.DesignID(), kv.SchemaVersion())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Decision != DecisionPromote {
		t.Fatalf("Decision = %s, want %s", decision.Decision, DecisionPromote)
	}
	if decision.RollbackDesignID != "" || decision.RollbackSchemaVersion != 0 {
		t.Fatalf("RollbackDesignID/SchemaVersion = %q/%d, want empty (no prior active design)", decision.RollbackDesignID, decision.RollbackSchemaVersion)
	}
}

func TestPolicyEvaluateRecordsRollbackTarget(t *testing.T) {
	ctx := context.Background()
	archive := newTestArchive(t)
	kv := newTestKVBackend(t)
	policy := NewPolicy(archive, DefaultThresholds())

	if _, err := NewEvaluator(archive).Run(ctx, kv); err != nil {
		t.Fatalf("eval run: %v", err)
	}
	first, err := policy.Evaluate(ctx, kv.DesignID(), kv.SchemaVersion())
	if err != nil {
		t.Fatalf("Evaluate (first): %v", err)
	}
	if first.Decision != DecisionPromote {
		t.Fatalf("first.Decision = %s, want %s", first.Decision, DecisionPromote)
	}

	if err := archive.ArchiveMemoryDesign(ctx, &models.MemoryDesign{DesignID: "candidate-2", SchemaVersion: 2}); err != nil {
		t.Fatalf("archive design: %v", err)
	}
	if err := archive.RecordEvalRun(ctx, &models.MemoryEvalRun{
		ID: "run-candidate-2", DesignID: "candidate-2", SchemaVersion: 2,
		Recall: 0.9, GetPassRate: 0.99, LatencyMS: 10,
	}); err != nil {
		t.Fatalf("record eval run: %v", err)
	}

	second, err := policy.Evaluate(ctx, "candidate-2", 2)
	if err != nil {
		t.Fatalf("Evaluate (second): %v", err)
	}
	if second.Decision != DecisionPromote {
		t.Fatalf("second.Decision = %s, want %s", second.Decision, DecisionPromote)
	}
	if second.RollbackDesignID != kv.DesignID() || second.RollbackSchemaVersion != kv.SchemaVersion() {
		t.Fatalf("RollbackDesignID/SchemaVersion = %q/%d, want %q/%d",
			second.RollbackDesignID, second.RollbackSchemaVersion, kv.DesignID(), kv.SchemaVersion())
	}
}

func TestPolicyEvaluateHoldsWhenThresholdsMissed(t *testing.T) {
	ctx := context.Background()
	archive := newTestArchive(t)

	strict := PromotionThresholds{MinRecall: 1.0, MinGetPassRate: 1.0, MaxLatencyMS: 0}
	if err := archive.ArchiveMemoryDesign(ctx, &models.MemoryDesign{DesignID: "slow-design", SchemaVersion: 1}); err != nil {
		t.Fatalf("archive design: %v", err)
	}
	if err := archive.RecordEvalRun(ctx, &models.MemoryEvalRun{
		ID: "run-slow", DesignID: "slow-design", SchemaVersion: 1,
		Recall: 0.5, GetPassRate: 0.5, LatencyMS: 999,
	}); err != nil {
		t.Fatalf("record eval run: %v", err)
	}

	decision, err := NewPolicy(archive, strict).Evaluate(ctx, "slow-design", 1)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if decision.Decision != DecisionHold {
		t.Fatalf("Decision = %s, want %s", decision.Decision, DecisionHold)
	}
}

func TestPolicyCheckActiveHealthRollsBackOnRegression(t *testing.T) {
	ctx := context.Background()
	archive := newTestArchive(t)
	kv := newTestKVBackend(t)

	if _, err := NewEvaluator(archive).Run(ctx, kv); err != nil {
		t.Fatalf("eval run: %v", err)
	}
	policy := NewPolicy(archive, DefaultThresholds())
	if _, err := policy.Evaluate(ctx, kv.DesignID(), kv.SchemaVersion()); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// No regression yet: the only recorded run for the active design still
	// clears the bar, so health check should be a no-op.
	decision, err := policy.CheckActiveHealth(ctx)
	if err != nil {
		t.Fatalf("CheckActiveHealth: %v", err)
	}
	if decision != nil {
		t.Fatalf("CheckActiveHealth = %+v, want nil (no regression)", decision)
	}

	// Simulate a later regressed run for the same active design.
	if err := archive.RecordEvalRun(ctx, &models.MemoryEvalRun{
		ID: "run-regressed", DesignID: kv.DesignID(), SchemaVersion: kv.SchemaVersion(),
		Recall: 0.1, GetPassRate: 0.1, LatencyMS: 999,
	}); err != nil {
		t.Fatalf("record regressed run: %v", err)
	}
	decision, err = policy.CheckActiveHealth(ctx)
	if err != nil {
		t.Fatalf("CheckActiveHealth: %v", err)
	}
	if decision == nil || decision.Decision != DecisionRollback {
		t.Fatalf("CheckActiveHealth = %+v, want rollback", decision)
	}
	// kv was the first design ever promoted, so there was no prior active
	// design to name as a rollback target; CheckActiveHealth just forwards
	// whatever the active promotion decision recorded.
	if decision.RollbackDesignID != "" || decision.RollbackSchemaVersion != 0 {
		t.Fatalf("rollback target = %q/%d, want empty", decision.RollbackDesignID, decision.RollbackSchemaVersion)
	}
}
