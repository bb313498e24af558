package memorybackend

import (
	"context"
	"fmt"

	"github.com/MLTQ/ponderer-backend/internal/storage"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

const (
	// DecisionPromote replaces the active design with the candidate.
	DecisionPromote = "promote"
	// DecisionHold keeps the active design; the candidate needs more runs
	// or simply isn't better.
	DecisionHold = "hold"
	// DecisionRollback reverts to a prior design because the currently
	// active one regressed below the minimum thresholds.
	DecisionRollback = "rollback"
)

// PromotionThresholds gates whether a candidate design's eval run is even
// eligible to replace the active one.
type PromotionThresholds struct {
	MinRecall      float64
	MinGetPassRate float64
	MaxLatencyMS   float64
}

// DefaultThresholds mirrors the bar the KV default backend clears under the
// benchmark case set; a candidate must meet or beat it on every axis.
func DefaultThresholds() PromotionThresholds {
	return PromotionThresholds{MinRecall: 0.8, MinGetPassRate: 0.95, MaxLatencyMS: 50}
}

// Policy decides whether a candidate design's latest eval run should be
// promoted over the currently active design, and records the decision.
type Policy struct {
	archive    storage.ArchiveStore
	thresholds PromotionThresholds
}

// NewPolicy builds a Policy with the given thresholds.
func NewPolicy(archive storage.ArchiveStore, thresholds PromotionThresholds) *Policy {
	return &Policy{archive: archive, thresholds: thresholds}
}

// Evaluate compares a candidate design's most recent eval run against the
// thresholds and records a promote-or-hold PromotionDecision. It never
// returns DecisionRollback; that path is CheckActiveHealth's.
func (p *Policy) Evaluate(ctx context.Context, candidateDesignID string, candidateSchemaVersion int) (*models.PromotionDecision, error) {
	latest, err := p.latestRun(ctx, candidateDesignID, candidateSchemaVersion)
	if err != nil {
		return nil, err
	}

	decision := &models.PromotionDecision{
		ID:            fmt.Sprintf("decision-%s-%d-%d", candidateDesignID, candidateSchemaVersion, latest.CreatedAt.UnixNano()),
		DesignID:      candidateDesignID,
		SchemaVersion: candidateSchemaVersion,
		CreatedAt:     now(),
	}
	if p.clearsThresholds(latest) {
		decision.Decision = DecisionPromote
	} else {
		decision.Decision = DecisionHold
	}

	active, err := p.archive.LatestPromotionDecision(ctx)
	if err != nil {
		return nil, fmt.Errorf("memorybackend: latest active decision: %w", err)
	}
	if active != nil && active.Decision == DecisionPromote {
		decision.RollbackDesignID = active.DesignID
		decision.RollbackSchemaVersion = active.SchemaVersion
	}

	if err := p.archive.RecordPromotionDecision(ctx, decision); err != nil {
		return nil, fmt.Errorf("memorybackend: record decision: %w", err)
	}
	return decision, nil
}

// CheckActiveHealth re-evaluates the currently active (promoted) design's
// most recent eval run. If it has regressed below the thresholds, it
// records and returns a DecisionRollback naming the active design as the
// one being reverted away from; the caller is responsible for actually
// switching the live backend back to whatever design preceded it. Returns
// (nil, nil) when there is no active promotion on record or it still
// clears the bar.
func (p *Policy) CheckActiveHealth(ctx context.Context) (*models.PromotionDecision, error) {
	active, err := p.archive.LatestPromotionDecision(ctx)
	if err != nil {
		return nil, fmt.Errorf("memorybackend: latest active decision: %w", err)
	}
	if active == nil || active.Decision != DecisionPromote {
		return nil, nil
	}
	latest, err := p.latestRun(ctx, active.DesignID, active.SchemaVersion)
	if err != nil {
		return nil, err
	}
	if p.clearsThresholds(latest) {
		return nil, nil
	}
	decision := &models.PromotionDecision{
		ID:                    fmt.Sprintf("decision-rollback-%s-%d-%d", active.DesignID, active.SchemaVersion, now().UnixNano()),
		DesignID:              active.DesignID,
		SchemaVersion:         active.SchemaVersion,
		Decision:              DecisionRollback,
		RollbackDesignID:      active.RollbackDesignID,
		RollbackSchemaVersion: active.RollbackSchemaVersion,
		CreatedAt:             now(),
	}
	if err := p.archive.RecordPromotionDecision(ctx, decision); err != nil {
		return nil, fmt.Errorf("memorybackend: record decision: %w", err)
	}
	return decision, nil
}

func (p *Policy) latestRun(ctx context.Context, designID string, schemaVersion int) (*models.MemoryEvalRun, error) {
	runs, err := p.archive.ListEvalRuns(ctx, designID, schemaVersion)
	if err != nil {
		return nil, fmt.Errorf("memorybackend: list eval runs: %w", err)
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("memorybackend: no eval runs recorded for %s schema %d", designID, schemaVersion)
	}
	// ListEvalRuns returns rows newest-first.
	return runs[0], nil
}

func (p *Policy) clearsThresholds(r *models.MemoryEvalRun) bool {
	return r.Recall >= p.thresholds.MinRecall &&
		r.GetPassRate >= p.thresholds.MinGetPassRate &&
		r.LatencyMS <= p.thresholds.MaxLatencyMS
}
