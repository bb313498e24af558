package memorybackend

import (
	"context"
	"fmt"
	"time"

	"github.com/MLTQ/ponderer-backend/internal/storage"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// Evaluator runs the fixed benchmark case set against a candidate Backend
// and archives the result, giving the promotion policy something to compare
// against the currently active design.
type Evaluator struct {
	archive storage.ArchiveStore
	cases   []benchmarkCase
}

// NewEvaluator builds an Evaluator using the default benchmark cases.
func NewEvaluator(archive storage.ArchiveStore) *Evaluator {
	return &Evaluator{archive: archive, cases: defaultBenchmarkCases()}
}

// Run writes each benchmark case's key/content into the backend, then
// queries for it and tabulates recall (fraction of Search calls that return
// the expected content) and get-pass-rate (fraction of Get calls that
// round-trip the exact content). The run is archived before being returned.
func (ev *Evaluator) Run(ctx context.Context, b Backend) (*models.MemoryEvalRun, error) {
	design := &models.MemoryDesign{
		DesignID:      b.DesignID(),
		SchemaVersion: b.SchemaVersion(),
		CreatedAt:     now(),
	}
	if err := ev.archive.ArchiveMemoryDesign(ctx, design); err != nil {
		return nil, fmt.Errorf("memorybackend: archive design: %w", err)
	}

	var recallHits, getHits int
	start := time.Now()
	for _, c := range ev.cases {
		if err := b.Set(ctx, c.Key, c.Content); err != nil {
			return nil, fmt.Errorf("memorybackend: seed %s: %w", c.Key, err)
		}
	}
	for _, c := range ev.cases {
		if content, ok, err := b.Get(ctx, c.Key); err == nil && ok && content == c.Content {
			getHits++
		}
		results, err := b.Search(ctx, c.Query)
		if err != nil {
			continue
		}
		for _, r := range results {
			if r == c.Content {
				recallHits++
				break
			}
		}
	}
	elapsed := time.Since(start)

	total := len(ev.cases)
	run := &models.MemoryEvalRun{
		ID:            fmt.Sprintf("eval-%s-%d-%d", b.DesignID(), b.SchemaVersion(), now().UnixNano()),
		DesignID:      b.DesignID(),
		SchemaVersion: b.SchemaVersion(),
		Recall:        ratio(recallHits, total),
		GetPassRate:   ratio(getHits, total),
		LatencyMS:     float64(elapsed.Microseconds()) / 1000.0,
		CreatedAt:     now(),
	}
	if err := ev.archive.RecordEvalRun(ctx, run); err != nil {
		return nil, fmt.Errorf("memorybackend: record eval run: %w", err)
	}
	return run, nil
}

func ratio(hits, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
