// Package memorybackend defines the working-memory capability interface the
// tool-calling engine's memory.* tools depend on, a default SQLite-backed
// KV implementation, and the eval/promotion harness that lets a candidate
// backend design replace the active one. The interface is deliberately
// narrow (set/get/delete/search/list plus design identity and Close) so
// that a full-text-search backend and a plain KV + LIKE-search backend can
// both satisfy it unchanged.
package memorybackend

import (
	"context"
	"time"

	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// Backend is a pluggable working-memory store. The default implementation
// (KVBackend) wraps storage.WorkingMemoryStore directly; the ftsv2
// implementation layers a modernc.org/sqlite FTS5 index over the same
// conceptual keyspace for a faster Search.
type Backend interface {
	Set(ctx context.Context, key, content string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	Search(ctx context.Context, query string) ([]string, error)
	List(ctx context.Context) ([]*models.WorkingMemoryEntry, error)

	// DesignID and SchemaVersion identify this backend's candidate design
	// for the eval harness and promotion ledger.
	DesignID() string
	SchemaVersion() int

	Close() error
}

// EvalMetrics summarizes one benchmark pass of a Backend.
type EvalMetrics struct {
	Recall       float64
	GetPassRate  float64
	LatencyMS    float64
	StorageBytes int64
}

// benchmarkCase is one recall probe: a key written before the benchmark and
// a query expected to surface it via Search.
type benchmarkCase struct {
	Key     string
	Content string
	Query   string
}

// defaultBenchmarkCases exercises the working-memory keyspace the runtime's
// memory tools actually write: session handoff notes and scratchpad entries.
// Each Query is kept as a verbatim substring of Content so both a LIKE-based
// backend and an FTS5 MATCH backend can recall it.
func defaultBenchmarkCases() []benchmarkCase {
	return []benchmarkCase{
		{Key: "bench:alpha", Content: "the quarterly budget review is due friday", Query: "budget review"},
		{Key: "bench:beta", Content: "remember to water the office plants daily", Query: "water the office plants"},
		{Key: "bench:gamma", Content: "operator prefers terse status updates", Query: "terse status"},
	}
}

func now() time.Time { return time.Now().UTC() }
