package ftsv2

import (
	"context"
	"testing"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBackendSetGetSearch(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	if err := b.Set(ctx, "note", "remember the quarterly budget review"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	content, ok, err := b.Get(ctx, "note")
	if err != nil || !ok || content != "remember the quarterly budget review" {
		t.Fatalf("Get = %q, %v, %v", content, ok, err)
	}

	results, err := b.Search(ctx, "budget")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0] != content {
		t.Fatalf("Search = %v", results)
	}
}

func TestBackendSetOverwritesAndReindexes(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	if err := b.Set(ctx, "note", "first draft"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.Set(ctx, "note", "second draft"); err != nil {
		t.Fatalf("Set (overwrite): %v", err)
	}

	content, _, _ := b.Get(ctx, "note")
	if content != "second draft" {
		t.Fatalf("Get after overwrite = %q, want %q", content, "second draft")
	}

	if results, _ := b.Search(ctx, "first"); len(results) != 0 {
		t.Fatalf("Search(first) after overwrite = %v, want empty", results)
	}
	results, err := b.Search(ctx, "second")
	if err != nil || len(results) != 1 {
		t.Fatalf("Search(second) = %v, %v", results, err)
	}
}

func TestBackendDelete(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	if err := b.Set(ctx, "note", "ephemeral"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := b.Delete(ctx, "note"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := b.Get(ctx, "note"); ok {
		t.Fatalf("Get after Delete still found entry")
	}
	if results, _ := b.Search(ctx, "ephemeral"); len(results) != 0 {
		t.Fatalf("Search after Delete = %v, want empty", results)
	}
}

func TestBackendListOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	for _, key := range []string{"a", "b", "c"} {
		if err := b.Set(ctx, key, "content-"+key); err != nil {
			t.Fatalf("Set(%s): %v", key, err)
		}
	}
	entries, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List = %d entries, want 3", len(entries))
	}
	if entries[0].Key != "c" || entries[2].Key != "a" {
		t.Fatalf("List order = %s,%s,%s, want c,b,a", entries[0].Key, entries[1].Key, entries[2].Key)
	}
}

func TestBackendIdentity(t *testing.T) {
	b := newTestBackend(t)
	if b.DesignID() != "fts5-v2" || b.SchemaVersion() != 2 {
		t.Fatalf("identity = %s/%d, want fts5-v2/2", b.DesignID(), b.SchemaVersion())
	}
}
