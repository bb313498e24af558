package memorybackend

import (
	"context"

	"github.com/MLTQ/ponderer-backend/internal/storage"
	"github.com/MLTQ/ponderer-backend/pkg/models"
)

// KVBackend is the default Backend: a thin wrapper over
// storage.WorkingMemoryStore giving the companion's memory.* tools a
// concrete Set/Get/Search implementation without any schema of its own.
// It is schema version 1 of design "kv-default".
type KVBackend struct {
	store storage.WorkingMemoryStore
}

// NewKVBackend wraps an existing WorkingMemoryStore as a Backend.
func NewKVBackend(store storage.WorkingMemoryStore) *KVBackend {
	return &KVBackend{store: store}
}

func (b *KVBackend) Set(ctx context.Context, key, content string) error {
	return b.store.SetWorkingMemory(ctx, &models.WorkingMemoryEntry{
		Key:       key,
		Content:   content,
		UpdatedAt: now(),
	})
}

func (b *KVBackend) Get(ctx context.Context, key string) (string, bool, error) {
	e, err := b.store.GetWorkingMemory(ctx, key)
	if err == storage.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return e.Content, true, nil
}

func (b *KVBackend) Delete(ctx context.Context, key string) error {
	return b.store.DeleteWorkingMemory(ctx, key)
}

func (b *KVBackend) Search(ctx context.Context, query string) ([]string, error) {
	entries, err := b.store.SearchWorkingMemory(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Content)
	}
	return out, nil
}

func (b *KVBackend) List(ctx context.Context) ([]*models.WorkingMemoryEntry, error) {
	return b.store.ListWorkingMemory(ctx)
}

func (b *KVBackend) DesignID() string { return "kv-default" }

func (b *KVBackend) SchemaVersion() int { return 1 }

// Close is a no-op: the underlying store's lifetime is owned by whoever
// constructed the storage.Store, not by the backend wrapping it.
func (b *KVBackend) Close() error { return nil }
