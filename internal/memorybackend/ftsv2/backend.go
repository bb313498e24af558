// Package ftsv2 is a candidate working-memory backend built on SQLite's
// FTS5 full-text index via the pure-Go modernc.org/sqlite driver, rather
// than the cgo mattn/go-sqlite3 driver the primary storage layer uses. It
// follows the same db/sql-over-SQLite shape as the primary backend
// (transactional writes, helper-scan pattern), adapted from vector cosine
// search to FTS5 MATCH search
// since this runtime's memory tools need text recall, not embeddings.
package ftsv2

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MLTQ/ponderer-backend/pkg/models"
	_ "modernc.org/sqlite"
)

// Backend is a memorybackend.Backend implementation. It satisfies the
// interface structurally and does not import the memorybackend package;
// cmd/ponderer's buildMemoryBackend constructs one when a non-kv memory
// backend is configured.
type Backend struct {
	db   *sql.DB
	path string
}

// Config configures a Backend.
type Config struct {
	// Path to the SQLite database file. Empty means an in-memory database,
	// useful for eval-harness benchmark runs that should not touch disk.
	Path string
}

// New opens (creating if necessary) the FTS5-backed store.
func New(cfg Config) (*Backend, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ftsv2: open database: %w", err)
	}
	b := &Backend{db: db, path: path}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS working_memory (
			key TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS working_memory_fts USING fts5(
			key UNINDEXED, content, content='working_memory', content_rowid='rowid'
		)`,
		`CREATE TRIGGER IF NOT EXISTS working_memory_ai AFTER INSERT ON working_memory BEGIN
			INSERT INTO working_memory_fts(rowid, key, content) VALUES (new.rowid, new.key, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS working_memory_ad AFTER DELETE ON working_memory BEGIN
			INSERT INTO working_memory_fts(working_memory_fts, rowid, key, content) VALUES ('delete', old.rowid, old.key, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS working_memory_au AFTER UPDATE ON working_memory BEGIN
			INSERT INTO working_memory_fts(working_memory_fts, rowid, key, content) VALUES ('delete', old.rowid, old.key, old.content);
			INSERT INTO working_memory_fts(rowid, key, content) VALUES (new.rowid, new.key, new.content);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("ftsv2: init schema: %w", err)
		}
	}
	return nil
}

// Set upserts a key's content. Rowid-keyed FTS triggers require DELETE+
// INSERT rather than INSERT OR REPLACE so the old FTS row is retired.
func (b *Backend) Set(ctx context.Context, key, content string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ftsv2: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM working_memory WHERE key = ?`, key); err != nil {
		return fmt.Errorf("ftsv2: delete existing: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO working_memory (key, content, updated_at) VALUES (?, ?, ?)`,
		key, content, time.Now().UTC()); err != nil {
		return fmt.Errorf("ftsv2: insert: %w", err)
	}
	return tx.Commit()
}

func (b *Backend) Get(ctx context.Context, key string) (string, bool, error) {
	var content string
	err := b.db.QueryRowContext(ctx, `SELECT content FROM working_memory WHERE key = ?`, key).Scan(&content)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("ftsv2: get: %w", err)
	}
	return content, true, nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM working_memory WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("ftsv2: delete: %w", err)
	}
	return nil
}

// Search runs an FTS5 MATCH query and falls back to a plain LIKE scan when
// the query string isn't valid FTS5 syntax (bare punctuation, for example),
// since memory tool callers pass free-form natural language.
func (b *Backend) Search(ctx context.Context, query string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT working_memory.content FROM working_memory_fts
		JOIN working_memory ON working_memory.rowid = working_memory_fts.rowid
		WHERE working_memory_fts MATCH ?
		ORDER BY rank LIMIT 20`, query)
	if err != nil {
		return b.searchLike(ctx, query)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("ftsv2: scan search row: %w", err)
		}
		out = append(out, content)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ftsv2: search rows: %w", err)
	}
	return out, nil
}

func (b *Backend) searchLike(ctx context.Context, query string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT content FROM working_memory WHERE content LIKE ? ORDER BY updated_at DESC LIMIT 20`,
		"%"+query+"%")
	if err != nil {
		return nil, fmt.Errorf("ftsv2: like fallback: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("ftsv2: scan like row: %w", err)
		}
		out = append(out, content)
	}
	return out, rows.Err()
}

func (b *Backend) List(ctx context.Context) ([]*models.WorkingMemoryEntry, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, content, updated_at FROM working_memory ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ftsv2: list: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkingMemoryEntry
	for rows.Next() {
		e := &models.WorkingMemoryEntry{}
		if err := rows.Scan(&e.Key, &e.Content, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ftsv2: scan list row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (b *Backend) DesignID() string { return "fts5-v2" }

func (b *Backend) SchemaVersion() int { return 2 }

func (b *Backend) Close() error { return b.db.Close() }
