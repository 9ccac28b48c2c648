// Package sqlite implements the storage contract on an embedded
// SQLite database, for single-binary local runs with no external
// services.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/verdantlabs/canopy/internal/storage"
)

var _ storage.Store = (*DB)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS trees (
    id          TEXT PRIMARY KEY,
    root_prompt TEXT NOT NULL,
    status      TEXT NOT NULL DEFAULT 'active',
    metadata    TEXT NOT NULL DEFAULT '{}',
    created_at  TIMESTAMP NOT NULL,
    updated_at  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
    id             TEXT PRIMARY KEY,
    tree_id        TEXT NOT NULL REFERENCES trees(id) ON DELETE CASCADE,
    parent_id      TEXT REFERENCES nodes(id) ON DELETE CASCADE,
    prompt         TEXT NOT NULL,
    image_path     TEXT NOT NULL DEFAULT '',
    image_data     BLOB,
    best_prompt    TEXT NOT NULL DEFAULT '',
    keywords       TEXT NOT NULL DEFAULT '[]',
    quality_score  REAL NOT NULL DEFAULT 0,
    fidelity_score REAL NOT NULL DEFAULT 0,
    status         TEXT NOT NULL DEFAULT 'pending',
    branch_level   INTEGER NOT NULL DEFAULT 0,
    branch_index   INTEGER NOT NULL DEFAULT 0,
    direction      TEXT NOT NULL DEFAULT 'root',
    version        TEXT NOT NULL DEFAULT 'v1.0',
    created_at     TIMESTAMP NOT NULL,
    updated_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_nodes_tree ON nodes(tree_id);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);

CREATE TABLE IF NOT EXISTS generation_tasks (
    id           TEXT PRIMARY KEY,
    tree_id      TEXT NOT NULL REFERENCES trees(id) ON DELETE CASCADE,
    node_id      TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
    kind         TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    result       TEXT,
    error        TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS keyword_cache (
    prompt_hash TEXT PRIMARY KEY,
    prompt      TEXT NOT NULL,
    keywords    TEXT NOT NULL,
    usage_count INTEGER NOT NULL DEFAULT 1,
    created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// DB implements storage.Store on a single SQLite database file.
// database/sql serializes access to the one connection; the mutex
// guards the multi-statement operations that must not interleave.
type DB struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// Open creates or opens the database at path and ensures the schema
// exists. Use ":memory:" for an ephemeral database in tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// The modernc driver is not safe for concurrent writers over
	// multiple connections on one file.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &DB{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (db *DB) Close() {
	if err := db.db.Close(); err != nil {
		db.logger.Warn("sqlite close failed", "error", err)
	}
}
