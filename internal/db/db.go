// Package db implements the PostgreSQL persistence backend.
package db

import (
	"context"
	"database/sql"
	"fmt"
)

// DB wraps a database/sql connection pool for PostgreSQL.
type DB struct {
	Pool *sql.DB
}

// New creates a new database connection.
// The caller must import a PostgreSQL driver (e.g., _ "github.com/lib/pq").
func New(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool.
func (d *DB) Close() error {
	return d.Pool.Close()
}

// Migrate runs the database schema migrations.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.Pool.ExecContext(ctx, migrationSQL)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

const migrationSQL = `
CREATE TABLE IF NOT EXISTS documents (
    id                    TEXT PRIMARY KEY,
    title                 TEXT NOT NULL,
    original_filename     TEXT NOT NULL,
    content_type          TEXT NOT NULL DEFAULT '',
    content               TEXT NOT NULL DEFAULT '',
    processing_status     TEXT NOT NULL DEFAULT 'pending',
    processing_mode       TEXT NOT NULL DEFAULT '',
    needs_full_processing BOOLEAN NOT NULL DEFAULT FALSE,
    content_hash          TEXT NOT NULL DEFAULT '',
    metadata              JSONB NOT NULL DEFAULT '{}',
    failure_reason        TEXT NOT NULL DEFAULT '',
    attempts              INTEGER NOT NULL DEFAULT 0,
    claim_token           TEXT NOT NULL DEFAULT '',
    claimed_at            TIMESTAMPTZ,
    source_instance       TEXT NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(processing_status);
CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at, id);

CREATE TABLE IF NOT EXISTS entries (
    id          TEXT PRIMARY KEY,
    title       TEXT NOT NULL,
    body        TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_entries_updated_at ON entries(updated_at, id);

CREATE TABLE IF NOT EXISTS sync_state (
    key              TEXT PRIMARY KEY,
    cursor_updated_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
    cursor_id        TEXT NOT NULL DEFAULT ''
);
`
