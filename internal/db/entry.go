package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
)

func (d *DB) CreateEntry(ctx context.Context, e *kb.Entry) error {
	_, err := d.Pool.ExecContext(ctx,
		`INSERT INTO entries (id, title, body, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET title=$2, body=$3, updated_at=$5`,
		e.ID, e.Title, e.Body, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func (d *DB) GetEntry(ctx context.Context, id string) (*kb.Entry, error) {
	e := &kb.Entry{}
	err := d.Pool.QueryRowContext(ctx,
		`SELECT id, title, body, created_at, updated_at FROM entries WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.Body, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

func (d *DB) EntryChangesAfter(ctx context.Context, cursor kb.Cursor, limit int) ([]*kb.Entry, error) {
	rows, err := d.Pool.QueryContext(ctx,
		`SELECT id, title, body, created_at, updated_at FROM entries
		 WHERE updated_at > $1 OR ($3 != '' AND updated_at = $1 AND id > $3)
		 ORDER BY updated_at, id
		 LIMIT $2`,
		cursor.UpdatedAt, limit, cursor.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("entry changes: %w", err)
	}
	defer rows.Close()

	var out []*kb.Entry
	for rows.Next() {
		e := &kb.Entry{}
		if err := rows.Scan(&e.ID, &e.Title, &e.Body, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
