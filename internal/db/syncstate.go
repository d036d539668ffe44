package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
)

const pullCursorKey = "pull_cursor"

func (d *DB) GetPullCursor(ctx context.Context) (kb.Cursor, error) {
	var c kb.Cursor
	err := d.Pool.QueryRowContext(ctx,
		`SELECT cursor_updated_at, cursor_id FROM sync_state WHERE key = $1`, pullCursorKey,
	).Scan(&c.UpdatedAt, &c.ID)
	if err == sql.ErrNoRows {
		return kb.Cursor{}, nil
	}
	if err != nil {
		return kb.Cursor{}, fmt.Errorf("get pull cursor: %w", err)
	}
	return c, nil
}

func (d *DB) SetPullCursor(ctx context.Context, c kb.Cursor) error {
	_, err := d.Pool.ExecContext(ctx,
		`INSERT INTO sync_state (key, cursor_updated_at, cursor_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET cursor_updated_at=$2, cursor_id=$3`,
		pullCursorKey, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("set pull cursor: %w", err)
	}
	return nil
}
