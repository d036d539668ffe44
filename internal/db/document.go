package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
)

const documentColumns = `id, title, original_filename, content_type, content,
	processing_status, processing_mode, needs_full_processing, content_hash,
	metadata, failure_reason, attempts, claim_token, claimed_at, source_instance,
	created_at, updated_at`

func (d *DB) CreateDocument(ctx context.Context, doc *kb.Document) error {
	metaJSON, _ := json.Marshal(doc.Metadata)
	_, err := d.Pool.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		doc.ID, doc.Title, doc.OriginalFilename, doc.ContentType, doc.Content,
		string(doc.Status), string(doc.Mode), doc.NeedsFullProcessing, doc.ContentHash,
		metaJSON, doc.FailureReason, doc.Attempts, doc.ClaimToken, doc.ClaimedAt, string(doc.SourceInstance),
		doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (d *DB) GetDocument(ctx context.Context, id string) (*kb.Document, error) {
	row := d.Pool.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (d *DB) UpdateDocument(ctx context.Context, doc *kb.Document) error {
	metaJSON, _ := json.Marshal(doc.Metadata)
	res, err := d.Pool.ExecContext(ctx,
		`UPDATE documents SET title=$2, content=$3, processing_status=$4,
		   processing_mode=$5, needs_full_processing=$6, content_hash=$7,
		   metadata=$8, failure_reason=$9, attempts=$10, claim_token=$11,
		   claimed_at=$12, source_instance=$13, updated_at=$14
		 WHERE id=$1`,
		doc.ID, doc.Title, doc.Content, string(doc.Status),
		string(doc.Mode), doc.NeedsFullProcessing, doc.ContentHash,
		metaJSON, doc.FailureReason, doc.Attempts, doc.ClaimToken,
		doc.ClaimedAt, string(doc.SourceInstance), doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (d *DB) ListDocuments(ctx context.Context) ([]*kb.Document, error) {
	rows, err := d.Pool.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY updated_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return collectDocuments(rows)
}

// ListUnprocessedDocuments returns claimable documents after the cursor:
// queued ones plus stale claims abandoned by a dead worker.
func (d *DB) ListUnprocessedDocuments(ctx context.Context, cursor kb.Cursor, limit int, staleBefore time.Time) ([]*kb.Document, error) {
	rows, err := d.Pool.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE (processing_status = 'needs_local'
		        OR (processing_status = 'processing' AND claimed_at IS NOT NULL AND claimed_at < $3))
		   AND (updated_at > $1 OR ($4 != '' AND updated_at = $1 AND id > $4))
		 ORDER BY updated_at, id
		 LIMIT $2`,
		cursor.UpdatedAt, limit, staleBefore, cursor.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed documents: %w", err)
	}
	return collectDocuments(rows)
}

// ClaimDocument performs the atomic needs_local -> processing transition as
// a conditional update; the affected-row count decides the winner between
// concurrent claims.
func (d *DB) ClaimDocument(ctx context.Context, id, token string, now, staleBefore time.Time) (*kb.Document, error) {
	row := d.Pool.QueryRowContext(ctx,
		`UPDATE documents
		 SET processing_status = 'processing',
		     claim_token = $2,
		     claimed_at = $3,
		     attempts = attempts + 1,
		     updated_at = GREATEST($3, updated_at + INTERVAL '1 microsecond')
		 WHERE id = $1
		   AND (processing_status = 'needs_local'
		        OR (processing_status = 'processing' AND claimed_at IS NOT NULL AND claimed_at < $4))
		 RETURNING `+documentColumns,
		id, token, now.UTC(), staleBefore,
	)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("claim document: %w", err)
	}
	return doc, nil
}

func (d *DB) DocumentChangesAfter(ctx context.Context, cursor kb.Cursor, limit int) ([]*kb.Document, error) {
	rows, err := d.Pool.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE updated_at > $1 OR ($3 != '' AND updated_at = $1 AND id > $3)
		 ORDER BY updated_at, id
		 LIMIT $2`,
		cursor.UpdatedAt, limit, cursor.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("document changes: %w", err)
	}
	return collectDocuments(rows)
}

func (d *DB) DocumentStats(ctx context.Context) (*kb.ProcessingStats, error) {
	rows, err := d.Pool.QueryContext(ctx,
		`SELECT processing_status, processing_mode, COUNT(*) FROM documents
		 GROUP BY processing_status, processing_mode`)
	if err != nil {
		return nil, fmt.Errorf("document stats: %w", err)
	}
	defer rows.Close()

	stats := &kb.ProcessingStats{
		ByStatus: make(map[kb.ProcessingStatus]int),
		ByMode:   make(map[kb.ProcessingMode]int),
	}
	for rows.Next() {
		var status, mode string
		var count int
		if err := rows.Scan(&status, &mode, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.ByStatus[kb.ProcessingStatus(status)] += count
		if mode != "" {
			stats.ByMode[kb.ProcessingMode(mode)] += count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*kb.Document, error) {
	doc := &kb.Document{}
	var status, mode, source string
	var metaJSON []byte
	var claimedAt sql.NullTime
	err := row.Scan(
		&doc.ID, &doc.Title, &doc.OriginalFilename, &doc.ContentType, &doc.Content,
		&status, &mode, &doc.NeedsFullProcessing, &doc.ContentHash,
		&metaJSON, &doc.FailureReason, &doc.Attempts, &doc.ClaimToken, &claimedAt, &source,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Status = kb.ProcessingStatus(status)
	doc.Mode = kb.ProcessingMode(mode)
	doc.SourceInstance = kb.Tier(source)
	json.Unmarshal(metaJSON, &doc.Metadata)
	if claimedAt.Valid {
		t := claimedAt.Time
		doc.ClaimedAt = &t
	}
	return doc, nil
}

func collectDocuments(rows *sql.Rows) ([]*kb.Document, error) {
	defer rows.Close()
	var out []*kb.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}
