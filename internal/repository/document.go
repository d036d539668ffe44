// Package repository defines storage interfaces for domain entities.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrClaimLost is returned when a conditional claim finds the document no
// longer claimable (another worker won, or the state moved on).
var ErrClaimLost = errors.New("claim lost")

// DocumentRepository abstracts document persistence so callers don't need
// to know whether storage is in-memory or PostgreSQL.
type DocumentRepository interface {
	Create(ctx context.Context, d *kb.Document) error
	Get(ctx context.Context, id string) (*kb.Document, error)
	// Update persists the document as-is. The caller is responsible for
	// having bumped UpdatedAt through a state-transition method.
	Update(ctx context.Context, d *kb.Document) error
	List(ctx context.Context) ([]*kb.Document, error)

	// ListUnprocessed returns documents eligible for a sync claim: those in
	// needs_local, plus processing documents whose claim went stale before
	// staleBefore (a worker died mid-cycle). Ordered by (updated_at, id)
	// after cursor, at most limit.
	ListUnprocessed(ctx context.Context, cursor kb.Cursor, limit int, staleBefore time.Time) ([]*kb.Document, error)

	// Claim atomically transitions an eligible document to processing with
	// the given token, incrementing its attempt counter. Exactly one of two
	// concurrent claims succeeds; the loser gets ErrClaimLost.
	Claim(ctx context.Context, id, token string, now, staleBefore time.Time) (*kb.Document, error)

	// ChangesAfter returns documents positioned strictly after cursor in
	// (updated_at, id) order, at most limit.
	ChangesAfter(ctx context.Context, cursor kb.Cursor, limit int) ([]*kb.Document, error)

	Stats(ctx context.Context) (*kb.ProcessingStats, error)
}

// EntryRepository abstracts knowledge-entry persistence. This subsystem
// only feeds entries into the pull change feed; Create exists for seeding
// and for applying pulled changes on the local instance.
type EntryRepository interface {
	Create(ctx context.Context, e *kb.Entry) error
	Get(ctx context.Context, id string) (*kb.Entry, error)
	ChangesAfter(ctx context.Context, cursor kb.Cursor, limit int) ([]*kb.Entry, error)
}

// SyncStateRepository persists the sync worker's pull cursor across
// restarts.
type SyncStateRepository interface {
	GetPullCursor(ctx context.Context) (kb.Cursor, error)
	SetPullCursor(ctx context.Context, c kb.Cursor) error
}
