package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/db"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
)

// PersistentDocumentRepository delegates to PostgreSQL. Unlike read-mostly
// entities there is no in-memory write-through layer here: the claim
// transition needs a single authority for its conditional update, and a
// cache in front of it would reintroduce the double-claim race.
type PersistentDocumentRepository struct {
	db *db.DB
}

// NewPersistentDocuments creates a PostgreSQL-backed document repository.
func NewPersistentDocuments(database *db.DB) *PersistentDocumentRepository {
	return &PersistentDocumentRepository{db: database}
}

func (r *PersistentDocumentRepository) Create(ctx context.Context, d *kb.Document) error {
	return r.db.CreateDocument(ctx, d)
}

func (r *PersistentDocumentRepository) Get(ctx context.Context, id string) (*kb.Document, error) {
	doc, err := r.db.GetDocument(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return doc, err
}

func (r *PersistentDocumentRepository) Update(ctx context.Context, d *kb.Document) error {
	err := r.db.UpdateDocument(ctx, d)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %s: %w", d.ID, ErrNotFound)
	}
	return err
}

func (r *PersistentDocumentRepository) List(ctx context.Context) ([]*kb.Document, error) {
	return r.db.ListDocuments(ctx)
}

func (r *PersistentDocumentRepository) ListUnprocessed(ctx context.Context, cursor kb.Cursor, limit int, staleBefore time.Time) ([]*kb.Document, error) {
	return r.db.ListUnprocessedDocuments(ctx, cursor, limit, staleBefore)
}

func (r *PersistentDocumentRepository) Claim(ctx context.Context, id, token string, now, staleBefore time.Time) (*kb.Document, error) {
	doc, err := r.db.ClaimDocument(ctx, id, token, now, staleBefore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrClaimLost)
	}
	return doc, err
}

func (r *PersistentDocumentRepository) ChangesAfter(ctx context.Context, cursor kb.Cursor, limit int) ([]*kb.Document, error) {
	return r.db.DocumentChangesAfter(ctx, cursor, limit)
}

func (r *PersistentDocumentRepository) Stats(ctx context.Context) (*kb.ProcessingStats, error) {
	return r.db.DocumentStats(ctx)
}

// PersistentEntryRepository delegates entry reads/writes to PostgreSQL.
type PersistentEntryRepository struct {
	db *db.DB
}

// NewPersistentEntries creates a PostgreSQL-backed entry repository.
func NewPersistentEntries(database *db.DB) *PersistentEntryRepository {
	return &PersistentEntryRepository{db: database}
}

func (r *PersistentEntryRepository) Create(ctx context.Context, e *kb.Entry) error {
	return r.db.CreateEntry(ctx, e)
}

func (r *PersistentEntryRepository) Get(ctx context.Context, id string) (*kb.Entry, error) {
	e, err := r.db.GetEntry(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	return e, err
}

func (r *PersistentEntryRepository) ChangesAfter(ctx context.Context, cursor kb.Cursor, limit int) ([]*kb.Entry, error) {
	return r.db.EntryChangesAfter(ctx, cursor, limit)
}

// PersistentSyncState persists the pull cursor in PostgreSQL.
type PersistentSyncState struct {
	db *db.DB
}

// NewPersistentSyncState creates a PostgreSQL-backed sync state store.
func NewPersistentSyncState(database *db.DB) *PersistentSyncState {
	return &PersistentSyncState{db: database}
}

func (s *PersistentSyncState) GetPullCursor(ctx context.Context) (kb.Cursor, error) {
	return s.db.GetPullCursor(ctx)
}

func (s *PersistentSyncState) SetPullCursor(ctx context.Context, c kb.Cursor) error {
	return s.db.SetPullCursor(ctx, c)
}
