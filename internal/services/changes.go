package services

import (
	"context"
	"fmt"
	"time"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/repository"
)

// ChangeFeed assembles the pull protocol's change stream: every document
// and knowledge entry positioned after the caller's cursor, in
// (updated_at, id) order, exactly once across pages.
type ChangeFeed struct {
	docs    repository.DocumentRepository
	entries repository.EntryRepository
}

// NewChangeFeed creates a ChangeFeed over both record sources.
func NewChangeFeed(docs repository.DocumentRepository, entries repository.EntryRepository) *ChangeFeed {
	return &ChangeFeed{docs: docs, entries: entries}
}

// Changes returns one page of the merged feed and the cursor for the next
// page. The cursor is the position of the last returned record, so a caller
// can resume even while concurrent writes land between pages.
func (f *ChangeFeed) Changes(ctx context.Context, cursor kb.Cursor, limit int) ([]kb.Change, kb.Cursor, error) {
	docs, err := f.docs.ChangesAfter(ctx, cursor, limit)
	if err != nil {
		return nil, cursor, fmt.Errorf("document changes: %w", err)
	}
	entries, err := f.entries.ChangesAfter(ctx, cursor, limit)
	if err != nil {
		return nil, cursor, fmt.Errorf("entry changes: %w", err)
	}

	// Merge the two (updated_at, id)-ordered streams.
	changes := make([]kb.Change, 0, len(docs)+len(entries))
	i, j := 0, 0
	for i < len(docs) && j < len(entries) {
		if before(docs[i].UpdatedAt, docs[i].ID, entries[j].UpdatedAt, entries[j].ID) {
			changes = append(changes, kb.DocumentChange(docs[i]))
			i++
		} else {
			changes = append(changes, kb.EntryChange(entries[j]))
			j++
		}
	}
	for ; i < len(docs); i++ {
		changes = append(changes, kb.DocumentChange(docs[i]))
	}
	for ; j < len(entries); j++ {
		changes = append(changes, kb.EntryChange(entries[j]))
	}

	if limit > 0 && len(changes) > limit {
		changes = changes[:limit]
	}
	next := cursor
	if len(changes) > 0 {
		last := changes[len(changes)-1]
		next = kb.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}
	}
	return changes, next, nil
}

// before reports whether position (t1, id1) sorts before (t2, id2).
func before(t1 time.Time, id1 string, t2 time.Time, id2 string) bool {
	if !t1.Equal(t2) {
		return t1.Before(t2)
	}
	return id1 < id2
}
