package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
)

// MemoryDocumentRepository is a thread-safe in-memory DocumentRepository.
// It stores copies, never caller pointers, so the claim discipline can't be
// bypassed by mutating a shared document.
type MemoryDocumentRepository struct {
	mu   sync.RWMutex
	docs map[string]kb.Document
}

// NewMemoryDocuments creates an empty in-memory document repository.
func NewMemoryDocuments() *MemoryDocumentRepository {
	return &MemoryDocumentRepository{docs: make(map[string]kb.Document)}
}

func (r *MemoryDocumentRepository) Create(_ context.Context, d *kb.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[d.ID]; ok {
		return fmt.Errorf("document %s already exists", d.ID)
	}
	r.docs[d.ID] = *d
	return nil
}

func (r *MemoryDocumentRepository) Get(_ context.Context, id string) (*kb.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	return &d, nil
}

func (r *MemoryDocumentRepository) Update(_ context.Context, d *kb.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[d.ID]; !ok {
		return fmt.Errorf("document %s: %w", d.ID, ErrNotFound)
	}
	r.docs[d.ID] = *d
	return nil
}

func (r *MemoryDocumentRepository) List(_ context.Context) ([]*kb.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*kb.Document, 0, len(r.docs))
	for id := range r.docs {
		d := r.docs[id]
		out = append(out, &d)
	}
	sortByPosition(out)
	return out, nil
}

func (r *MemoryDocumentRepository) ListUnprocessed(_ context.Context, cursor kb.Cursor, limit int, staleBefore time.Time) ([]*kb.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*kb.Document
	for id := range r.docs {
		d := r.docs[id]
		if !claimable(&d, staleBefore) || !cursor.After(d.UpdatedAt, d.ID) {
			continue
		}
		out = append(out, &d)
	}
	sortByPosition(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryDocumentRepository) Claim(_ context.Context, id, token string, now, staleBefore time.Time) (*kb.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if !claimable(&d, staleBefore) {
		return nil, fmt.Errorf("document %s in %s: %w", id, d.Status, ErrClaimLost)
	}
	d.Claim(token, now)
	r.docs[id] = d
	return &d, nil
}

func (r *MemoryDocumentRepository) ChangesAfter(_ context.Context, cursor kb.Cursor, limit int) ([]*kb.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*kb.Document
	for id := range r.docs {
		d := r.docs[id]
		if !cursor.After(d.UpdatedAt, d.ID) {
			continue
		}
		out = append(out, &d)
	}
	sortByPosition(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryDocumentRepository) Stats(_ context.Context) (*kb.ProcessingStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := &kb.ProcessingStats{
		ByStatus: make(map[kb.ProcessingStatus]int),
		ByMode:   make(map[kb.ProcessingMode]int),
	}
	for _, d := range r.docs {
		stats.ByStatus[d.Status]++
		if d.Mode != "" {
			stats.ByMode[d.Mode]++
		}
		stats.Total++
	}
	return stats, nil
}

// claimable reports whether a document may be claimed: queued for local
// processing, or held by a claim that went stale before staleBefore.
func claimable(d *kb.Document, staleBefore time.Time) bool {
	if d.Status == kb.StatusNeedsLocal {
		return true
	}
	return d.Status == kb.StatusProcessing && d.ClaimedAt != nil && d.ClaimedAt.Before(staleBefore)
}

// sortByPosition orders documents by (updated_at, id), the pagination key.
func sortByPosition(docs []*kb.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].UpdatedAt.Before(docs[j].UpdatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}
