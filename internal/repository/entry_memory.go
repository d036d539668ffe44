package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
	memstore "github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/repository/memory"
)

// MemoryEntryRepository is a thread-safe in-memory EntryRepository.
type MemoryEntryRepository struct {
	store *memstore.Store[*kb.Entry]
}

// NewMemoryEntries creates an empty in-memory entry repository.
func NewMemoryEntries() *MemoryEntryRepository {
	return &MemoryEntryRepository{
		store: memstore.New(func(e *kb.Entry) string { return e.ID }),
	}
}

func (r *MemoryEntryRepository) Create(ctx context.Context, e *kb.Entry) error {
	cp := *e
	return r.store.Set(ctx, &cp)
}

func (r *MemoryEntryRepository) Get(ctx context.Context, id string) (*kb.Entry, error) {
	e, err := r.store.Get(ctx, id)
	if errors.Is(err, memstore.ErrNotFound) {
		return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	cp := *e
	return &cp, nil
}

func (r *MemoryEntryRepository) ChangesAfter(ctx context.Context, cursor kb.Cursor, limit int) ([]*kb.Entry, error) {
	matched, err := r.store.Filter(ctx, func(e *kb.Entry) bool {
		return cursor.After(e.UpdatedAt, e.ID)
	})
	if err != nil {
		return nil, err
	}
	out := make([]*kb.Entry, 0, len(matched))
	for _, e := range matched {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
