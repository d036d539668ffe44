package repository

import (
	"context"
	"sync"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
)

// MemorySyncState keeps the pull cursor in memory. A restart loses the
// cursor and the worker re-pulls from the beginning, which the pull
// protocol tolerates (applies are idempotent upserts).
type MemorySyncState struct {
	mu     sync.Mutex
	cursor kb.Cursor
}

// NewMemorySyncState creates a zero-cursor sync state.
func NewMemorySyncState() *MemorySyncState {
	return &MemorySyncState{}
}

func (s *MemorySyncState) GetPullCursor(_ context.Context) (kb.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor, nil
}

func (s *MemorySyncState) SetPullCursor(_ context.Context, c kb.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = c
	return nil
}
