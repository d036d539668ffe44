// Package storage persists the raw bytes of uploaded documents so the sync
// protocol can serve them to the paired instance for full processing.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when the requested file does not exist.
var ErrNotFound = errors.New("file not found")

// FileInfo describes a stored file.
type FileInfo struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Path        string    `json:"path"`
	CreatedAt   time.Time `json:"created_at"`
}

// Storage is the interface for raw-file persistence backends. Files are
// keyed by the owning document's ID.
type Storage interface {
	// Save stores a file under id and returns its metadata.
	Save(ctx context.Context, id, filename, contentType string, reader io.Reader) (*FileInfo, error)
	// Get retrieves a file by ID.
	Get(ctx context.Context, id string) (*FileInfo, io.ReadCloser, error)
	// Delete removes a file by ID.
	Delete(ctx context.Context, id string) error
	// List returns all stored files.
	List(ctx context.Context) ([]FileInfo, error)
}
