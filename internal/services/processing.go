// Package services implements the document processing state machine and
// the cloud-side half of the sync protocol.
package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/extract"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/repository"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/storage"
)

const (
	// DefaultMaxAttempts is the claim-attempt ceiling before a document is
	// failed instead of requeued.
	DefaultMaxAttempts = 5
	// DefaultClaimTTL is how long a claim may sit unresolved before another
	// worker may reclaim the document.
	DefaultClaimTTL = 30 * time.Minute

	maxRetriesReason = "max retries exceeded"
)

// ProcessingService owns the document lifecycle: upload-time extraction,
// queueing for the paired instance, claims, and merge of pushed results.
type ProcessingService struct {
	docs     repository.DocumentRepository
	store    storage.Storage
	registry *extract.Registry

	MaxAttempts int
	ClaimTTL    time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// NewProcessingService creates a ProcessingService for the given tier's
// engine registry.
func NewProcessingService(docs repository.DocumentRepository, store storage.Storage, registry *extract.Registry) *ProcessingService {
	return &ProcessingService{
		docs:        docs,
		store:       store,
		registry:    registry,
		MaxAttempts: DefaultMaxAttempts,
		ClaimTTL:    DefaultClaimTTL,
		now:         time.Now,
	}
}

// SetNow replaces the service clock. Test hook.
func (s *ProcessingService) SetNow(now func() time.Time) { s.now = now }

// Tier returns the capability tier this service extracts at.
func (s *ProcessingService) Tier() kb.Tier { return s.registry.Tier() }

// Ingest accepts an uploaded file, stores its raw bytes, and runs the
// upload-time extraction decision. The returned document is always in a
// well-defined state: completed, needs_local, or failed — never a hang.
func (s *ProcessingService) Ingest(ctx context.Context, title, filename, contentType string, data []byte) (*kb.Document, error) {
	if title == "" {
		title = filename
	}
	doc := kb.NewDocument(title, filename, contentType)
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	if _, err := s.store.Save(ctx, doc.ID, filename, contentType, bytes.NewReader(data)); err != nil {
		doc.Fail(fmt.Sprintf("store raw file: %v", err), s.now())
		_ = s.docs.Update(ctx, doc)
		return doc, nil
	}

	doc.MarkProcessing(s.now())
	if err := s.docs.Update(ctx, doc); err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}

	fileType := extract.FileType(filename, contentType)
	decision, err := s.registry.Select(fileType)
	if errors.Is(err, extract.ErrUnsupportedType) || fileType == "" {
		doc.Fail(fmt.Sprintf("unsupported file type: %q (%s)", filename, contentType), s.now())
		_ = s.docs.Update(ctx, doc)
		slog.Info("upload rejected: unsupported type", "id", doc.ID, "filename", filename, "content_type", contentType)
		return doc, nil
	}

	if decision.Engine == nil {
		// This tier cannot extract the format; queue for the paired
		// full-capability instance.
		doc.MarkNeedsLocal("", s.now())
		_ = s.docs.Update(ctx, doc)
		slog.Info("document queued for local processing", "id", doc.ID, "type", fileType)
		return doc, nil
	}

	result, err := decision.Engine.Extract(ctx, bytes.NewReader(data))
	if err != nil {
		doc.Fail(fmt.Sprintf("extraction failed: %v", err), s.now())
		_ = s.docs.Update(ctx, doc)
		slog.Warn("upload extraction failed", "id", doc.ID, "engine", decision.Engine.Name(), "err", err)
		return doc, nil
	}

	if !decision.Final || !result.Complete {
		doc.MarkNeedsLocal(result.Text, s.now())
		_ = s.docs.Update(ctx, doc)
		slog.Info("document needs full processing", "id", doc.ID, "engine", decision.Engine.Name())
		return doc, nil
	}

	mode := kb.ModeCloudBasic
	if s.registry.Tier() == kb.TierLocal {
		mode = kb.ModeLocalFull
	}
	doc.Complete(result.Text, mode, s.registry.Tier(), s.now())
	if err := s.docs.Update(ctx, doc); err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}
	return doc, nil
}

// Get returns a document by ID.
func (s *ProcessingService) Get(ctx context.Context, id string) (*kb.Document, error) {
	return s.docs.Get(ctx, id)
}

// List returns all documents ordered by (updated_at, id).
func (s *ProcessingService) List(ctx context.Context) ([]*kb.Document, error) {
	return s.docs.List(ctx)
}

// Stats returns document counts per status and mode.
func (s *ProcessingService) Stats(ctx context.Context) (*kb.ProcessingStats, error) {
	return s.docs.Stats(ctx)
}
