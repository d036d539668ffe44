package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/repository"
)

// ErrConflict is returned when a push would displace an already-accepted
// local_full result with different content. The existing content wins.
var ErrConflict = errors.New("conflicting local result already accepted")

// ErrStaleClaim is returned when a submission carries a claim token that no
// longer owns the document.
var ErrStaleClaim = errors.New("stale claim token")

// ErrEmptyContent is returned when a successful submission carries no
// content. The document returns to the queue.
var ErrEmptyContent = errors.New("empty content")

// ErrHashMismatch is returned when the declared content hash does not match
// the submitted content.
var ErrHashMismatch = errors.New("content hash mismatch")

// Submission is the payload of a "submit processed" push from the local
// instance.
type Submission struct {
	ClaimToken    string            `json:"claim_token"`
	Content       string            `json:"content"`
	ContentHash   string            `json:"content_hash"`
	Metadata      map[string]string `json:"extracted_metadata,omitempty"`
	Failed        bool              `json:"failed,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
}

// ClaimUnprocessed returns one page of claimable documents, each atomically
// transitioned to processing under a fresh claim token. Documents that have
// exhausted their attempts are failed instead of returned. The second value
// is the cursor for the next page.
func (s *ProcessingService) ClaimUnprocessed(ctx context.Context, cursor kb.Cursor, limit int) ([]*kb.Document, kb.Cursor, error) {
	now := s.now()
	staleBefore := now.Add(-s.ClaimTTL)

	candidates, err := s.docs.ListUnprocessed(ctx, cursor, limit, staleBefore)
	if err != nil {
		return nil, cursor, fmt.Errorf("list unprocessed: %w", err)
	}

	next := cursor
	var claimed []*kb.Document
	for _, cand := range candidates {
		next = kb.Cursor{UpdatedAt: cand.UpdatedAt, ID: cand.ID}

		if cand.Attempts >= s.MaxAttempts {
			cand.Fail(maxRetriesReason, s.now())
			if err := s.docs.Update(ctx, cand); err != nil {
				slog.Warn("failed to sideline exhausted document", "id", cand.ID, "err", err)
			} else {
				slog.Warn("document exceeded claim attempts", "id", cand.ID, "attempts", cand.Attempts)
			}
			continue
		}

		doc, err := s.docs.Claim(ctx, cand.ID, uuid.NewString(), s.now(), staleBefore)
		if errors.Is(err, repository.ErrClaimLost) {
			continue // another worker won the race
		}
		if err != nil {
			return claimed, next, fmt.Errorf("claim %s: %w", cand.ID, err)
		}
		claimed = append(claimed, doc)
	}
	return claimed, next, nil
}

// MergeProcessed reconciles a pushed extraction result into the document
// record. It is idempotent for identical {document, content_hash} pairs and
// rejects out-of-order or duplicate local results that disagree with an
// already-accepted one.
func (s *ProcessingService) MergeProcessed(ctx context.Context, id string, sub Submission) (*kb.Document, error) {
	doc, err := s.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Idempotent replay: the same result was already accepted.
	if doc.Status == kb.StatusCompleted && doc.Mode == kb.ModeLocalFull && doc.ContentHash == sub.ContentHash {
		return doc, nil
	}

	// A different local_full result is already in place; correctness favors
	// the accepted content over freshness. Logged for the operator, never
	// silently dropped.
	if doc.Mode == kb.ModeLocalFull {
		slog.Warn("rejecting conflicting local result",
			"id", doc.ID, "accepted_hash", doc.ContentHash, "pushed_hash", sub.ContentHash)
		return nil, fmt.Errorf("document %s: %w", id, ErrConflict)
	}

	if sub.ClaimToken == "" || sub.ClaimToken != doc.ClaimToken {
		return nil, fmt.Errorf("document %s: %w", id, ErrStaleClaim)
	}

	// The local engine could not extract this document; record the terminal
	// failure so it stops cycling through the queue.
	if sub.Failed {
		reason := sub.FailureReason
		if reason == "" {
			reason = "local extraction failed"
		}
		doc.Fail(reason, s.now())
		if err := s.docs.Update(ctx, doc); err != nil {
			return nil, fmt.Errorf("update document: %w", err)
		}
		return doc, nil
	}

	if sub.Content == "" {
		s.requeue(ctx, doc)
		return nil, fmt.Errorf("document %s: %w", id, ErrEmptyContent)
	}
	if sub.ContentHash != "" && sub.ContentHash != kb.ContentHash(sub.Content) {
		s.requeue(ctx, doc)
		return nil, fmt.Errorf("document %s: %w", id, ErrHashMismatch)
	}

	doc.Metadata = sub.Metadata
	doc.Complete(sub.Content, kb.ModeLocalFull, kb.TierLocal, s.now())
	if err := s.docs.Update(ctx, doc); err != nil {
		return nil, fmt.Errorf("update document: %w", err)
	}
	slog.Info("merged local extraction result", "id", doc.ID, "hash", doc.ContentHash)
	return doc, nil
}

// requeue returns a claimed document to needs_local after a rejected
// submission, or fails it once its attempts are exhausted.
func (s *ProcessingService) requeue(ctx context.Context, doc *kb.Document) {
	if doc.Attempts >= s.MaxAttempts {
		doc.Fail(maxRetriesReason, s.now())
	} else {
		doc.Release(s.now())
	}
	if err := s.docs.Update(ctx, doc); err != nil {
		slog.Warn("failed to requeue document", "id", doc.ID, "err", err)
	}
}
