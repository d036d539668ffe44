package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/repository"
)

func newCloudService(t *testing.T) (*ProcessingService, *repository.MemoryDocumentRepository) {
	t.Helper()
	return newTestService(t, kb.TierCloud)
}

func queueDoc(t *testing.T, docs *repository.MemoryDocumentRepository, title string, at time.Time) *kb.Document {
	t.Helper()
	d := kb.NewDocument(title, title+".docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document")
	d.CreatedAt = at
	d.UpdatedAt = at
	d.Status = kb.StatusNeedsLocal
	d.NeedsFullProcessing = true
	if err := docs.Create(context.Background(), d); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return d
}

func TestClaimUnprocessed(t *testing.T) {
	svc, docs := newCloudService(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		queueDoc(t, docs, fmt.Sprintf("doc-%d", i), base.Add(time.Duration(i)*time.Second))
	}

	claimed, _, err := svc.ClaimUnprocessed(ctx, kb.Cursor{}, 10)
	if err != nil {
		t.Fatalf("ClaimUnprocessed: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d, want 3", len(claimed))
	}
	tokens := make(map[string]bool)
	for _, d := range claimed {
		if d.Status != kb.StatusProcessing {
			t.Errorf("%s Status = %q, want processing", d.ID, d.Status)
		}
		if d.ClaimToken == "" {
			t.Errorf("%s has no claim token", d.ID)
		}
		if tokens[d.ClaimToken] {
			t.Errorf("claim token %q reused", d.ClaimToken)
		}
		tokens[d.ClaimToken] = true
		if d.Attempts != 1 {
			t.Errorf("%s Attempts = %d, want 1", d.ID, d.Attempts)
		}
	}

	// Everything is claimed now; a second pass finds nothing.
	again, _, err := svc.ClaimUnprocessed(ctx, kb.Cursor{}, 10)
	if err != nil {
		t.Fatalf("ClaimUnprocessed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim pass returned %d documents", len(again))
	}
}

func TestClaimUnprocessed_ExhaustedAttemptsFail(t *testing.T) {
	svc, docs := newCloudService(t)
	ctx := context.Background()

	d := queueDoc(t, docs, "flaky", time.Now().UTC())
	d.Attempts = svc.MaxAttempts
	if err := docs.Update(ctx, d); err != nil {
		t.Fatalf("Update: %v", err)
	}

	claimed, _, err := svc.ClaimUnprocessed(ctx, kb.Cursor{}, 10)
	if err != nil {
		t.Fatalf("ClaimUnprocessed: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("exhausted document must not be claimable, got %d", len(claimed))
	}

	got, err := docs.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != kb.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.FailureReason != "max retries exceeded" {
		t.Errorf("FailureReason = %q", got.FailureReason)
	}
}

func TestMergeProcessed_Accept(t *testing.T) {
	svc, docs := newCloudService(t)
	ctx := context.Background()

	queueDoc(t, docs, "plan", time.Now().UTC())
	claimed, _, err := svc.ClaimUnprocessed(ctx, kb.Cursor{}, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimUnprocessed: %v, n=%d", err, len(claimed))
	}
	doc := claimed[0]

	content := "Full shelter plan text."
	merged, err := svc.MergeProcessed(ctx, doc.ID, Submission{
		ClaimToken:  doc.ClaimToken,
		Content:     content,
		ContentHash: kb.ContentHash(content),
		Metadata:    map[string]string{"engine": "docx"},
	})
	if err != nil {
		t.Fatalf("MergeProcessed: %v", err)
	}
	if merged.Status != kb.StatusCompleted {
		t.Errorf("Status = %q, want completed", merged.Status)
	}
	if merged.Mode != kb.ModeLocalFull {
		t.Errorf("Mode = %q, want local_full", merged.Mode)
	}
	if merged.SourceInstance != kb.TierLocal {
		t.Errorf("SourceInstance = %q, want local", merged.SourceInstance)
	}
	if merged.NeedsFullProcessing {
		t.Error("merged document must clear the full-processing flag")
	}
	if merged.Metadata["engine"] != "docx" {
		t.Errorf("Metadata = %v", merged.Metadata)
	}
	if merged.ClaimToken != "" || merged.ClaimedAt != nil {
		t.Error("claim must be cleared after merge")
	}
}

func TestMergeProcessed_IdempotentReplay(t *testing.T) {
	svc, docs := newCloudService(t)
	ctx := context.Background()

	queueDoc(t, docs, "plan", time.Now().UTC())
	claimed, _, _ := svc.ClaimUnprocessed(ctx, kb.Cursor{}, 1)
	doc := claimed[0]

	content := "Full shelter plan text."
	sub := Submission{ClaimToken: doc.ClaimToken, Content: content, ContentHash: kb.ContentHash(content)}
	first, err := svc.MergeProcessed(ctx, doc.ID, sub)
	if err != nil {
		t.Fatalf("first MergeProcessed: %v", err)
	}

	// Replaying the identical submission (e.g. after a lost response) is a
	// no-op, even though the claim token is long gone.
	replay, err := svc.MergeProcessed(ctx, doc.ID, sub)
	if err != nil {
		t.Fatalf("replay MergeProcessed: %v", err)
	}
	if !replay.UpdatedAt.Equal(first.UpdatedAt) {
		t.Error("replay must not rewrite the document")
	}
}

func TestMergeProcessed_ConflictRejected(t *testing.T) {
	svc, docs := newCloudService(t)
	ctx := context.Background()

	queueDoc(t, docs, "plan", time.Now().UTC())
	claimed, _, _ := svc.ClaimUnprocessed(ctx, kb.Cursor{}, 1)
	doc := claimed[0]

	accepted := "First accepted result."
	if _, err := svc.MergeProcessed(ctx, doc.ID, Submission{
		ClaimToken: doc.ClaimToken, Content: accepted, ContentHash: kb.ContentHash(accepted),
	}); err != nil {
		t.Fatalf("MergeProcessed: %v", err)
	}

	other := "A different result."
	_, err := svc.MergeProcessed(ctx, doc.ID, Submission{
		ClaimToken: doc.ClaimToken, Content: other, ContentHash: kb.ContentHash(other),
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	got, _ := docs.Get(ctx, doc.ID)
	if got.Content != accepted {
		t.Error("accepted content must survive a conflicting push")
	}
}

func TestMergeProcessed_StaleClaim(t *testing.T) {
	svc, docs := newCloudService(t)
	ctx := context.Background()

	queueDoc(t, docs, "plan", time.Now().UTC())
	claimed, _, _ := svc.ClaimUnprocessed(ctx, kb.Cursor{}, 1)
	doc := claimed[0]

	_, err := svc.MergeProcessed(ctx, doc.ID, Submission{
		ClaimToken: "not-the-token", Content: "x", ContentHash: kb.ContentHash("x"),
	})
	if !errors.Is(err, ErrStaleClaim) {
		t.Fatalf("err = %v, want ErrStaleClaim", err)
	}
	_, err = svc.MergeProcessed(ctx, doc.ID, Submission{
		Content: "x", ContentHash: kb.ContentHash("x"),
	})
	if !errors.Is(err, ErrStaleClaim) {
		t.Fatalf("empty token: err = %v, want ErrStaleClaim", err)
	}
}

func TestMergeProcessed_EmptyContentRequeues(t *testing.T) {
	svc, docs := newCloudService(t)
	ctx := context.Background()

	queueDoc(t, docs, "plan", time.Now().UTC())
	claimed, _, _ := svc.ClaimUnprocessed(ctx, kb.Cursor{}, 1)
	doc := claimed[0]

	_, err := svc.MergeProcessed(ctx, doc.ID, Submission{ClaimToken: doc.ClaimToken})
	if !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("err = %v, want ErrEmptyContent", err)
	}

	got, _ := docs.Get(ctx, doc.ID)
	if got.Status != kb.StatusNeedsLocal {
		t.Errorf("Status = %q, want needs_local", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 (kept after requeue)", got.Attempts)
	}
}

func TestMergeProcessed_HashMismatchRequeues(t *testing.T) {
	svc, docs := newCloudService(t)
	ctx := context.Background()

	queueDoc(t, docs, "plan", time.Now().UTC())
	claimed, _, _ := svc.ClaimUnprocessed(ctx, kb.Cursor{}, 1)
	doc := claimed[0]

	_, err := svc.MergeProcessed(ctx, doc.ID, Submission{
		ClaimToken:  doc.ClaimToken,
		Content:     "real content",
		ContentHash: kb.ContentHash("something else"),
	})
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("err = %v, want ErrHashMismatch", err)
	}
	got, _ := docs.Get(ctx, doc.ID)
	if got.Status != kb.StatusNeedsLocal {
		t.Errorf("Status = %q, want needs_local", got.Status)
	}
}

func TestMergeProcessed_FailureMarker(t *testing.T) {
	svc, docs := newCloudService(t)
	ctx := context.Background()

	queueDoc(t, docs, "scan", time.Now().UTC())
	claimed, _, _ := svc.ClaimUnprocessed(ctx, kb.Cursor{}, 1)
	doc := claimed[0]

	merged, err := svc.MergeProcessed(ctx, doc.ID, Submission{
		ClaimToken:    doc.ClaimToken,
		Failed:        true,
		FailureReason: "pdf has no extractable text layer",
	})
	if err != nil {
		t.Fatalf("MergeProcessed: %v", err)
	}
	if merged.Status != kb.StatusFailed {
		t.Errorf("Status = %q, want failed", merged.Status)
	}
	if merged.FailureReason != "pdf has no extractable text layer" {
		t.Errorf("FailureReason = %q", merged.FailureReason)
	}
}

func TestMergeProcessed_RequeueHitsAttemptCeiling(t *testing.T) {
	svc, docs := newCloudService(t)
	svc.MaxAttempts = 2
	svc.ClaimTTL = 0 // claims are immediately reclaimable
	ctx := context.Background()

	queueDoc(t, docs, "plan", time.Now().UTC())

	var lastErr error
	for i := 0; i < svc.MaxAttempts; i++ {
		claimed, _, err := svc.ClaimUnprocessed(ctx, kb.Cursor{}, 1)
		if err != nil {
			t.Fatalf("ClaimUnprocessed: %v", err)
		}
		if len(claimed) != 1 {
			t.Fatalf("attempt %d: claimed %d, want 1", i+1, len(claimed))
		}
		_, lastErr = svc.MergeProcessed(ctx, claimed[0].ID, Submission{ClaimToken: claimed[0].ClaimToken})
	}
	if !errors.Is(lastErr, ErrEmptyContent) {
		t.Fatalf("lastErr = %v, want ErrEmptyContent", lastErr)
	}

	all, _ := docs.List(ctx)
	if len(all) != 1 {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].Status != kb.StatusFailed {
		t.Errorf("Status = %q, want failed after %d rejected attempts", all[0].Status, svc.MaxAttempts)
	}
	if all[0].FailureReason != "max retries exceeded" {
		t.Errorf("FailureReason = %q", all[0].FailureReason)
	}
}

func TestMergeProcessed_NotFound(t *testing.T) {
	svc, _ := newCloudService(t)
	_, err := svc.MergeProcessed(context.Background(), "doc_missing", Submission{ClaimToken: "t"})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
