package kb

import (
	"testing"
	"time"
)

func TestDocumentLifecycle_CloudBasic(t *testing.T) {
	doc := NewDocument("notes", "notes.txt", "text/plain")
	if doc.Status != StatusPending {
		t.Fatalf("status: got %s, want pending", doc.Status)
	}
	if doc.ID == "" {
		t.Fatal("ID should not be empty")
	}

	now := time.Now()
	doc.MarkProcessing(now)
	if doc.Status != StatusProcessing {
		t.Fatalf("status: got %s, want processing", doc.Status)
	}

	doc.Complete("hello", ModeCloudBasic, TierCloud, now)
	if doc.Status != StatusCompleted {
		t.Errorf("status: got %s, want completed", doc.Status)
	}
	if doc.Mode != ModeCloudBasic {
		t.Errorf("mode: got %s", doc.Mode)
	}
	if doc.ContentHash != ContentHash("hello") {
		t.Errorf("hash: got %s", doc.ContentHash)
	}
	if doc.NeedsFullProcessing {
		t.Error("completed basic doc should not need full processing")
	}
}

func TestDocumentLifecycle_NeedsLocal(t *testing.T) {
	doc := NewDocument("report", "report.docx", "")
	now := time.Now()
	doc.MarkProcessing(now)
	doc.MarkNeedsLocal("", now)

	if doc.Status != StatusNeedsLocal {
		t.Fatalf("status: got %s, want needs_local", doc.Status)
	}
	if !doc.NeedsFullProcessing {
		t.Fatal("needs_full_processing should be set")
	}

	doc.Claim("tok-1", now)
	if doc.Status != StatusProcessing {
		t.Errorf("status after claim: got %s", doc.Status)
	}
	if doc.Attempts != 1 {
		t.Errorf("attempts: got %d, want 1", doc.Attempts)
	}
	if doc.ClaimToken != "tok-1" || doc.ClaimedAt == nil {
		t.Error("claim token/timestamp not recorded")
	}

	doc.Release(now)
	if doc.Status != StatusNeedsLocal {
		t.Errorf("status after release: got %s", doc.Status)
	}
	if doc.ClaimToken != "" || doc.ClaimedAt != nil {
		t.Error("release should clear the claim")
	}
	if doc.Attempts != 1 {
		t.Errorf("attempts after release: got %d, want 1", doc.Attempts)
	}

	doc.Claim("tok-2", now)
	doc.Complete("full text", ModeLocalFull, TierLocal, now)
	if doc.Status != StatusCompleted || doc.Mode != ModeLocalFull {
		t.Errorf("final state: %s/%s", doc.Status, doc.Mode)
	}
	if doc.NeedsFullProcessing {
		t.Error("completed doc should not need full processing")
	}
	if doc.ClaimToken != "" {
		t.Error("complete should clear the claim token")
	}
}

func TestDocumentFail(t *testing.T) {
	doc := NewDocument("x", "x.bin", "application/octet-stream")
	doc.MarkProcessing(time.Now())
	doc.Fail("unsupported file type", time.Now())
	if doc.Status != StatusFailed {
		t.Fatalf("status: got %s", doc.Status)
	}
	if doc.FailureReason == "" {
		t.Error("failure reason should be recorded")
	}
	if !doc.Status.Terminal() {
		t.Error("failed should be terminal")
	}
}

func TestUpdatedAtStrictlyIncreases(t *testing.T) {
	doc := NewDocument("t", "t.txt", "text/plain")
	// Drive every transition with the same wall-clock instant; UpdatedAt
	// must still advance each time.
	fixed := doc.CreatedAt
	prev := doc.UpdatedAt

	doc.MarkProcessing(fixed)
	if !doc.UpdatedAt.After(prev) {
		t.Fatal("MarkProcessing did not advance UpdatedAt")
	}
	prev = doc.UpdatedAt

	doc.MarkNeedsLocal("partial", fixed)
	if !doc.UpdatedAt.After(prev) {
		t.Fatal("MarkNeedsLocal did not advance UpdatedAt")
	}
	prev = doc.UpdatedAt

	doc.Claim("tok", fixed)
	if !doc.UpdatedAt.After(prev) {
		t.Fatal("Claim did not advance UpdatedAt")
	}
	prev = doc.UpdatedAt

	doc.Complete("text", ModeLocalFull, TierLocal, fixed)
	if !doc.UpdatedAt.After(prev) {
		t.Fatal("Complete did not advance UpdatedAt")
	}
}

func TestContentHashDeterministic(t *testing.T) {
	if ContentHash("abc") != ContentHash("abc") {
		t.Error("hash should be deterministic")
	}
	if ContentHash("abc") == ContentHash("abd") {
		t.Error("different content should hash differently")
	}
	if len(ContentHash("")) != 64 {
		t.Errorf("hash length: got %d, want 64", len(ContentHash("")))
	}
}
