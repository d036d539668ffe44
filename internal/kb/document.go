// Package kb defines the knowledge-base domain types shared by the
// processing pipeline, the sync protocol, and the storage layer.
package kb

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ProcessingStatus is the lifecycle state of a document. Exactly one holds
// at any time.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusNeedsLocal ProcessingStatus = "needs_local"
	StatusFailed     ProcessingStatus = "failed"
)

// Terminal reports whether no further automatic transition occurs.
func (s ProcessingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ProcessingMode records which engine produced the current content.
type ProcessingMode string

const (
	ModeCloudBasic ProcessingMode = "cloud_basic"
	ModeLocalFull  ProcessingMode = "local_full"
)

// Tier is the extraction capability of an instance.
type Tier string

const (
	TierCloud Tier = "cloud"
	TierLocal Tier = "local"
)

// Document is the unit of work for the processing pipeline.
type Document struct {
	ID                  string            `json:"id"`
	Title               string            `json:"title"`
	OriginalFilename    string            `json:"original_filename"`
	ContentType         string            `json:"content_type"`
	Content             string            `json:"content,omitempty"`
	Status              ProcessingStatus  `json:"processing_status"`
	Mode                ProcessingMode    `json:"processing_mode,omitempty"`
	NeedsFullProcessing bool              `json:"needs_full_processing"`
	ContentHash         string            `json:"content_hash,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	Attempts            int               `json:"attempts"`
	ClaimToken          string            `json:"claim_token,omitempty"`
	ClaimedAt           *time.Time        `json:"claimed_at,omitempty"`
	SourceInstance      Tier              `json:"source_instance,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// NewDocument creates a pending document. The ID is assigned once and never
// reused.
func NewDocument(title, filename, contentType string) *Document {
	now := time.Now().UTC()
	return &Document{
		ID:               GenerateID("doc"),
		Title:            title,
		OriginalFilename: filename,
		ContentType:      contentType,
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// touch bumps UpdatedAt. It must strictly increase on every mutation so the
// pull feed's cursor never stalls; if the clock has not advanced past the
// previous value, nudge forward by a microsecond.
func (d *Document) touch(now time.Time) {
	now = now.UTC()
	if !now.After(d.UpdatedAt) {
		now = d.UpdatedAt.Add(time.Microsecond)
	}
	d.UpdatedAt = now
}

// MarkProcessing enters the processing state at upload, before the engine
// runs.
func (d *Document) MarkProcessing(now time.Time) {
	d.Status = StatusProcessing
	d.touch(now)
}

// Complete records a final extraction result.
func (d *Document) Complete(content string, mode ProcessingMode, source Tier, now time.Time) {
	d.Content = content
	d.ContentHash = ContentHash(content)
	d.Status = StatusCompleted
	d.Mode = mode
	d.SourceInstance = source
	d.NeedsFullProcessing = false
	d.FailureReason = ""
	d.ClaimToken = ""
	d.ClaimedAt = nil
	d.touch(now)
}

// MarkNeedsLocal queues the document for full processing on the paired
// local instance. A basic extraction may be kept as provisional content.
func (d *Document) MarkNeedsLocal(provisional string, now time.Time) {
	d.Status = StatusNeedsLocal
	d.NeedsFullProcessing = true
	if provisional != "" {
		d.Content = provisional
		d.ContentHash = ContentHash(provisional)
		d.Mode = ModeCloudBasic
		d.SourceInstance = TierCloud
	}
	d.ClaimToken = ""
	d.ClaimedAt = nil
	d.touch(now)
}

// Fail records a terminal failure with a reason.
func (d *Document) Fail(reason string, now time.Time) {
	d.Status = StatusFailed
	d.FailureReason = reason
	d.ClaimToken = ""
	d.ClaimedAt = nil
	d.touch(now)
}

// Claim takes ownership for one processing attempt. Callers must go through
// the repository's conditional-update Claim, which enforces exclusivity;
// this method only applies the resulting state.
func (d *Document) Claim(token string, now time.Time) {
	d.Status = StatusProcessing
	d.ClaimToken = token
	t := now.UTC()
	d.ClaimedAt = &t
	d.Attempts++
	d.touch(now)
}

// Release returns a claimed document to the queue after a transient
// failure. The attempt counter keeps its incremented value.
func (d *Document) Release(now time.Time) {
	d.Status = StatusNeedsLocal
	d.ClaimToken = ""
	d.ClaimedAt = nil
	d.touch(now)
}

// ContentHash returns the SHA-256 hex checksum of the canonical extracted
// content, used for idempotent push/merge.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ProcessingStats reports document counts per status and per mode.
type ProcessingStats struct {
	ByStatus map[ProcessingStatus]int `json:"by_status"`
	ByMode   map[ProcessingMode]int   `json:"by_mode"`
	Total    int                      `json:"total"`
}
