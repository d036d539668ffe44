package kb

import (
	"encoding/json"
	"time"
)

// ChangeKind identifies the record type carried by a pull-feed change.
type ChangeKind string

const (
	ChangeDocument ChangeKind = "document"
	ChangeEntry    ChangeKind = "entry"
)

// Change is one record in the pull change feed. Changes are ordered by
// (UpdatedAt, ID) so a caller can resume from the last record it saw even
// while new writes land between pages.
type Change struct {
	Kind      ChangeKind      `json:"kind"`
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

// DocumentChange wraps a document for the pull feed.
func DocumentChange(d *Document) Change {
	payload, _ := json.Marshal(d)
	return Change{Kind: ChangeDocument, ID: d.ID, UpdatedAt: d.UpdatedAt, Payload: payload}
}

// EntryChange wraps an entry for the pull feed.
func EntryChange(e *Entry) Change {
	payload, _ := json.Marshal(e)
	return Change{Kind: ChangeEntry, ID: e.ID, UpdatedAt: e.UpdatedAt, Payload: payload}
}

// Cursor is a resumable position in an (updated_at, id) ordered listing.
// The zero value means "from the beginning".
type Cursor struct {
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
}

// IsZero reports whether the cursor is the start-of-feed position.
func (c Cursor) IsZero() bool {
	return c.UpdatedAt.IsZero() && c.ID == ""
}

// After reports whether the record position (updatedAt, id) sorts strictly
// after the cursor. A cursor with an empty ID (a plain "since" timestamp)
// admits strictly newer timestamps only, so pulling with since=lastSeen
// never re-delivers the last record.
func (c Cursor) After(updatedAt time.Time, id string) bool {
	if updatedAt.After(c.UpdatedAt) {
		return true
	}
	if updatedAt.Equal(c.UpdatedAt) && c.ID != "" {
		return id > c.ID
	}
	return false
}
