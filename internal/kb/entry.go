package kb

import "time"

// Entry is a knowledge-base entry created through the external CRUD
// surface. This subsystem only reads entries, to include them in the pull
// change feed; their lifecycle is owned elsewhere.
type Entry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEntry creates an entry record. Used by seeding and tests; the
// user-facing create path lives outside this subsystem.
func NewEntry(title, body string) *Entry {
	now := time.Now().UTC()
	return &Entry{
		ID:        GenerateID("entry"),
		Title:     title,
		Body:      body,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
