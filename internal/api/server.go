// Package api exposes the HTTP surface: document upload/status for callers
// and the machine-to-machine sync protocol for the paired instance.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/services"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/storage"
)

type Server struct {
	processing *services.ProcessingService
	feed       *services.ChangeFeed
	storage    storage.Storage

	sharedSecret string
	syncEnabled  bool

	mu         sync.Mutex
	lastPushAt time.Time
}

// NewServer creates a Server over the processing service and change feed.
func NewServer(processing *services.ProcessingService, feed *services.ChangeFeed, store storage.Storage) *Server {
	return &Server{
		processing: processing,
		feed:       feed,
		storage:    store,
	}
}

// SetSyncAuth configures the shared secret required on /api/sync routes and
// whether this instance participates in sync at all.
func (s *Server) SetSyncAuth(secret string, enabled bool) {
	s.sharedSecret = secret
	s.syncEnabled = enabled
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	}))
	r.Route("/api", func(r chi.Router) {
		r.Route("/documents", func(r chi.Router) {
			r.Post("/upload", s.uploadDocument)
			r.Get("/", s.listDocuments)
			r.Get("/processing/stats", s.processingStats)
			r.Get("/{id}", s.getDocument)
			r.Get("/{id}/status", s.documentStatus)
		})
		r.Route("/sync", func(r chi.Router) {
			r.Use(s.requireSharedSecret)
			r.Get("/documents/unprocessed", s.listUnprocessed)
			r.Get("/documents/{id}/raw", s.serveRaw)
			r.Post("/documents/{id}/processed", s.submitProcessed)
			r.Get("/pull", s.pullChanges)
			r.Post("/push", s.pushBatch)
			r.Get("/status", s.syncStatus)
		})
	})
	return r
}

// markPush records the arrival time of a processed-document push for the
// sync status endpoint.
func (s *Server) markPush() {
	s.mu.Lock()
	s.lastPushAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Server) lastPush() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPushAt
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusResponse is the caller-facing view of a document's progress.
type statusResponse struct {
	ID                  string              `json:"id"`
	Status              kb.ProcessingStatus `json:"processing_status"`
	Mode                kb.ProcessingMode   `json:"processing_mode,omitempty"`
	NeedsFullProcessing bool                `json:"needs_full_processing"`
	FailureReason       string              `json:"failure_reason,omitempty"`
	Attempts            int                 `json:"attempts"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

func statusOf(d *kb.Document) statusResponse {
	return statusResponse{
		ID:                  d.ID,
		Status:              d.Status,
		Mode:                d.Mode,
		NeedsFullProcessing: d.NeedsFullProcessing,
		FailureReason:       d.FailureReason,
		Attempts:            d.Attempts,
		UpdatedAt:           d.UpdatedAt,
	}
}
