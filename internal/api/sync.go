package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/repository"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/services"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/storage"
)

// SecretHeader carries the shared secret on machine-to-machine sync calls.
const SecretHeader = "X-Sync-Secret"

const defaultPageSize = 50

// requireSharedSecret rejects sync requests before any document state is
// touched unless they carry the configured shared secret.
func (s *Server) requireSharedSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.sharedSecret == "" {
			writeError(w, http.StatusServiceUnavailable, "sync not configured")
			return
		}
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.sharedSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid sync secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// unprocessedItem is one claimed document in the unprocessed listing. The
// raw bytes are not inlined; FetchPath points at the raw-download endpoint.
type unprocessedItem struct {
	Document  *kb.Document `json:"document"`
	FetchPath string       `json:"fetch_path"`
}

type unprocessedResponse struct {
	Documents []unprocessedItem `json:"documents"`
	Next      kb.Cursor         `json:"next_cursor"`
}

func (s *Server) listUnprocessed(w http.ResponseWriter, r *http.Request) {
	cursor, err := cursorParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := limitParam(r)

	docs, next, err := s.processing.ClaimUnprocessed(r.Context(), cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := unprocessedResponse{Documents: make([]unprocessedItem, 0, len(docs)), Next: next}
	for _, d := range docs {
		resp.Documents = append(resp.Documents, unprocessedItem{
			Document:  d,
			FetchPath: fmt.Sprintf("/api/sync/documents/%s/raw", d.ID),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) serveRaw(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, rc, err := s.storage.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rc.Close()

	escaped := strings.ReplaceAll(info.Filename, `"`, `\"`)
	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, escaped))
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("raw download interrupted", "id", id, "err", err)
	}
}

func (s *Server) submitProcessed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var sub services.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid submission body")
		return
	}

	doc, err := s.processing.MergeProcessed(r.Context(), id, sub)
	if err != nil {
		s.writeSubmitError(w, err)
		return
	}
	s.markPush()
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrConflict), errors.Is(err, services.ErrStaleClaim):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrEmptyContent), errors.Is(err, services.ErrHashMismatch):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// batchItem is one document submission inside a push batch.
type batchItem struct {
	DocumentID string `json:"document_id"`
	services.Submission
}

type batchResult struct {
	DocumentID string              `json:"document_id"`
	Status     kb.ProcessingStatus `json:"processing_status,omitempty"`
	Error      string              `json:"error,omitempty"`
}

func (s *Server) pushBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []batchItem `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch body")
		return
	}

	// One item's failure never aborts the rest of the batch.
	results := make([]batchResult, 0, len(req.Items))
	for _, item := range req.Items {
		doc, err := s.processing.MergeProcessed(r.Context(), item.DocumentID, item.Submission)
		if err != nil {
			results = append(results, batchResult{DocumentID: item.DocumentID, Error: err.Error()})
			continue
		}
		results = append(results, batchResult{DocumentID: item.DocumentID, Status: doc.Status})
	}
	s.markPush()
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) pullChanges(w http.ResponseWriter, r *http.Request) {
	cursor, err := cursorParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := limitParam(r)

	changes, next, err := s.feed.Changes(r.Context(), cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"changes":     changes,
		"next_cursor": next,
	})
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.processing.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{
		"instance_tier": s.processing.Tier(),
		"sync_enabled":  s.syncEnabled,
		"stats":         stats,
	}
	if last := s.lastPush(); !last.IsZero() {
		resp["last_push_at"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

// cursorParam reads the resumable listing position: either an explicit
// (cursor_ts, cursor_id) pair from a previous page, or a plain `since`
// timestamp to start a fresh pull.
func cursorParam(r *http.Request) (kb.Cursor, error) {
	q := r.URL.Query()
	if ts := q.Get("cursor_ts"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return kb.Cursor{}, fmt.Errorf("invalid cursor_ts: %v", err)
		}
		return kb.Cursor{UpdatedAt: t, ID: q.Get("cursor_id")}, nil
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			return kb.Cursor{}, fmt.Errorf("invalid since: %v", err)
		}
		return kb.Cursor{UpdatedAt: t}, nil
	}
	return kb.Cursor{}, nil
}

func limitParam(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultPageSize
}
