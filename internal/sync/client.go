// Package sync implements the local instance's half of the sync protocol:
// an HTTP client for the paired cloud instance and a periodic worker that
// drains its unprocessed queue.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/api"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/services"
)

const defaultRequestTimeout = 60 * time.Second

// HTTPError is a non-2xx protocol response. The status code lets the worker
// tell transient server trouble from a definitive rejection.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("sync peer returned %d: %s", e.StatusCode, e.Message)
}

// Transient reports whether the request is worth retrying on a later cycle.
func (e *HTTPError) Transient() bool {
	return e.StatusCode >= 500
}

// Client talks to the paired cloud instance using the shared-secret header.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewClient creates a Client for the peer at baseURL. A zero timeout uses
// the default; every call is bounded so a hung peer cannot stall a cycle.
func NewClient(baseURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: timeout},
	}
}

// UnprocessedItem mirrors the listing entry served by the cloud instance.
type UnprocessedItem struct {
	Document  *kb.Document `json:"document"`
	FetchPath string       `json:"fetch_path"`
}

// UnprocessedPage is one page of the claimed-document listing.
type UnprocessedPage struct {
	Documents []UnprocessedItem `json:"documents"`
	Next      kb.Cursor         `json:"next_cursor"`
}

// ListUnprocessed claims and returns one page of documents awaiting full
// processing.
func (c *Client) ListUnprocessed(ctx context.Context, cursor kb.Cursor, limit int) (*UnprocessedPage, error) {
	var page UnprocessedPage
	if err := c.getJSON(ctx, "/api/sync/documents/unprocessed", cursorQuery(cursor, limit), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// FetchRaw downloads the original bytes of a claimed document.
func (c *Client) FetchRaw(ctx context.Context, fetchPath string) ([]byte, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fetchPath, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch raw: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", readHTTPError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read raw body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// SubmitProcessed pushes one extraction result. Safe to retry: the cloud
// side treats identical {document, content_hash} resubmissions as no-ops.
func (c *Client) SubmitProcessed(ctx context.Context, docID string, sub services.Submission) (*kb.Document, error) {
	var doc kb.Document
	path := fmt.Sprintf("/api/sync/documents/%s/processed", docID)
	if err := c.postJSON(ctx, path, sub, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// BatchItem is one submission in a push batch.
type BatchItem struct {
	DocumentID string `json:"document_id"`
	services.Submission
}

// BatchResult is the per-item outcome of a push batch.
type BatchResult struct {
	DocumentID string              `json:"document_id"`
	Status     kb.ProcessingStatus `json:"processing_status,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// PushBatch pushes several extraction results in one round trip.
func (c *Client) PushBatch(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	var resp struct {
		Results []BatchResult `json:"results"`
	}
	if err := c.postJSON(ctx, "/api/sync/push", map[string]any{"items": items}, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// PullChanges fetches one page of the cloud instance's change feed.
func (c *Client) PullChanges(ctx context.Context, cursor kb.Cursor, limit int) ([]kb.Change, kb.Cursor, error) {
	var resp struct {
		Changes []kb.Change `json:"changes"`
		Next    kb.Cursor   `json:"next_cursor"`
	}
	if err := c.getJSON(ctx, "/api/sync/pull", cursorQuery(cursor, limit), &resp); err != nil {
		return nil, kb.Cursor{}, err
	}
	return resp.Changes, resp.Next, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(api.SecretHeader, c.secret)
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSON(req, out)
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readHTTPError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readHTTPError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = string(data)
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: body.Error}
}

func cursorQuery(cursor kb.Cursor, limit int) url.Values {
	q := url.Values{}
	if !cursor.UpdatedAt.IsZero() {
		q.Set("cursor_ts", cursor.UpdatedAt.Format(time.RFC3339Nano))
	}
	if cursor.ID != "" {
		q.Set("cursor_id", cursor.ID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}
