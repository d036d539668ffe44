package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/extract"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/repository"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/services"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/storage"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, tier kb.Tier) (*httptest.Server, *services.ProcessingService) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	docs := repository.NewMemoryDocuments()
	entries := repository.NewMemoryEntries()
	processing := services.NewProcessingService(docs, store, extract.NewRegistry(tier))
	feed := services.NewChangeFeed(docs, entries)

	srv := NewServer(processing, feed, store)
	srv.SetSyncAuth(testSecret, true)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, processing
}

// uploadFile POSTs a multipart upload and decodes the created document.
func uploadFile(t *testing.T, ts *httptest.Server, title, filename string, data []byte) *kb.Document {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if title != "" {
		if err := mw.WriteField("title", title); err != nil {
			t.Fatalf("write title: %v", err)
		}
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write file: %v", err)
	}
	mw.Close()

	resp, err := http.Post(ts.URL+"/api/documents/upload", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status = %d: %s", resp.StatusCode, b)
	}
	var doc kb.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	return &doc
}

// syncRequest performs an authenticated sync-protocol call.
func syncRequest(t *testing.T, ts *httptest.Server, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set(SecretHeader, testSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func docxUpload(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("zip create: %v", err)
	}
	fmt.Fprint(f, `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body><w:p><w:r><w:t>Flood response checklist.</w:t></w:r></w:p></w:body>
</w:document>`)
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestUploadTextDocument(t *testing.T) {
	ts, _ := newTestServer(t, kb.TierCloud)

	doc := uploadFile(t, ts, "Boil notice", "notice.txt", []byte("Boil all water."))
	if doc.Status != kb.StatusCompleted {
		t.Errorf("Status = %q, want completed", doc.Status)
	}
	if doc.Mode != kb.ModeCloudBasic {
		t.Errorf("Mode = %q, want cloud_basic", doc.Mode)
	}
	if doc.Title != "Boil notice" {
		t.Errorf("Title = %q", doc.Title)
	}
}

func TestUploadDocxQueuedOnCloud(t *testing.T) {
	ts, _ := newTestServer(t, kb.TierCloud)

	doc := uploadFile(t, ts, "", "checklist.docx", docxUpload(t))
	if doc.Status != kb.StatusNeedsLocal {
		t.Errorf("Status = %q, want needs_local", doc.Status)
	}
	if !doc.NeedsFullProcessing {
		t.Error("NeedsFullProcessing must be set")
	}
}

func TestUploadMissingFile(t *testing.T) {
	ts, _ := newTestServer(t, kb.TierCloud)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("title", "no file")
	mw.Close()

	resp, err := http.Post(ts.URL+"/api/documents/upload", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestDocumentStatus(t *testing.T) {
	ts, _ := newTestServer(t, kb.TierCloud)
	doc := uploadFile(t, ts, "s", "s.txt", []byte("status me"))

	resp, err := http.Get(ts.URL + "/api/documents/" + doc.ID + "/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status struct {
		ID     string              `json:"id"`
		Status kb.ProcessingStatus `json:"processing_status"`
	}
	decodeInto(t, resp, &status)
	if status.ID != doc.ID || status.Status != kb.StatusCompleted {
		t.Errorf("status = %+v", status)
	}

	resp2, err := http.Get(ts.URL + "/api/documents/doc_missing/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("missing id status = %d, want 404", resp2.StatusCode)
	}
}

func TestSyncRequiresSharedSecret(t *testing.T) {
	ts, _ := newTestServer(t, kb.TierCloud)

	// No header at all.
	resp, err := http.Get(ts.URL + "/api/sync/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no secret: status = %d, want 401", resp.StatusCode)
	}

	// Wrong secret.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/sync/status", nil)
	req.Header.Set(SecretHeader, "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong secret: status = %d, want 401", resp.StatusCode)
	}
}

func TestSyncUnconfiguredSecretUnavailable(t *testing.T) {
	// With no shared secret configured, the whole sync surface is dark.
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	docs := repository.NewMemoryDocuments()
	processing := services.NewProcessingService(docs, store, extract.NewRegistry(kb.TierCloud))
	srv := NewServer(processing, services.NewChangeFeed(docs, repository.NewMemoryEntries()), store)
	bare := httptest.NewServer(srv.Handler())
	defer bare.Close()

	resp, err := http.Get(bare.URL + "/api/sync/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestSyncClaimFetchSubmit(t *testing.T) {
	ts, _ := newTestServer(t, kb.TierCloud)
	raw := docxUpload(t)
	doc := uploadFile(t, ts, "checklist", "checklist.docx", raw)

	// Claim the queued document.
	resp := syncRequest(t, ts, http.MethodGet, "/api/sync/documents/unprocessed", nil)
	var listing struct {
		Documents []struct {
			Document  *kb.Document `json:"document"`
			FetchPath string       `json:"fetch_path"`
		} `json:"documents"`
	}
	decodeInto(t, resp, &listing)
	if len(listing.Documents) != 1 {
		t.Fatalf("unprocessed = %d, want 1", len(listing.Documents))
	}
	item := listing.Documents[0]
	if item.Document.ID != doc.ID {
		t.Errorf("claimed %s, want %s", item.Document.ID, doc.ID)
	}
	if item.Document.ClaimToken == "" {
		t.Fatal("claimed document must carry a token")
	}

	// Fetch the raw bytes through the advertised path.
	rawResp := syncRequest(t, ts, http.MethodGet, item.FetchPath, nil)
	gotRaw, _ := io.ReadAll(rawResp.Body)
	rawResp.Body.Close()
	if rawResp.StatusCode != http.StatusOK {
		t.Fatalf("raw fetch status = %d", rawResp.StatusCode)
	}
	if !bytes.Equal(gotRaw, raw) {
		t.Error("raw bytes differ from the uploaded file")
	}

	// Submit the processed result.
	content := "Flood response checklist."
	sub := fmt.Sprintf(`{"claim_token":%q,"content":%q,"content_hash":%q}`,
		item.Document.ClaimToken, content, kb.ContentHash(content))
	subResp := syncRequest(t, ts, http.MethodPost, "/api/sync/documents/"+doc.ID+"/processed", strings.NewReader(sub))
	var merged kb.Document
	decodeInto(t, subResp, &merged)
	if subResp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", subResp.StatusCode)
	}
	if merged.Status != kb.StatusCompleted || merged.Mode != kb.ModeLocalFull {
		t.Errorf("merged = %s/%s, want completed/local_full", merged.Status, merged.Mode)
	}

	// Replaying the same submission is accepted (idempotent).
	replayResp := syncRequest(t, ts, http.MethodPost, "/api/sync/documents/"+doc.ID+"/processed", strings.NewReader(sub))
	replayResp.Body.Close()
	if replayResp.StatusCode != http.StatusOK {
		t.Errorf("replay status = %d, want 200", replayResp.StatusCode)
	}

	// A conflicting second result is rejected.
	other := "A different checklist."
	conflict := fmt.Sprintf(`{"claim_token":%q,"content":%q,"content_hash":%q}`,
		item.Document.ClaimToken, other, kb.ContentHash(other))
	conflictResp := syncRequest(t, ts, http.MethodPost, "/api/sync/documents/"+doc.ID+"/processed", strings.NewReader(conflict))
	conflictResp.Body.Close()
	if conflictResp.StatusCode != http.StatusConflict {
		t.Errorf("conflict status = %d, want 409", conflictResp.StatusCode)
	}
}

func TestPushBatchIsolatesFailures(t *testing.T) {
	ts, _ := newTestServer(t, kb.TierCloud)
	uploadFile(t, ts, "a", "a.docx", docxUpload(t))

	resp := syncRequest(t, ts, http.MethodGet, "/api/sync/documents/unprocessed", nil)
	var listing struct {
		Documents []struct {
			Document *kb.Document `json:"document"`
		} `json:"documents"`
	}
	decodeInto(t, resp, &listing)
	if len(listing.Documents) != 1 {
		t.Fatalf("unprocessed = %d, want 1", len(listing.Documents))
	}
	claimed := listing.Documents[0].Document

	content := "Batch content."
	batch := fmt.Sprintf(`{"items":[
		{"document_id":%q,"claim_token":%q,"content":%q,"content_hash":%q},
		{"document_id":"doc_missing","claim_token":"x","content":"y"}
	]}`, claimed.ID, claimed.ClaimToken, content, kb.ContentHash(content))

	batchResp := syncRequest(t, ts, http.MethodPost, "/api/sync/push", strings.NewReader(batch))
	var out struct {
		Results []struct {
			DocumentID string              `json:"document_id"`
			Status     kb.ProcessingStatus `json:"processing_status"`
			Error      string              `json:"error"`
		} `json:"results"`
	}
	decodeInto(t, batchResp, &out)
	if len(out.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(out.Results))
	}
	if out.Results[0].Status != kb.StatusCompleted || out.Results[0].Error != "" {
		t.Errorf("first result = %+v", out.Results[0])
	}
	if out.Results[1].Error == "" {
		t.Error("missing document must report an error without failing the batch")
	}
}

func TestPullChanges(t *testing.T) {
	ts, _ := newTestServer(t, kb.TierCloud)
	doc := uploadFile(t, ts, "pullme", "pull.txt", []byte("pull this"))

	resp := syncRequest(t, ts, http.MethodGet, "/api/sync/pull", nil)
	var page struct {
		Changes    []kb.Change `json:"changes"`
		NextCursor kb.Cursor   `json:"next_cursor"`
	}
	decodeInto(t, resp, &page)
	if len(page.Changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(page.Changes))
	}
	if page.Changes[0].Kind != kb.ChangeDocument || page.Changes[0].ID != doc.ID {
		t.Errorf("change = %s/%s", page.Changes[0].Kind, page.Changes[0].ID)
	}

	// Resume from the returned cursor: nothing new.
	path := fmt.Sprintf("/api/sync/pull?cursor_ts=%s&cursor_id=%s",
		page.NextCursor.UpdatedAt.Format(time.RFC3339Nano), page.NextCursor.ID)
	resp2 := syncRequest(t, ts, http.MethodGet, path, nil)
	var page2 struct {
		Changes []kb.Change `json:"changes"`
	}
	decodeInto(t, resp2, &page2)
	if len(page2.Changes) != 0 {
		t.Errorf("resumed pull re-delivered %d changes", len(page2.Changes))
	}
}

func TestSyncStatusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, kb.TierCloud)
	uploadFile(t, ts, "s", "s.txt", []byte("x"))

	resp := syncRequest(t, ts, http.MethodGet, "/api/sync/status", nil)
	var status struct {
		InstanceTier kb.Tier `json:"instance_tier"`
		SyncEnabled  bool    `json:"sync_enabled"`
		Stats        struct {
			Total int `json:"total"`
		} `json:"stats"`
	}
	decodeInto(t, resp, &status)
	if status.InstanceTier != kb.TierCloud {
		t.Errorf("InstanceTier = %q", status.InstanceTier)
	}
	if !status.SyncEnabled {
		t.Error("SyncEnabled should be true")
	}
	if status.Stats.Total != 1 {
		t.Errorf("Total = %d, want 1", status.Stats.Total)
	}
}
