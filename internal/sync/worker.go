package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/extract"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/repository"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/services"
)

const (
	// DefaultInterval is how often the worker polls the cloud instance.
	DefaultInterval = 30 * time.Minute
	// DefaultBatchSize is the listing/pull page size.
	DefaultBatchSize = 20
	// DefaultParallelism bounds concurrent extractions; conversion is CPU-
	// and memory-heavy, so the worker never fans out unbounded.
	DefaultParallelism = 2
)

// Worker drains the paired cloud instance's unprocessed queue on a fixed
// interval: list (which claims), fetch raw bytes, extract with the local
// full-capability engines, and push the results back. It also pulls the
// cloud change feed into the local repositories.
type Worker struct {
	client   *Client
	registry *extract.Registry
	docs     repository.DocumentRepository
	entries  repository.EntryRepository
	state    repository.SyncStateRepository

	Interval    time.Duration
	BatchSize   int
	Parallelism int

	cron *cron.Cron
	now  func() time.Time
}

// NewWorker creates a Worker. The registry must be a local-tier registry;
// running the worker on a basic-capability instance would only cycle
// documents through failed claims.
func NewWorker(client *Client, registry *extract.Registry, docs repository.DocumentRepository, entries repository.EntryRepository, state repository.SyncStateRepository) *Worker {
	return &Worker{
		client:      client,
		registry:    registry,
		docs:        docs,
		entries:     entries,
		state:       state,
		Interval:    DefaultInterval,
		BatchSize:   DefaultBatchSize,
		Parallelism: DefaultParallelism,
		cron:        cron.New(),
		now:         time.Now,
	}
}

// SetNow replaces the worker clock. Test hook.
func (w *Worker) SetNow(now func() time.Time) { w.now = now }

// Start schedules RunCycle every Interval and runs one cycle immediately in
// the background, so a fresh local instance drains the backlog without
// waiting a full interval.
func (w *Worker) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", w.Interval)
	_, err := w.cron.AddFunc(spec, func() {
		if err := w.RunCycle(ctx); err != nil {
			slog.Error("sync cycle failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sync cycle: %w", err)
	}
	w.cron.Start()
	go func() {
		if err := w.RunCycle(ctx); err != nil {
			slog.Error("initial sync cycle failed", "err", err)
		}
	}()
	slog.Info("sync worker started", "interval", w.Interval)
	return nil
}

// Stop halts the schedule and waits for a running cycle to finish.
func (w *Worker) Stop() {
	<-w.cron.Stop().Done()
}

// RunCycle performs one full sync pass. Per-document failures are logged
// and never abort the rest of the cycle; the claim discipline makes an
// interrupted cycle safe to simply re-run.
func (w *Worker) RunCycle(ctx context.Context) error {
	processed, err := w.processUnprocessed(ctx)
	if err != nil {
		slog.Warn("processing pass incomplete", "err", err)
	}
	pulled, pullErr := w.pullChanges(ctx)
	if pullErr != nil {
		slog.Warn("pull pass incomplete", "err", pullErr)
	}
	slog.Info("sync cycle finished", "processed", processed, "pulled", pulled)
	if err != nil {
		return err
	}
	return pullErr
}

// processUnprocessed pages through the cloud queue and pushes extraction
// results back in batches. Returns the number of documents submitted.
func (w *Worker) processUnprocessed(ctx context.Context) (int, error) {
	total := 0
	cursor := kb.Cursor{}
	for {
		page, err := w.client.ListUnprocessed(ctx, cursor, w.BatchSize)
		if err != nil {
			return total, fmt.Errorf("list unprocessed: %w", err)
		}
		if len(page.Documents) == 0 {
			return total, nil
		}

		items := w.extractPage(ctx, page.Documents)
		if len(items) > 0 {
			results, err := w.client.PushBatch(ctx, items)
			if err != nil {
				// Transient push failure: claims stay in place and the next
				// cycle retries; never treated as success.
				return total, fmt.Errorf("push batch: %w", err)
			}
			for _, res := range results {
				if res.Error != "" {
					slog.Warn("push rejected", "id", res.DocumentID, "err", res.Error)
				} else {
					total++
				}
			}
		}

		cursor = page.Next
		if len(page.Documents) < w.BatchSize {
			return total, nil
		}
	}
}

// extractPage runs local extraction for one listing page with bounded
// parallelism and returns the submissions to push. Documents whose raw
// bytes cannot be fetched are skipped, leaving their claim to expire.
func (w *Worker) extractPage(ctx context.Context, docs []UnprocessedItem) []BatchItem {
	results := make([]*BatchItem, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.Parallelism)

	for i, item := range docs {
		i, item := i, item
		g.Go(func() error {
			sub, ok := w.extractOne(gctx, item)
			if ok {
				results[i] = &BatchItem{DocumentID: item.Document.ID, Submission: sub}
			}
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors; failures are per-item

	items := make([]BatchItem, 0, len(docs))
	for _, r := range results {
		if r != nil {
			items = append(items, *r)
		}
	}
	return items
}

// extractOne produces the submission for a single claimed document. A
// fetch failure returns ok=false (transient, retry next cycle); an
// extraction failure returns a failure-marked submission so the cloud side
// can fail the document instead of looping forever.
func (w *Worker) extractOne(ctx context.Context, item UnprocessedItem) (services.Submission, bool) {
	doc := item.Document
	sub := services.Submission{ClaimToken: doc.ClaimToken}

	data, contentType, err := w.client.FetchRaw(ctx, item.FetchPath)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.Transient() {
			// The raw bytes are gone for good; no retry will recover them.
			sub.Failed = true
			sub.FailureReason = fmt.Sprintf("raw file unavailable: %v", err)
			return sub, true
		}
		slog.Warn("raw fetch failed, will retry next cycle", "id", doc.ID, "err", err)
		return sub, false
	}
	if contentType == "" {
		contentType = doc.ContentType
	}

	fileType := extract.FileType(doc.OriginalFilename, contentType)
	decision, err := w.registry.Select(fileType)
	if err != nil || decision.Engine == nil {
		sub.Failed = true
		sub.FailureReason = fmt.Sprintf("no local engine for type %q", fileType)
		return sub, true
	}

	result, err := decision.Engine.Extract(ctx, bytes.NewReader(data))
	if err != nil {
		sub.Failed = true
		sub.FailureReason = fmt.Sprintf("local extraction failed: %v", err)
		return sub, true
	}
	if result.Text == "" {
		sub.Failed = true
		sub.FailureReason = "local extraction produced no content"
		return sub, true
	}

	sub.Content = result.Text
	sub.ContentHash = kb.ContentHash(result.Text)
	sub.Metadata = map[string]string{
		"engine":       decision.Engine.Name(),
		"processed_at": w.now().UTC().Format(time.RFC3339),
	}
	return sub, true
}

// pullChanges applies the cloud change feed to the local repositories,
// resuming from the persisted cursor. Returns the number of applied
// changes.
func (w *Worker) pullChanges(ctx context.Context) (int, error) {
	cursor, err := w.state.GetPullCursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pull cursor: %w", err)
	}

	total := 0
	for {
		changes, next, err := w.client.PullChanges(ctx, cursor, w.BatchSize)
		if err != nil {
			return total, fmt.Errorf("pull changes: %w", err)
		}
		if len(changes) == 0 {
			return total, nil
		}

		for _, ch := range changes {
			if err := w.applyChange(ctx, ch); err != nil {
				slog.Warn("apply pulled change failed", "kind", ch.Kind, "id", ch.ID, "err", err)
				continue
			}
			total++
		}

		cursor = next
		if err := w.state.SetPullCursor(ctx, cursor); err != nil {
			slog.Warn("persist pull cursor failed", "err", err)
		}
		if len(changes) < w.BatchSize {
			return total, nil
		}
	}
}

// applyChange upserts one pulled record into the local store.
func (w *Worker) applyChange(ctx context.Context, ch kb.Change) error {
	switch ch.Kind {
	case kb.ChangeDocument:
		var doc kb.Document
		if err := json.Unmarshal(ch.Payload, &doc); err != nil {
			return fmt.Errorf("decode document change: %w", err)
		}
		err := w.docs.Update(ctx, &doc)
		if errors.Is(err, repository.ErrNotFound) {
			return w.docs.Create(ctx, &doc)
		}
		return err
	case kb.ChangeEntry:
		var entry kb.Entry
		if err := json.Unmarshal(ch.Payload, &entry); err != nil {
			return fmt.Errorf("decode entry change: %w", err)
		}
		return w.entries.Create(ctx, &entry)
	default:
		return fmt.Errorf("unknown change kind %q", ch.Kind)
	}
}
