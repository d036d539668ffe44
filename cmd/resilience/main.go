package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/api"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/config"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/db"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/extract"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/kb"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/repository"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/services"
	"github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/storage"
	syncworker "github.com/SVR-Hub-Dev/community-resilience-mvp-sub001/internal/sync"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		serve()
		return
	}
	fmt.Println("resilience v0.1.0")
	fmt.Println("Usage: resilience serve")
}

func serve() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.LoadDefault()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	var (
		docs    repository.DocumentRepository
		entries repository.EntryRepository
		state   repository.SyncStateRepository
	)
	if cfg.Database.URL != "" {
		database, err := db.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database error", "err", err)
			os.Exit(1)
		}
		defer database.Close()
		if err := database.Migrate(ctx); err != nil {
			slog.Error("migration error", "err", err)
			os.Exit(1)
		}
		docs = repository.NewPersistentDocuments(database)
		entries = repository.NewPersistentEntries(database)
		state = repository.NewPersistentSyncState(database)
		slog.Info("using postgresql repositories")
	} else {
		docs = repository.NewMemoryDocuments()
		entries = repository.NewMemoryEntries()
		state = repository.NewMemorySyncState()
		slog.Warn("no database configured, using in-memory repositories")
	}

	store, err := storage.NewLocalStorage(cfg.Storage.Dir)
	if err != nil {
		slog.Error("storage error", "err", err)
		os.Exit(1)
	}

	registry := extract.NewRegistry(cfg.Instance.Tier)
	processing := services.NewProcessingService(docs, store, registry)
	processing.MaxAttempts = cfg.Sync.MaxAttempts
	processing.ClaimTTL = cfg.Sync.ClaimTTL
	feed := services.NewChangeFeed(docs, entries)

	srv := api.NewServer(processing, feed, store)
	srv.SetSyncAuth(cfg.Sync.SharedSecret, cfg.Sync.Enabled)

	// The sync worker runs only where full extraction capability exists.
	if cfg.Sync.Enabled && cfg.Instance.Tier == kb.TierLocal {
		client := syncworker.NewClient(cfg.Sync.PeerURL, cfg.Sync.SharedSecret, 0)
		worker := syncworker.NewWorker(client, registry, docs, entries, state)
		worker.Interval = cfg.Sync.Interval
		worker.BatchSize = cfg.Sync.BatchSize
		worker.Parallelism = cfg.Sync.Parallelism
		if err := worker.Start(ctx); err != nil {
			slog.Error("sync worker error", "err", err)
			os.Exit(1)
		}
		defer worker.Stop()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	slog.Info("starting resilience server", "addr", addr, "tier", cfg.Instance.Tier, "sync", cfg.Sync.Enabled)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
