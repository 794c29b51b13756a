// Package main wires together the ingestion service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/sitekraft/presence/internal/actor"
	"github.com/sitekraft/presence/internal/api"
	"github.com/sitekraft/presence/internal/auth"
	"github.com/sitekraft/presence/internal/clock/system"
	"github.com/sitekraft/presence/internal/config"
	"github.com/sitekraft/presence/internal/hash/sha256"
	"github.com/sitekraft/presence/internal/id/uuid"
	"github.com/sitekraft/presence/internal/ingest"
	"github.com/sitekraft/presence/internal/logging"
	"github.com/sitekraft/presence/internal/metrics"
	"github.com/sitekraft/presence/internal/orchestrator"
	"github.com/sitekraft/presence/internal/progress"
	"github.com/sitekraft/presence/internal/progress/sinks"
	pubsubpublisher "github.com/sitekraft/presence/internal/publisher/pubsub"
	"github.com/sitekraft/presence/internal/records"
	"github.com/sitekraft/presence/internal/scrape"
	"github.com/sitekraft/presence/internal/storage/gcs"
	"github.com/sitekraft/presence/internal/storage/local"
	"github.com/sitekraft/presence/internal/storage/memory"
	"github.com/sitekraft/presence/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("service exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	var (
		taskStore   ingest.TaskStore
		recordStore ingest.RecordStore
	)
	if cfg.DB.DSN != "" {
		pool, err := postgres.Connect(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifeSecs) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		if taskStore, err = postgres.NewTaskStore(pool); err != nil {
			return err
		}
		if recordStore, err = postgres.NewRecordStore(pool); err != nil {
			return err
		}
	} else {
		logger.Warn("no database configured, using in-memory stores")
		taskStore = memory.NewTaskStore()
		recordStore = memory.NewRecordStore()
	}

	blobStore, err := newBlobStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}

	var publisher ingest.Publisher
	if cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		defer client.Close()
		if publisher, err = pubsubpublisher.New(client); err != nil {
			return err
		}
	}

	registry := metrics.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)

	var actors ingest.ActorClient
	if cfg.Actor.BaseURL != "" {
		gateway, err := actor.New(actor.Config{
			BaseURL:        cfg.Actor.BaseURL,
			Token:          cfg.Actor.Token,
			Actors:         cfg.Actor.Actors,
			PollInterval:   cfg.ActorPollInterval(),
			DefaultTimeout: cfg.ActorTimeout(),
		}, logger.Named("actor"))
		if err != nil {
			return fmt.Errorf("init actor gateway: %w", err)
		}
		actors = gateway
	} else {
		logger.Warn("no actor gateway configured, fetch tasks will fail")
	}

	renderer, err := scrape.New(scrape.Config{
		MaxParallel:       cfg.Scrape.MaxParallel,
		UserAgent:         cfg.Scrape.UserAgent,
		NavigationTimeout: time.Duration(cfg.Scrape.NavTimeoutSecs) * time.Second,
		QuietWindow:       time.Duration(cfg.Scrape.QuietWindowMs) * time.Millisecond,
		DomainQPS:         cfg.Scrape.DomainQPS,
	}, logger.Named("renderer"))
	if err != nil {
		return fmt.Errorf("init renderer: %w", err)
	}
	defer renderer.Close()

	discoverer := scrape.NewDiscoverer(scrape.DiscoverConfig{
		MaxDepth:    cfg.Scrape.DiscoverMaxDepth,
		MaxPages:    cfg.Scrape.DiscoverMaxPages,
		UserAgent:   cfg.Scrape.UserAgent,
		Parallelism: cfg.Scrape.DiscoverParallel,
		Timeout:     time.Duration(cfg.Scrape.DiscoverTimeoutMs) * time.Millisecond,
	}, logger.Named("discoverer"))

	clock := system.New()
	ingester := records.NewIngester(recordStore, clock, logger.Named("ingester"))

	orch := orchestrator.New(
		taskStore,
		ingester,
		renderer,
		discoverer,
		actors,
		nil,
		blobStore,
		publisher,
		sha256.New(),
		hub,
		clock,
		uuid.NewUUIDGenerator(),
		orchestrator.Config{
			ActorTimeout:    cfg.ActorTimeout(),
			TaskBudget:      cfg.TaskBudget(),
			CompletionTopic: cfg.PubSub.TopicName,
			BlobPrefix:      cfg.Storage.Prefix,
		},
		logger.Named("orchestrator"),
	)

	authorizer, err := auth.NewStatic(auth.Config{Enabled: cfg.Auth.Enabled, Tokens: cfg.Auth.Tokens})
	if err != nil {
		return fmt.Errorf("init authorizer: %w", err)
	}

	apiServer := api.NewServer(orch, recordStore, authorizer, registry, api.Config{
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
		SyncTimeout:    time.Duration(cfg.Server.SyncTimeoutSecs) * time.Second,
	}, logger)

	httpMetrics, err := metrics.NewHTTPMetrics(registry)
	if err != nil {
		return fmt.Errorf("init http metrics: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           httpMetrics.Middleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := orch.Close(shutdownCtx); err != nil {
		logger.Error("orchestrator close error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

func newBlobStore(ctx context.Context, cfg config.StorageConfig) (ingest.BlobStore, error) {
	switch cfg.Backend {
	case "local":
		return local.New(local.Config{BaseDir: cfg.BaseDir})
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
	default:
		return memory.NewBlobStore(), nil
	}
}
