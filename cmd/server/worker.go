package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeycombio/otel-config-go/otelconfig"

	"github.com/shelfsync/shelfsync/internal/db"
	"github.com/shelfsync/shelfsync/internal/engine"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/scheduler"
	"github.com/shelfsync/shelfsync/internal/searchindex"
	"github.com/shelfsync/shelfsync/internal/source"
	"github.com/shelfsync/shelfsync/internal/storage"
	"github.com/shelfsync/shelfsync/internal/summarize"
)

// runWorker is the entry point for the auto-sync worker process. It polls
// for clients whose sync interval has elapsed and runs their passes.
func runWorker() {
	logger.Info("starting auto-sync worker")

	// Initialize OpenTelemetry (same as server)
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		logger.Warn("failed to configure OpenTelemetry for worker", "error", err)
	} else {
		defer otelShutdown()
	}

	config := loadConfig()

	pollInterval := time.Minute
	if interval := os.Getenv("WORKER_POLL_INTERVAL"); interval != "" {
		if parsed, err := time.ParseDuration(interval); err == nil && parsed > 0 {
			pollInterval = parsed
		}
	}
	logger.Info("worker configuration loaded", "poll_interval", pollInterval.String())

	database, err := db.Connect(config.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		logger.Fatal("failed to apply migrations", "error", err)
	}

	var store *storage.S3Storage
	if config.S3Config.Endpoint != "" {
		store, err = storage.NewS3Storage(config.S3Config)
		if err != nil {
			logger.Fatal("failed to initialize storage", "error", err)
		}
	}

	gateway := summarize.NewRetryingGateway(
		summarize.NewAnthropicGateway(config.AnthropicConfig),
		summarize.RetryConfig{},
	)

	registry := source.NewRegistry(source.NewDriveAdapter(), source.NewAirtableAdapter())
	index := searchindex.New()
	var cache engine.ContentCache
	if store != nil {
		cache = store
	}
	eng := engine.New(database, registry, gateway, index, cache)

	guard := scheduler.NewGuard(database)
	sched := scheduler.New(database, guard, func(ctx context.Context, clientID string) error {
		_, err := eng.Sync(ctx, clientID, engine.Options{}, nil)
		return err
	}, pollInterval)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("shutdown signal received, stopping worker")
		cancel()
	}()

	sched.Run(ctx)
	logger.Info("worker stopped")
}
