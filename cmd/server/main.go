package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeycombio/otel-config-go/otelconfig"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/shelfsync/shelfsync/internal/api"
	"github.com/shelfsync/shelfsync/internal/db"
	"github.com/shelfsync/shelfsync/internal/engine"
	"github.com/shelfsync/shelfsync/internal/logger"
	"github.com/shelfsync/shelfsync/internal/query"
	"github.com/shelfsync/shelfsync/internal/ratelimit"
	"github.com/shelfsync/shelfsync/internal/scheduler"
	"github.com/shelfsync/shelfsync/internal/searchindex"
	"github.com/shelfsync/shelfsync/internal/source"
	"github.com/shelfsync/shelfsync/internal/storage"
	"github.com/shelfsync/shelfsync/internal/summarize"
)

var version string

func main() {
	// Check for worker mode
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		runWorker()
		return
	}

	// Start pprof debug server if enabled (for memory/CPU profiling)
	if os.Getenv("ENABLE_PPROF") == "true" {
		go startPprofServer()
	}

	// Initialize OpenTelemetry (sends traces to Honeycomb)
	// Configured via env vars: OTEL_SERVICE_NAME, OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_HEADERS
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		logger.Warn("failed to configure OpenTelemetry", "error", err)
		// Non-fatal: continue without tracing if OTEL env vars not set
	} else {
		defer otelShutdown()
	}

	// Load configuration from environment
	config := loadConfig()

	// Initialize database connection and apply embedded migrations
	database, err := db.Connect(config.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		logger.Fatal("failed to apply migrations", "error", err)
	}

	// Initialize S3/MinIO raw-content cache (optional)
	var store *storage.S3Storage
	if config.S3Config.Endpoint != "" {
		store, err = storage.NewS3Storage(config.S3Config)
		if err != nil {
			logger.Fatal("failed to initialize storage", "error", err)
		}
	} else {
		logger.Info("raw-content cache disabled (S3_ENDPOINT not set)")
	}

	// Summarization gateway with bounded retries on rate limits
	gateway := summarize.NewRetryingGateway(
		summarize.NewAnthropicGateway(config.AnthropicConfig),
		summarize.RetryConfig{},
	)

	// Source adapters, reconciliation engine, in-memory search index
	registry := source.NewRegistry(source.NewDriveAdapter(), source.NewAirtableAdapter())
	index := searchindex.New()
	var cache engine.ContentCache
	if store != nil {
		cache = store
	}
	eng := engine.New(database, registry, gateway, index, cache)
	queries := query.New(database, index, gateway)

	// The worker runs as a separate process; the guard's advisory lock
	// keeps a manual trigger here from overlapping an auto-sync pass there
	guard := scheduler.NewGuard(database)
	limiter := ratelimit.NewInMemoryRateLimiter(config.QueryRPS, config.QueryBurst)
	defer limiter.Stop()

	// Create API server
	server := api.NewServer(api.Config{
		DB:            database,
		Storage:       store,
		Engine:        eng,
		Queries:       queries,
		Guard:         guard,
		Limiter:       limiter,
		OperatorToken: config.OperatorToken,
	})
	router := server.SetupRoutes()

	// Wrap router with OpenTelemetry HTTP instrumentation
	handler := otelhttp.NewHandler(router, "shelfsync-api")

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		// Sync responses stream progress for the whole pass
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "port", config.Port, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped")
}

type Config struct {
	Port            int
	DatabaseURL     string
	OperatorToken   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	QueryRPS        float64
	QueryBurst      int
	S3Config        storage.S3Config
	AnthropicConfig summarize.AnthropicConfig
}

func loadConfig() Config {
	port := 8080
	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", &port)
	}

	readTimeout := 30 * time.Second
	if rt := os.Getenv("HTTP_READ_TIMEOUT"); rt != "" {
		if parsed, err := time.ParseDuration(rt); err == nil {
			readTimeout = parsed
		}
	}

	// Write timeout default is generous: a sync pass streams for as long as
	// the summarization calls take
	writeTimeout := 15 * time.Minute
	if wt := os.Getenv("HTTP_WRITE_TIMEOUT"); wt != "" {
		if parsed, err := time.ParseDuration(wt); err == nil {
			writeTimeout = parsed
		}
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("missing required env var", "var", "DATABASE_URL")
	}

	operatorToken := os.Getenv("OPERATOR_TOKEN")
	if operatorToken == "" {
		logger.Fatal("missing required env var", "var", "OPERATOR_TOKEN")
	}
	if len(operatorToken) < 32 {
		logger.Fatal("invalid env var", "var", "OPERATOR_TOKEN", "error", "must be at least 32 characters")
	}

	anthropicAPIKey := os.Getenv("ANTHROPIC_API_KEY")
	if anthropicAPIKey == "" {
		logger.Fatal("missing required env var", "var", "ANTHROPIC_API_KEY")
	}

	anthropicModel := os.Getenv("ANTHROPIC_MODEL")
	if anthropicModel == "" {
		logger.Fatal("missing required env var", "var", "ANTHROPIC_MODEL")
	}

	callsPerS := 2.0
	if c := os.Getenv("ANTHROPIC_CALLS_PER_SECOND"); c != "" {
		fmt.Sscanf(c, "%f", &callsPerS)
	}

	queryRPS := 1.0
	if q := os.Getenv("QUERY_RATE_LIMIT_PER_SECOND"); q != "" {
		fmt.Sscanf(q, "%f", &queryRPS)
	}
	queryBurst := 5
	if b := os.Getenv("QUERY_RATE_LIMIT_BURST"); b != "" {
		fmt.Sscanf(b, "%d", &queryBurst)
	}

	return Config{
		Port:          port,
		DatabaseURL:   databaseURL,
		OperatorToken: operatorToken,
		ReadTimeout:   readTimeout,
		WriteTimeout:  writeTimeout,
		QueryRPS:      queryRPS,
		QueryBurst:    queryBurst,
		S3Config:      loadS3Config(),
		AnthropicConfig: summarize.AnthropicConfig{
			APIKey:    anthropicAPIKey,
			Model:     anthropicModel,
			CallsPerS: callsPerS,
		},
	}
}

// loadS3Config loads the raw-content cache configuration. An empty endpoint
// disables the cache; once an endpoint is set, the rest is required.
func loadS3Config() storage.S3Config {
	s3Endpoint := os.Getenv("S3_ENDPOINT")
	if s3Endpoint == "" {
		return storage.S3Config{}
	}

	awsAccessKeyID := os.Getenv("AWS_ACCESS_KEY_ID")
	if awsAccessKeyID == "" {
		logger.Fatal("missing required env var", "var", "AWS_ACCESS_KEY_ID")
	}

	awsSecretAccessKey := os.Getenv("AWS_SECRET_ACCESS_KEY")
	if awsSecretAccessKey == "" {
		logger.Fatal("missing required env var", "var", "AWS_SECRET_ACCESS_KEY")
	}

	bucketName := os.Getenv("BUCKET_NAME")
	if bucketName == "" {
		logger.Fatal("missing required env var", "var", "BUCKET_NAME")
	}

	return storage.S3Config{
		Endpoint:        s3Endpoint,
		AccessKeyID:     awsAccessKeyID,
		SecretAccessKey: awsSecretAccessKey,
		BucketName:      bucketName,
		UseSSL:          os.Getenv("S3_USE_SSL") != "false",
	}
}

// startPprofServer starts a pprof debug server on localhost:6060, only
// reachable locally.
func startPprofServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
	mux.Handle("/debug/pprof/block", pprof.Handler("block"))
	mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))

	addr := "127.0.0.1:6060"
	logger.Info("pprof debug server starting", "addr", addr)

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("pprof server failed", "error", err)
	}
}
