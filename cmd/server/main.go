/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the dues engine HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and configuration
  2. Initialize SQLite store (migrations run on open)
  3. Choose the evidence backend (file, gcs or memory) and signer
  4. Connect optional collaborators: AMQP events, Redis report cache,
     Google Sheets imports. Each is skipped with a warning when absent.
  5. Configure HTTP router and serve

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (default: ./config.yaml if present)

ENVIRONMENT:
  Every config key can be overridden with DUES_<SECTION>_<KEY>, e.g.
  DUES_DATABASE_PATH, DUES_EVIDENCE_SIGNING_SECRET, DUES_REDIS_ADDR.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (server.shutdown_timeout)
  3. Close the event publisher and database

SEE ALSO:
  - config/config.go: Keys and defaults
  - api/server.go: Router configuration
*/
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

	"github.com/joho/godotenv"
	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/cache"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/events"
	"github.com/warp/dues-engine/evidence"
	"github.com/warp/dues-engine/logging"
	"github.com/warp/dues-engine/store/sqlite"
	"github.com/warp/dues-engine/tabular"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	})
	logging.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", logging.FieldError, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx := context.Background()
	startLog := logger.With(logging.FieldOperation, logging.OpStartup)

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()
	startLog.Info("database ready", "path", cfg.Database.Path)

	evStore, err := newEvidenceStore(ctx, cfg)
	if err != nil {
		return err
	}
	signer, err := evidence.NewSigner(cfg.Evidence.SigningSecret, cfg.Evidence.URLTTL)
	if err != nil {
		return err
	}
	startLog.Info("evidence store ready", "backend", cfg.Evidence.Backend)

	var publisher events.Publisher = events.Nop{}
	if cfg.AMQPEnabled() {
		amqpPub, err := events.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.Queue)
		if err != nil {
			return fmt.Errorf("connect AMQP: %w", err)
		}
		publisher = amqpPub
		startLog.Info("publishing ledger events", "exchange", cfg.AMQP.Exchange)
	}
	defer publisher.Close()

	var reportCache cache.Cache = cache.Nop{}
	if cfg.RedisEnabled() {
		rc, err := cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, "dues")
		if err != nil {
			startLog.Warn("redis unavailable, reports will not be cached", logging.FieldError, err)
		} else {
			defer rc.Close()
			reportCache = rc
		}
	}

	var sheets *tabular.SheetsReader
	if cfg.Sheets.CredentialsJSON != "" || cfg.Sheets.CredentialsFile != "" {
		sheets, err = tabular.NewSheetsReader(ctx, cfg.Sheets.CredentialsJSON, cfg.Sheets.CredentialsFile)
		if err != nil {
			startLog.Warn("google sheets imports disabled", logging.FieldError, err)
			sheets = nil
		}
	}

	handler := api.NewHandler(store, api.Options{
		Evidence:  evStore,
		Signer:    signer,
		Events:    publisher,
		Cache:     reportCache,
		Sheets:    sheets,
		Logger:    logger,
		Resolve:   dues.ResolveOptions{SkipRecordedOverride: cfg.Resolver.SkipRecordedOverride},
		ReportTTL: cfg.Redis.TTL,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler, cfg.Server.CORSOrigins),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		startLog.Info("server starting", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server", logging.FieldOperation, logging.OpShutdown)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped", logging.FieldOperation, logging.OpShutdown)
	return nil
}

func newEvidenceStore(ctx context.Context, cfg *config.Config) (evidence.Store, error) {
	switch cfg.Evidence.Backend {
	case "gcs":
		s, err := evidence.NewGCSStore(ctx, evidence.GCSConfig{
			Bucket:          cfg.Evidence.GCSBucket,
			CredentialsFile: cfg.Evidence.GCSCredentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize GCS evidence store: %w", err)
		}
		return s, nil
	case "memory":
		return evidence.NewMemory(), nil
	default:
		s, err := evidence.NewFileStore(cfg.Evidence.Dir)
		if err != nil {
			return nil, fmt.Errorf("initialize evidence dir: %w", err)
		}
		return s, nil
	}
}
