/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the device ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from LEDGER_* variables, then flags
  2. Open the configured store backend
  3. Load column definitions
  4. Build the ledger, metrics and validation scheduler
  5. Configure HTTP router and serve with graceful shutdown

COMMAND-LINE FLAGS:
  -addr     Listen address (default: LEDGER_ADDR or :8080)
  -store    memory | sqlite | postgres | redis | s3
  -db       SQLite database path; ":memory:" for an in-memory database
  -columns  YAML or JSON column definitions (default: built-in Watch and Holter)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the validation scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close store connections

EXAMPLES:
  ./server -db="./data/devices.db"
  LEDGER_STORE=postgres LEDGER_POSTGRES_DSN=postgres://... ./server
  LEDGER_STORE=redis LEDGER_REDIS_URL=redis://localhost:6379/0 ./server -addr=:3000

SEE ALSO:
  - config/config.go: Environment variables
  - store/open.go: Backend selection
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/warp/device-ledger/api"
	"github.com/warp/device-ledger/config"
	"github.com/warp/device-ledger/devices"
	"github.com/warp/device-ledger/factory"
	"github.com/warp/device-ledger/generic"
	"github.com/warp/device-ledger/metrics"
	"github.com/warp/device-ledger/store"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Flags override the environment
	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "store backend: memory, sqlite, postgres, redis, s3")
	flag.StringVar(&cfg.SQLitePath, "db", cfg.SQLitePath, "SQLite database path")
	flag.StringVar(&cfg.ColumnsFile, "columns", cfg.ColumnsFile, "column definitions file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Initialize store
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	backend, err := store.Open(startCtx, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer backend.Close()

	columns := factory.DefaultColumns()
	if cfg.ColumnsFile != "" {
		if columns, err = factory.LoadColumnsFile(cfg.ColumnsFile); err != nil {
			return err
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ledger, err := devices.New(backend.History, columns,
		devices.WithLogger(logger),
		devices.WithMetrics(metrics.New(registry)),
		devices.WithAuditLog(backend.Audit),
		devices.WithClock(generic.SystemClock{}),
		devices.WithMaxRetries(cfg.MaxRetries),
	)
	if err != nil {
		return err
	}

	// Initialize handler
	handler := api.NewHandler(ledger, backend.History, logger)
	handler.Reset = backend.Reset

	scheduler := api.NewValidationScheduler(ledger, logger)
	scheduler.CheckInterval = cfg.ValidateInterval
	handler.Scheduler = scheduler
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.NewRouter(handler, registry),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"addr", cfg.Addr, "store", backend.Name, "columns", columns.Len())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}
