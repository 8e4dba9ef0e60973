// BillGuard - Billing batch validation before it reaches the ledger.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/billguard/internal/api"
	"github.com/opensource-finance/billguard/internal/bus"
	"github.com/opensource-finance/billguard/internal/cache"
	"github.com/opensource-finance/billguard/internal/domain"
	"github.com/opensource-finance/billguard/internal/metrics"
	"github.com/opensource-finance/billguard/internal/pipeline"
	"github.com/opensource-finance/billguard/internal/repository"
	"github.com/opensource-finance/billguard/internal/rules"
	"github.com/opensource-finance/billguard/internal/telemetry"
	"github.com/opensource-finance/billguard/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration before the logger so the level can come from it
	cfg, err := domain.LoadConfig(os.Getenv("BILLGUARD_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting billguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"worker", cfg.Worker.Enabled,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Metrics and rule engines
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	observer := rules.Observers{collector, rules.NewLogObserver(logger)}

	manager, err := rules.NewManager(repo, cfg.Thresholds, logger, rules.WithObserver(observer))
	if err != nil {
		slog.Error("failed to initialize rule manager", "error", err)
		os.Exit(1)
	}

	svc, err := pipeline.New(pipeline.Deps{
		Manager:    manager,
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Metrics:    collector,
		Logger:     logger,
		RunTTL:     cfg.Cache.RunTTL,
	})
	if err != nil {
		slog.Error("failed to initialize pipeline", "error", err)
		os.Exit(1)
	}

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, svc)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.TenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repository: repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Manager:    manager,
		Pipeline:   svc,
		Metrics:    collector,
		Gatherer:   prometheus.DefaultGatherer,
		Version:    Version,
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("billguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("billguard shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  BILLGUARD  billing batch validation")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /validate                  - Validate a batch")
	fmt.Println("    GET    /runs                      - Recent validation runs")
	fmt.Println("    GET    /runs/{id}                 - Get a run by ID")
	fmt.Println("    GET    /thresholds                - Tenant thresholds")
	fmt.Println("    PUT    /thresholds                - Update tenant thresholds")
	fmt.Println("    GET    /expression-rules          - List expression rules")
	fmt.Println("    POST   /expression-rules          - Create or replace a rule")
	fmt.Println("    DELETE /expression-rules/{id}     - Delete a rule")
	fmt.Println("    POST   /expression-rules/reload   - Rebuild the tenant engine")
	fmt.Println("    GET    /health, /ready, /metrics  - Operations")
	fmt.Println()
}
