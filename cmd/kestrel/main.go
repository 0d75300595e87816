// Kestrel - Fraud rule evaluation for public-service submissions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/expression"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/rulestore"
	"github.com/opensource-finance/kestrel/internal/tracker"
	"github.com/opensource-finance/kestrel/internal/validator"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"trackers", cfg.Trackers.Type,
		"rules_source", cfg.Rules.Source,
		"validators", len(cfg.Validators.Validators),
		"tracing", cfg.Tracing.Enabled,
	)

	if err := run(cfg); err != nil {
		slog.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

func run(cfg *domain.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	trackers, err := tracker.New(cfg.Trackers)
	if err != nil {
		return fmt.Errorf("failed to initialize trackers: %w", err)
	}
	defer trackers.Close()
	slog.Info("trackers initialized", "type", cfg.Trackers.Type)

	expr, err := expression.New()
	if err != nil {
		return fmt.Errorf("failed to initialize expression evaluator: %w", err)
	}
	internal := rules.NewEvaluator(trackers.Trackers, expr)

	invoker, err := validator.NewInvoker(cfg.Validators)
	if err != nil {
		return fmt.Errorf("failed to initialize validator invoker: %w", err)
	}
	external := validator.NewOrchestrator(invoker, cfg.Validators, expr)

	source, err := rulestore.NewSource(cfg.Rules, repo, cacheImpl)
	if err != nil {
		return fmt.Errorf("failed to initialize rule source: %w", err)
	}
	store := rulestore.New(source, cfg.Rules.TTL)

	eng := engine.New(store, internal, external, engine.Config{
		DefaultModule: cfg.Rules.DefaultModule,
		MaxWorkers:    cfg.Engine.MaxWorkers,
		Timeout:       cfg.Engine.EvaluationTimeout,
	})

	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || getEnvAsBool("KESTREL_ASYNC_WORKER", false) {
		asyncWorker = worker.NewWorker(busImpl, repo, eng)
		if err := asyncWorker.Start(worker.Config{
			TenantIDs:   tenantList(),
			Concurrency: cfg.Engine.AsyncWorkers,
		}); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, eng, store, internal.Validate, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	var serveErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}

	// Stop intake before draining the worker.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	return serveErr
}
