package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/analytics"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/experiment"
	"github.com/opensource-finance/kestrel/internal/pricing"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/signals"
	"github.com/opensource-finance/kestrel/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the Kestrel HTTP server and the analytics worker.

Example:
  kestrel serve --config kestrel.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// components holds the storage layers and the rule stack shared by commands.
type components struct {
	repo     domain.Repository
	cache    domain.Cache
	rules    *rules.Service
	engine   *rules.Engine
	pipeline *pricing.Pipeline
}

func (c *components) Close() {
	if err := c.cache.Close(); err != nil {
		slog.Warn("failed to close cache", "error", err)
	}
	if err := c.repo.Close(); err != nil {
		slog.Warn("failed to close repository", "error", err)
	}
}

// buildComponents opens the repository and cache and wires the rule
// service into a pricing pipeline. eventBus may be nil.
func buildComponents(cfg *domain.Config, eventBus domain.EventBus) (*components, error) {
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	engine, err := rules.NewEngine()
	if err != nil {
		cacheImpl.Close()
		repo.Close()
		return nil, fmt.Errorf("failed to initialize condition engine: %w", err)
	}

	ruleService := rules.NewService(repo, cacheImpl, eventBus, engine, cfg.Cache.RulesTTL)
	return &components{
		repo:     repo,
		cache:    cacheImpl,
		rules:    ruleService,
		engine:   engine,
		pipeline: pricing.NewPipeline(ruleService, engine, cfg.Pricing),
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	comp, err := buildComponents(cfg, busImpl)
	if err != nil {
		return err
	}
	defer comp.Close()

	allocator := experiment.NewAllocator(comp.repo, busImpl, cfg.Experiments.Seed)
	recorder := analytics.NewRecorder(comp.repo)

	eventWorker := worker.NewWorker(busImpl, recorder)
	if err := eventWorker.Start(worker.Config{}); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	srv := api.NewServer(cfg.Server, cfg.Metrics, api.Dependencies{
		Repo:        comp.repo,
		Cache:       comp.cache,
		Bus:         busImpl,
		Rules:       comp.rules,
		Pricing:     comp.pipeline,
		Experiments: allocator,
		Signals:     signals.NewIngestor(comp.repo),
		Analytics:   recorder,
	}, Version)

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

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		return err
	}

	if err := eventWorker.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}
