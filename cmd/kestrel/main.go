// Kestrel - Fraud scoring that deploys in 60 seconds.
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

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoder"
	"github.com/opensource-finance/kestrel/internal/explain"
	"github.com/opensource-finance/kestrel/internal/inference"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	if path := os.Getenv("KESTREL_MODEL_PATH"); path != "" {
		cfg.Model.Path = path
	}
	if path := os.Getenv("KESTREL_REGISTRY_PATH"); path != "" {
		cfg.Registry.Path = path
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"model_path", cfg.Model.Path,
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

	// Initialize Category Registry
	reg, err := loadRegistry(cfg.Registry)
	if err != nil {
		slog.Error("failed to load category registry", "error", err)
		os.Exit(1)
	}
	slog.Info("category registry loaded",
		"version", reg.Version,
		"columns", reg.ColumnCount(),
	)

	// Initialize Encoder
	enc := encoder.New(reg, logger)

	// Load model artifact. A missing or invalid artifact is not fatal:
	// the server comes up degraded and reports model_loaded=false.
	var predictor model.Predictor
	var explainer *explain.Engine
	if loaded, err := model.Load(cfg.Model.Path, reg.Schema()); err != nil {
		slog.Warn("model artifact unavailable, serving degraded",
			"path", cfg.Model.Path,
			"error", err,
		)
	} else {
		predictor = loaded
		explainer = explain.New(predictor, cacheImpl, cfg.Inference.TopK, cfg.Inference.AttributionTTL, logger)
		slog.Info("model loaded",
			"family", predictor.Family(),
			"version", predictor.Version(),
			"features", len(predictor.FeatureNames()),
		)
	}

	// Initialize Inference Engine
	engine := inference.New(enc, predictor, explainer, cfg.Inference, logger)

	// Initialize Policy Engine
	policyEngine, err := policy.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}

	// Tenants to preload policies and workers for
	tenantIDs := parseTenants(os.Getenv("KESTREL_TENANTS"))

	// Load policies from database (no hardcoded defaults - configure via API)
	if err := loadPoliciesFromDatabase(ctx, repo, policyEngine, tenantIDs); err != nil {
		slog.Error("failed to load policies", "error", err)
		os.Exit(1)
	}
	slog.Info("policy engine initialized", "policies_count", policyEngine.PoliciesCount())

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, engine, policyEngine, cacheImpl)

		workerCfg := worker.Config{
			TenantIDs:   tenantIDs,
			WorkerCount: 5,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, policyEngine, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"model_loaded", engine.ModelLoaded(),
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

	slog.Info("kestrel shutdown complete")
}

// loadRegistry loads the category registry, falling back to the
// built-in defaults when no override file is configured.
func loadRegistry(cfg domain.RegistryConfig) (*registry.Registry, error) {
	if cfg.Path == "" {
		return registry.Default(), nil
	}
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		slog.Info("no registry override file, using built-in defaults", "path", cfg.Path)
		return registry.Default(), nil
	}
	return registry.Load(cfg.Path)
}

// parseTenants splits a comma-separated tenant list from the environment.
func parseTenants(raw string) []string {
	if raw == "" {
		return nil
	}
	var tenants []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tenants = append(tenants, t)
		}
	}
	return tenants
}

// loadPoliciesFromDatabase loads alert policies for the configured
// tenants into the engine. All policies are configured via
// POST /policies - no hardcoded defaults.
func loadPoliciesFromDatabase(ctx context.Context, repo domain.Repository, engine *policy.Engine, tenantIDs []string) error {
	if len(tenantIDs) == 0 {
		slog.Info("no tenants configured - policies load via POST /policies API")
		return nil
	}

	total := 0
	for _, tenantID := range tenantIDs {
		dbPolicies, err := repo.ListPolicies(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to list policies from database", "tenant_id", tenantID, "error", err)
			continue
		}
		if err := engine.LoadPolicies(dbPolicies); err != nil {
			return err
		}
		total += len(dbPolicies)
	}

	if total > 0 {
		slog.Info("loaded policies from database", "count", total)
	} else {
		slog.Info("no policies in database - configure via POST /policies API")
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║        Fraud Inference Engine              ║")
	fmt.Println("  ║      Sharp eyes on every payment.          ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /predict           - Score a transaction")
	fmt.Println("    POST /predict/batch     - Score a batch (JSON or CSV upload)")
	fmt.Println("    GET  /predictions       - List recent predictions")
	fmt.Println("    GET  /predictions/{id}  - Get prediction by ID")
	fmt.Println("    GET  /transactions/{id} - Get transaction by ID")
	fmt.Println("    GET  /policies          - List alert policies")
	fmt.Println("    POST /policies          - Create an alert policy")
	fmt.Println("    POST /policies/reload   - Hot-reload policies from database")
	fmt.Println("    DELETE /policies/{id}   - Delete an alert policy")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println("    GET  /metrics           - Prometheus metrics")
	fmt.Println()
}
