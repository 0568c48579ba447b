// Runcore server: drives runs through planning, task execution, and
// synthesis, with every model call metered through the cost pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/runcore-io/runcore/pkg/agent"
	"github.com/runcore-io/runcore/pkg/api"
	"github.com/runcore-io/runcore/pkg/budget"
	"github.com/runcore-io/runcore/pkg/config"
	"github.com/runcore-io/runcore/pkg/engine"
	"github.com/runcore-io/runcore/pkg/events"
	"github.com/runcore-io/runcore/pkg/gateway"
	"github.com/runcore-io/runcore/pkg/ledger"
	"github.com/runcore-io/runcore/pkg/masking"
	"github.com/runcore-io/runcore/pkg/metrics"
	"github.com/runcore-io/runcore/pkg/model"
	"github.com/runcore-io/runcore/pkg/pricing"
	"github.com/runcore-io/runcore/pkg/store"
	"github.com/runcore-io/runcore/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting runcore",
		"version", version.Full(),
		"store_backend", cfg.StoreBackend,
		"model_provider", cfg.ModelProvider,
		"unknown_pricing_mode", cfg.UnknownPricingMode,
		"max_concurrent_tasks", cfg.MaxConcurrentTasks)

	ctx := context.Background()

	// 1. Durable store.
	durable, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open durable store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// 2. Pricing. Fail-closed seeding in block mode: unknown models in
	// production must not silently cost zero.
	registry, err := pricing.NewRegistry(cfg.UnknownPricingMode == pricing.UnknownModeBlock)
	if err != nil {
		slog.Error("Failed to seed pricing registry", "error", err)
		os.Exit(1)
	}
	resolver := pricing.NewResolver(registry, cfg.UnknownPricingMode)

	// 3. Accounting.
	costLedger := ledger.New(durable)
	budgetMgr := budget.NewManager(costLedger, registry, durable, cfg.Budget)
	if err := budgetMgr.LoadSessionCosts(ctx); err != nil {
		slog.Error("Failed to load session costs", "error", err)
		os.Exit(1)
	}
	if err := reconcileSessions(ctx, costLedger, budgetMgr); err != nil {
		slog.Error("Session reconciliation failed", "error", err)
		// Non-fatal; the loaded accumulator still serves.
	}

	// 4. Model client and gateway.
	client, err := buildModelClient(cfg)
	if err != nil {
		slog.Error("Failed to initialize model client", "provider", cfg.ModelProvider, "error", err)
		os.Exit(1)
	}

	registerer := prometheus.NewRegistry()
	m := metrics.New(registerer)
	redactor := masking.NewRedactor(nil)
	gw := gateway.New(client, costLedger, budgetMgr, resolver, redactor, m)

	// 5. Agents and engine.
	agents := agent.NewRegistry()
	agent.RegisterDefaults(agents)
	bus := events.NewBus()
	defer bus.Close()

	eng := engine.New(durable, agents, gw, bus, m, engine.Config{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
	})

	// 6. HTTP server.
	server := api.NewServer(eng, costLedger, budgetMgr, registerer)
	httpServer := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ServerAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 7. Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error", "error", err)
	}

	// Cancel active runs so their streaming fallbacks commit before exit.
	for _, runID := range eng.ActiveRuns() {
		eng.Cancel(runID)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	slog.Info("Shutdown complete")
}

// openStore builds the configured durable store and a close function.
func openStore(ctx context.Context, cfg *config.Config) (store.DurableStore, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		return store.NewMemoryStore(), func() {}, nil
	case config.StoreBackendSQLite:
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				slog.Error("Error closing sqlite store", "error", err)
			}
		}, nil
	case config.StoreBackendPostgres:
		pgCfg, err := store.LoadPostgresConfigFromEnv()
		if err != nil {
			return nil, nil, err
		}
		db, err := store.OpenPostgres(ctx, pgCfg)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgresStore(db, "core"), func() {
			if err := db.Close(); err != nil {
				slog.Error("Error closing database", "error", err)
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

// buildModelClient selects the model client from configuration.
func buildModelClient(cfg *config.Config) (model.Client, error) {
	switch cfg.ModelProvider {
	case "openai":
		return model.NewOpenAIClient(os.Getenv("OPENAI_API_KEY"), cfg.DefaultModel)
	case "anthropic":
		return model.NewAnthropicClient(os.Getenv("ANTHROPIC_API_KEY"), cfg.DefaultModel)
	default:
		return nil, fmt.Errorf("unsupported model provider %q", cfg.ModelProvider)
	}
}

// reconcileSessions overwrites the session accumulator with totals re-derived
// from committed ledger events.
func reconcileSessions(ctx context.Context, l *ledger.Ledger, b *budget.Manager) error {
	totals, err := l.SessionTotals(ctx)
	if err != nil {
		return err
	}
	for sessionID, total := range totals {
		if err := b.ReconcileSession(ctx, sessionID, total); err != nil {
			return err
		}
	}
	if len(totals) > 0 {
		slog.Info("Session accumulator reconciled from ledger", "sessions", len(totals))
	}
	return nil
}
