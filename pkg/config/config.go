// Package config loads the process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/runcore-io/runcore/pkg/models"
	"github.com/runcore-io/runcore/pkg/pricing"
)

// StoreBackend selects the durable store implementation.
type StoreBackend string

const (
	StoreBackendMemory   StoreBackend = "memory"
	StoreBackendSQLite   StoreBackend = "sqlite"
	StoreBackendPostgres StoreBackend = "postgres"
)

// Config is the process configuration assembled from the environment.
type Config struct {
	// Budget caps applied by the budget manager.
	Budget models.BudgetConfig

	// UnknownPricingMode decides whether calls with unresolvable pricing are
	// blocked or annotated. Production default is block.
	UnknownPricingMode pricing.UnknownMode

	// MaxConcurrentTasks bounds parallel task dispatch within one run.
	MaxConcurrentTasks int

	// StoreBackend selects the durable store: memory, sqlite, or postgres.
	StoreBackend StoreBackend

	// SQLitePath is the database file when StoreBackend is sqlite.
	SQLitePath string

	// ModelProvider selects the model client: openai, anthropic, or stub.
	ModelProvider string
	DefaultModel  string

	// ServerAddr is the observability API listen address.
	ServerAddr string
}

// Load reads the configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	budget := models.DefaultBudgetConfig()
	var err error
	if budget.MaxCostPerRun, err = floatEnv("BUDGET_MAX_COST_PER_RUN", budget.MaxCostPerRun); err != nil {
		return nil, err
	}
	if budget.MaxCostPerSession, err = floatEnv("BUDGET_MAX_COST_PER_SESSION", budget.MaxCostPerSession); err != nil {
		return nil, err
	}
	if budget.WarningThreshold, err = floatEnv("BUDGET_WARNING_THRESHOLD", budget.WarningThreshold); err != nil {
		return nil, err
	}
	if budget.WarningThreshold < 0 || budget.WarningThreshold > 1 {
		return nil, fmt.Errorf("BUDGET_WARNING_THRESHOLD must be in [0,1], got %v", budget.WarningThreshold)
	}

	mode := pricing.UnknownMode(getEnvOrDefault("COST_UNKNOWN_PRICING_MODE", string(pricing.UnknownModeBlock)))
	if mode != pricing.UnknownModeBlock && mode != pricing.UnknownModeWarn {
		return nil, fmt.Errorf("COST_UNKNOWN_PRICING_MODE must be block or warn, got %q", mode)
	}

	maxTasks, err := intEnv("MAX_CONCURRENT_TASKS", 1)
	if err != nil {
		return nil, err
	}
	if maxTasks < 1 {
		return nil, fmt.Errorf("MAX_CONCURRENT_TASKS must be >= 1, got %d", maxTasks)
	}

	backend := StoreBackend(getEnvOrDefault("STORE_BACKEND", string(StoreBackendMemory)))
	switch backend {
	case StoreBackendMemory, StoreBackendSQLite, StoreBackendPostgres:
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be memory, sqlite, or postgres, got %q", backend)
	}

	return &Config{
		Budget:             budget,
		UnknownPricingMode: mode,
		MaxConcurrentTasks: maxTasks,
		StoreBackend:       backend,
		SQLitePath:         getEnvOrDefault("SQLITE_PATH", "runcore.db"),
		ModelProvider:      getEnvOrDefault("MODEL_PROVIDER", "openai"),
		DefaultModel:       os.Getenv("MODEL_DEFAULT"),
		ServerAddr:         getEnvOrDefault("SERVER_ADDR", ":8080"),
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func floatEnv(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func intEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
