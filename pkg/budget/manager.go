// Package budget implements cost admission control: preflight checks with
// estimated cost before a model call, and post-commit session accounting
// with actual cost after the ledger append.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/runcore-io/runcore/pkg/models"
	"github.com/runcore-io/runcore/pkg/pricing"
	"github.com/runcore-io/runcore/pkg/store"
)

// sessionCostKeyFmt is the durable accumulator for one session.
const sessionCostKeyFmt = "session:%s:cost:total"

// Conservative fallback rates (GPT-4o-class, USD per 1K tokens) used when
// preflight has neither a provider-reported cost nor a registry entry.
// Preflight must never estimate zero for an unpriced call.
const (
	fallbackInputPer1K  = 0.005
	fallbackOutputPer1K = 0.015
)

// ExceededError is raised when a per-run projection exceeds the cap.
type ExceededError struct {
	RunID     string
	Projected float64
	Limit     float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("run %s budget exceeded: projected $%.6f > limit $%.2f",
		e.RunID, e.Projected, e.Limit)
}

// SessionExceededError is raised when a per-session projection exceeds the cap.
type SessionExceededError struct {
	SessionID string
	Projected float64
	Limit     float64
}

func (e *SessionExceededError) Error() string {
	return fmt.Sprintf("session %s budget exceeded: projected $%.6f > limit $%.2f",
		e.SessionID, e.Projected, e.Limit)
}

// CostTracker exposes the current committed cost of a run.
// Implemented by ledger.Ledger.
type CostTracker interface {
	CurrentCost(ctx context.Context, runID string) (float64, error)
}

// Manager enforces per-run and per-session cost caps. It owns the in-memory
// session accumulator and is its only writer; mutations are serialized per
// session. Denial decisions use estimated cost, commits use actual cost;
// preflight must fail fast before the model is called.
type Manager struct {
	tracker  CostTracker
	registry *pricing.Registry
	store    store.DurableStore

	cfgMu sync.RWMutex
	cfg   models.BudgetConfig

	mu           sync.Mutex // guards sessionCosts and sessionLocks
	sessionCosts map[string]float64
	sessionLocks map[string]*sync.Mutex
}

// NewManager creates a budget manager. Call LoadSessionCosts before serving
// to warm the accumulator from durable state.
func NewManager(tracker CostTracker, registry *pricing.Registry, s store.DurableStore, cfg models.BudgetConfig) *Manager {
	if cfg.MaxCostPerRun <= 0 {
		cfg.MaxCostPerRun = models.DefaultBudgetConfig().MaxCostPerRun
	}
	if cfg.MaxCostPerSession <= 0 {
		cfg.MaxCostPerSession = models.DefaultBudgetConfig().MaxCostPerSession
	}
	if cfg.WarningThreshold <= 0 || cfg.WarningThreshold > 1 {
		cfg.WarningThreshold = models.DefaultBudgetConfig().WarningThreshold
	}
	return &Manager{
		tracker:      tracker,
		registry:     registry,
		store:        s,
		cfg:          cfg,
		sessionCosts: make(map[string]float64),
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

// EstimateCallCost computes the admission estimate for a call:
// provider-reported cost when present, registry price when seeded, and the
// conservative fallback rate otherwise.
func (m *Manager) EstimateCallCost(usage models.LLMUsage) float64 {
	if usage.Cost > 0 {
		return usage.Cost
	}
	breakdown := m.registry.CalculateCost(usage)
	if breakdown.Source == models.PricingSourceRegistry {
		return breakdown.TotalCost
	}
	return float64(usage.PromptTokens)/1000*fallbackInputPer1K +
		float64(usage.CompletionTokens)/1000*fallbackOutputPer1K
}

// Preflight admits or denies a call using estimated usage. Returns
// *ExceededError or *SessionExceededError on denial; the caller must not
// invoke the model or write a ledger event after a denial.
func (m *Manager) Preflight(ctx context.Context, callCtx models.CallContext, estimated models.LLMUsage) error {
	cfg := m.GetConfig()
	estimatedCost := m.EstimateCallCost(estimated.Normalize())

	currentRun, err := m.tracker.CurrentCost(ctx, callCtx.RunID)
	if err != nil {
		return fmt.Errorf("preflight: read run cost: %w", err)
	}
	projectedRun := currentRun + estimatedCost
	if projectedRun > cfg.MaxCostPerRun {
		return &ExceededError{RunID: callCtx.RunID, Projected: projectedRun, Limit: cfg.MaxCostPerRun}
	}

	currentSession := m.sessionCost(callCtx.SessionID)
	projectedSession := currentSession + estimatedCost
	if projectedSession > cfg.MaxCostPerSession {
		return &SessionExceededError{SessionID: callCtx.SessionID, Projected: projectedSession, Limit: cfg.MaxCostPerSession}
	}

	if cfg.MaxCostPerRun > 0 && currentRun/cfg.MaxCostPerRun >= cfg.WarningThreshold {
		slog.Warn("Run approaching budget cap",
			"run_id", callCtx.RunID,
			"session_id", callCtx.SessionID,
			"current_cost_usd", currentRun,
			"max_cost_usd", cfg.MaxCostPerRun)
	}
	return nil
}

// PostCommit advances the session accumulator by the actual committed cost
// and persists it. Invoked exactly once per appended ledger event, after the
// append succeeded.
func (m *Manager) PostCommit(ctx context.Context, callCtx models.CallContext, actualCost float64) error {
	if actualCost < 0 {
		return fmt.Errorf("post-commit: negative cost %f", actualCost)
	}
	lock := m.sessionLock(callCtx.SessionID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	total := m.sessionCosts[callCtx.SessionID] + actualCost
	m.sessionCosts[callCtx.SessionID] = total
	m.mu.Unlock()

	key := fmt.Sprintf(sessionCostKeyFmt, callCtx.SessionID)
	if err := m.store.Put(ctx, key, []byte(strconv.FormatFloat(total, 'f', -1, 64))); err != nil {
		return fmt.Errorf("post-commit: persist session total: %w", err)
	}
	return nil
}

// RemainingBudget returns what is left of the per-run cap, floored at zero.
func (m *Manager) RemainingBudget(ctx context.Context, runID string) (float64, error) {
	current, err := m.tracker.CurrentCost(ctx, runID)
	if err != nil {
		return 0, err
	}
	remaining := m.GetConfig().MaxCostPerRun - current
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// IsOverBudget reports whether the run has consumed its cap.
func (m *Manager) IsOverBudget(ctx context.Context, runID string) (bool, error) {
	current, err := m.tracker.CurrentCost(ctx, runID)
	if err != nil {
		return false, err
	}
	return current >= m.GetConfig().MaxCostPerRun, nil
}

// SessionCost returns the in-memory accumulator for a session.
// Reads outside a commit may observe slightly stale values; preflight is an
// advisory admission decision, not a serializability boundary.
func (m *Manager) SessionCost(sessionID string) float64 {
	return m.sessionCost(sessionID)
}

// LoadSessionCosts warms the in-memory accumulator from durable state.
// Called once at boot before the manager serves preflights.
func (m *Manager) LoadSessionCosts(ctx context.Context) error {
	entries, err := m.store.List(ctx, store.ListOptions{Prefix: "session:"})
	if err != nil {
		return fmt.Errorf("load session costs: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	loaded := 0
	for key, raw := range entries {
		sessionID, ok := parseSessionCostKey(key)
		if !ok {
			continue
		}
		total, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			slog.Warn("Skipping corrupt session cost entry", "key", key, "error", err)
			continue
		}
		m.sessionCosts[sessionID] = total
		loaded++
	}
	slog.Info("Session cost accumulator loaded", "sessions", loaded)
	return nil
}

// ReconcileSession overwrites a session accumulator with a total re-derived
// from committed ledger events, closing the crash window between a ledger
// append and its post-commit.
func (m *Manager) ReconcileSession(ctx context.Context, sessionID string, totalFromEvents float64) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	m.sessionCosts[sessionID] = totalFromEvents
	m.mu.Unlock()

	key := fmt.Sprintf(sessionCostKeyFmt, sessionID)
	if err := m.store.Put(ctx, key, []byte(strconv.FormatFloat(totalFromEvents, 'f', -1, 64))); err != nil {
		return fmt.Errorf("reconcile session %s: %w", sessionID, err)
	}
	return nil
}

// UpdateConfig applies a partial config update; zero-valued fields keep
// their current values.
func (m *Manager) UpdateConfig(partial models.BudgetConfig) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	if partial.MaxCostPerRun > 0 {
		m.cfg.MaxCostPerRun = partial.MaxCostPerRun
	}
	if partial.MaxCostPerSession > 0 {
		m.cfg.MaxCostPerSession = partial.MaxCostPerSession
	}
	if partial.WarningThreshold > 0 && partial.WarningThreshold <= 1 {
		m.cfg.WarningThreshold = partial.WarningThreshold
	}
}

// GetConfig returns the current budget configuration.
func (m *Manager) GetConfig() models.BudgetConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

func (m *Manager) sessionCost(sessionID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionCosts[sessionID]
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.sessionLocks[sessionID]; ok {
		return l
	}
	l := &sync.Mutex{}
	m.sessionLocks[sessionID] = l
	return l
}

// parseSessionCostKey extracts the session id from "session:<id>:cost:total".
func parseSessionCostKey(key string) (string, bool) {
	if !strings.HasPrefix(key, "session:") || !strings.HasSuffix(key, ":cost:total") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, "session:"), ":cost:total")
	if id == "" {
		return "", false
	}
	return id, true
}
