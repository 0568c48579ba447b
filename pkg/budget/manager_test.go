package budget

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runcore-io/runcore/pkg/models"
	"github.com/runcore-io/runcore/pkg/pricing"
	"github.com/runcore-io/runcore/pkg/store"
)

// fixedTracker reports a constant committed cost for every run.
type fixedTracker struct {
	cost float64
}

func (f *fixedTracker) CurrentCost(context.Context, string) (float64, error) {
	return f.cost, nil
}

func newTestRegistry(t *testing.T) *pricing.Registry {
	t.Helper()
	r, err := pricing.NewRegistry(true)
	require.NoError(t, err)
	require.NoError(t, r.Clear())
	r.RegisterPrice("openai", "gpt-4o", pricing.Entry{InputPrice: 0.005, OutputPrice: 0.015})
	return r
}

func callCtx() models.CallContext {
	return models.CallContext{
		RunID:     "run-1",
		SessionID: "session-1",
		AgentType: "coding",
		Phase:     models.PhaseTask,
	}
}

func TestManager_EstimateCallCost(t *testing.T) {
	m := NewManager(&fixedTracker{}, newTestRegistry(t), store.NewMemoryStore(), models.DefaultBudgetConfig())

	t.Run("provider-reported cost wins", func(t *testing.T) {
		cost := m.EstimateCallCost(models.LLMUsage{Cost: 0.5})
		assert.Equal(t, 0.5, cost)
	})

	t.Run("registry price when seeded", func(t *testing.T) {
		cost := m.EstimateCallCost(models.LLMUsage{
			Provider: "openai", Model: "gpt-4o",
			PromptTokens: 120, CompletionTokens: 60,
		})
		assert.InDelta(t, 0.0015, cost, 1e-9)
	})

	t.Run("fallback rate for unpriced models is never zero", func(t *testing.T) {
		cost := m.EstimateCallCost(models.LLMUsage{
			Provider: "nobody", Model: "unseeded-model",
			PromptTokens: 1000, CompletionTokens: 1000,
		})
		assert.Positive(t, cost)
		assert.InDelta(t, 0.02, cost, 1e-9)
	})
}

func TestManager_Preflight(t *testing.T) {
	cfg := models.BudgetConfig{MaxCostPerRun: 1.0, MaxCostPerSession: 10.0, WarningThreshold: 0.8}
	estimated := models.LLMUsage{
		Provider: "openai", Model: "gpt-4o",
		PromptTokens: 120, CompletionTokens: 60,
	}

	t.Run("admits under both caps", func(t *testing.T) {
		m := NewManager(&fixedTracker{cost: 0.5}, newTestRegistry(t), store.NewMemoryStore(), cfg)
		assert.NoError(t, m.Preflight(context.Background(), callCtx(), estimated))
	})

	t.Run("denies when run projection exceeds cap", func(t *testing.T) {
		m := NewManager(&fixedTracker{cost: 0.9999}, newTestRegistry(t), store.NewMemoryStore(), cfg)
		err := m.Preflight(context.Background(), callCtx(), estimated)
		var exceeded *ExceededError
		require.ErrorAs(t, err, &exceeded)
		assert.Equal(t, "run-1", exceeded.RunID)
		assert.Equal(t, 1.0, exceeded.Limit)
	})

	t.Run("denies when session projection exceeds cap", func(t *testing.T) {
		m := NewManager(&fixedTracker{cost: 0}, newTestRegistry(t), store.NewMemoryStore(), cfg)
		// Push the session accumulator to the cap first.
		require.NoError(t, m.PostCommit(context.Background(), callCtx(), 10.0))

		err := m.Preflight(context.Background(), callCtx(), estimated)
		var exceeded *SessionExceededError
		require.ErrorAs(t, err, &exceeded)
		assert.Equal(t, "session-1", exceeded.SessionID)
	})

	t.Run("tiny cap denies any non-trivial call", func(t *testing.T) {
		tiny := models.BudgetConfig{MaxCostPerRun: 0.00001, MaxCostPerSession: 10.0, WarningThreshold: 0.8}
		m := NewManager(&fixedTracker{cost: 0}, newTestRegistry(t), store.NewMemoryStore(), tiny)
		err := m.Preflight(context.Background(), callCtx(), estimated)
		var exceeded *ExceededError
		assert.ErrorAs(t, err, &exceeded)
	})
}

func TestManager_PostCommit(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := NewManager(&fixedTracker{}, newTestRegistry(t), s, models.DefaultBudgetConfig())

	require.NoError(t, m.PostCommit(ctx, callCtx(), 0.25))
	require.NoError(t, m.PostCommit(ctx, callCtx(), 0.50))
	assert.InDelta(t, 0.75, m.SessionCost("session-1"), 1e-9)

	// The accumulator is durable: a fresh manager reloads it.
	fresh := NewManager(&fixedTracker{}, newTestRegistry(t), s, models.DefaultBudgetConfig())
	require.NoError(t, fresh.LoadSessionCosts(ctx))
	assert.InDelta(t, 0.75, fresh.SessionCost("session-1"), 1e-9)

	assert.Error(t, m.PostCommit(ctx, callCtx(), -0.1), "negative cost must be rejected")
}

func TestManager_RemainingBudget(t *testing.T) {
	ctx := context.Background()
	cfg := models.BudgetConfig{MaxCostPerRun: 2.0, MaxCostPerSession: 20.0, WarningThreshold: 0.8}

	m := NewManager(&fixedTracker{cost: 0.5}, newTestRegistry(t), store.NewMemoryStore(), cfg)
	remaining, err := m.RemainingBudget(ctx, "run-1")
	require.NoError(t, err)
	assert.InDelta(t, 1.5, remaining, 1e-9)

	over, err := m.IsOverBudget(ctx, "run-1")
	require.NoError(t, err)
	assert.False(t, over)

	spent := NewManager(&fixedTracker{cost: 3.0}, newTestRegistry(t), store.NewMemoryStore(), cfg)
	remaining, err = spent.RemainingBudget(ctx, "run-1")
	require.NoError(t, err)
	assert.Zero(t, remaining, "remaining budget is floored at zero")

	over, err = spent.IsOverBudget(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, over)
}

func TestManager_ReconcileSession(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	m := NewManager(&fixedTracker{}, newTestRegistry(t), s, models.DefaultBudgetConfig())

	require.NoError(t, m.PostCommit(ctx, callCtx(), 0.9))
	require.NoError(t, m.ReconcileSession(ctx, "session-1", 0.4))
	assert.InDelta(t, 0.4, m.SessionCost("session-1"), 1e-9)

	fresh := NewManager(&fixedTracker{}, newTestRegistry(t), s, models.DefaultBudgetConfig())
	require.NoError(t, fresh.LoadSessionCosts(ctx))
	assert.InDelta(t, 0.4, fresh.SessionCost("session-1"), 1e-9)
}

func TestManager_UpdateConfig(t *testing.T) {
	m := NewManager(&fixedTracker{}, newTestRegistry(t), store.NewMemoryStore(), models.DefaultBudgetConfig())

	m.UpdateConfig(models.BudgetConfig{MaxCostPerRun: 9.0})
	cfg := m.GetConfig()
	assert.Equal(t, 9.0, cfg.MaxCostPerRun)
	assert.Equal(t, models.DefaultBudgetConfig().MaxCostPerSession, cfg.MaxCostPerSession,
		"zero-valued fields keep their current values")

	m.UpdateConfig(models.BudgetConfig{WarningThreshold: 1.5})
	assert.Equal(t, models.DefaultBudgetConfig().WarningThreshold, m.GetConfig().WarningThreshold,
		"out-of-range threshold is ignored")
}

func TestParseSessionCostKey(t *testing.T) {
	id, ok := parseSessionCostKey("session:abc:cost:total")
	require.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = parseSessionCostKey("session::cost:total")
	assert.False(t, ok)

	_, ok = parseSessionCostKey("run:abc:cost:events")
	assert.False(t, ok)
}
