// Package e2e wires the full stack together (engine, agent, gateway,
// ledger, budget, pricing) against the deterministic model stub and checks
// the end-to-end cost accounting behavior.
package e2e

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runcore-io/runcore/pkg/agent"
	"github.com/runcore-io/runcore/pkg/budget"
	"github.com/runcore-io/runcore/pkg/engine"
	"github.com/runcore-io/runcore/pkg/gateway"
	"github.com/runcore-io/runcore/pkg/ledger"
	"github.com/runcore-io/runcore/pkg/model"
	"github.com/runcore-io/runcore/pkg/models"
	"github.com/runcore-io/runcore/pkg/pricing"
	"github.com/runcore-io/runcore/pkg/store"
)

type stack struct {
	engine *engine.Engine
	ledger *ledger.Ledger
	budget *budget.Manager
	client *model.StubClient
}

func newStack(t *testing.T, cfg models.BudgetConfig, mode pricing.UnknownMode, client *model.StubClient) *stack {
	t.Helper()

	registry, err := pricing.NewRegistry(true)
	require.NoError(t, err)
	require.NoError(t, registry.Clear())
	registry.RegisterPrice("openai", "gpt-4o", pricing.Entry{InputPrice: 0.005, OutputPrice: 0.015})

	s := store.NewMemoryStore()
	l := ledger.New(s)
	b := budget.NewManager(l, registry, s, cfg)
	gw := gateway.New(client, l, b, pricing.NewResolver(registry, mode), nil, nil)

	agents := agent.NewRegistry()
	agent.RegisterDefaults(agents)

	return &stack{
		engine: engine.New(s, agents, gw, nil, nil, engine.Config{MaxConcurrentTasks: 1}),
		ledger: l,
		budget: b,
		client: client,
	}
}

var phaseUsage = models.LLMUsage{PromptTokens: 120, CompletionTokens: 60, TotalTokens: 180}

func singleTaskPlan() json.RawMessage {
	return json.RawMessage(`{
		"tasks": [
			{"id": "t1", "type": "analyze", "description": "inspect the code", "depends_on": [], "expected_output": "findings"}
		],
		"metadata": {"estimated_steps": 1}
	}`)
}

func chainPlan() json.RawMessage {
	return json.RawMessage(`{
		"tasks": [
			{"id": "t1", "type": "analyze", "description": "first", "depends_on": [], "expected_output": "a"},
			{"id": "t2", "type": "edit", "description": "second", "depends_on": ["t1"], "expected_output": "b"},
			{"id": "t3", "type": "test", "description": "third", "depends_on": ["t2"], "expected_output": "c"}
		],
		"metadata": {"estimated_steps": 3}
	}`)
}

func request() engine.RunRequest {
	return engine.RunRequest{
		RunID:     "run-e2e",
		SessionID: "session-e2e",
		AgentType: agent.CodingAgentType,
		Prompt:    "review the repository",
	}
}

func TestThreePhaseCostCoverage(t *testing.T) {
	client := model.NewStubClient("openai", "gpt-4o").
		Add(model.StubScriptEntry{Object: singleTaskPlan(), Usage: phaseUsage}).
		Add(model.StubScriptEntry{Text: "task output", Usage: phaseUsage}).
		Add(model.StubScriptEntry{Text: "final answer", Usage: phaseUsage})

	st := newStack(t, models.DefaultBudgetConfig(), pricing.UnknownModeBlock, client)

	result, err := st.engine.Execute(context.Background(), request())
	require.NoError(t, err)
	require.NoError(t, result.Err)
	require.Equal(t, models.RunStatusCompleted, result.Run.Status)
	assert.Equal(t, "final answer", result.Response)

	events, err := st.ledger.GetEvents(context.Background(), "run-e2e")
	require.NoError(t, err)
	require.Len(t, events, 3, "one event per phase")

	phases := []models.Phase{models.PhasePlanning, models.PhaseTask, models.PhaseSynthesis}
	for i, e := range events {
		assert.Equal(t, phases[i], e.Phase)
		assert.Equal(t, models.PricingSourceRegistry, e.PricingSource)
		assert.InDelta(t, 0.0015, e.CalculatedCostUsd, 1e-9,
			"(120/1000)*0.005 + (60/1000)*0.015 = 0.0015")
	}
	assert.Equal(t, "t1", events[1].TaskID)
	assert.Empty(t, events[0].TaskID)
	assert.Empty(t, events[2].TaskID)

	snapshot, err := st.ledger.Aggregate(context.Background(), "run-e2e")
	require.NoError(t, err)
	assert.Equal(t, 3, snapshot.EventCount)
	assert.InDelta(t, 0.0045, snapshot.TotalCost, 1e-9)
	assert.Equal(t, 540, snapshot.TotalTokens)

	// Session accumulator equals the sum of committed events.
	assert.InDelta(t, 0.0045, st.budget.SessionCost("session-e2e"), 1e-9)
}

func TestBudgetDenialLeavesLedgerEmpty(t *testing.T) {
	client := model.NewStubClient("openai", "gpt-4o").
		Add(model.StubScriptEntry{Object: singleTaskPlan(), Usage: phaseUsage})

	cfg := models.BudgetConfig{MaxCostPerRun: 0.00001, MaxCostPerSession: 20.0, WarningThreshold: 0.8}
	st := newStack(t, cfg, pricing.UnknownModeBlock, client)

	result, err := st.engine.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusBlocked, result.Run.Status)
	assert.True(t, gateway.IsBudgetError(result.Err))

	assert.Zero(t, st.client.Calls(), "preflight denial happens before the model call")
	events, err := st.ledger.GetEvents(context.Background(), "run-e2e")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestUnknownPricingBlocksRun(t *testing.T) {
	client := model.NewStubClient("unknown", "unseeded-model").
		Add(model.StubScriptEntry{Object: singleTaskPlan(), Usage: phaseUsage})

	st := newStack(t, models.DefaultBudgetConfig(), pricing.UnknownModeBlock, client)

	result, err := st.engine.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusBlocked, result.Run.Status)
	var unknownErr *gateway.UnknownPricingError
	require.ErrorAs(t, result.Err, &unknownErr)

	events, err := st.ledger.GetEvents(context.Background(), "run-e2e")
	require.NoError(t, err)
	assert.Empty(t, events, "fail-closed pricing writes no event")
}

func TestTaskFailureSkipsDependentsAndSkipsSynthesis(t *testing.T) {
	client := model.NewStubClient("openai", "gpt-4o").
		Add(model.StubScriptEntry{Object: chainPlan(), Usage: phaseUsage}).
		Add(model.StubScriptEntry{Err: assert.AnError})

	st := newStack(t, models.DefaultBudgetConfig(), pricing.UnknownModeBlock, client)

	result, err := st.engine.Execute(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, result.Run.Status)

	statuses := map[string]models.TaskStatus{}
	for _, r := range result.TaskResults {
		statuses[r.TaskID] = r.Status
	}
	assert.Equal(t, models.TaskStatusFailed, statuses["t1"])
	assert.Equal(t, models.TaskStatusSkipped, statuses["t2"])
	assert.Equal(t, models.TaskStatusSkipped, statuses["t3"])

	// Planning committed its event; the failed task call did not, and no
	// synthesis call was made.
	events, err := st.ledger.GetEvents(context.Background(), "run-e2e")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.PhasePlanning, events[0].Phase)
	assert.Equal(t, 2, st.client.Calls(), "plan plus the failed task call")
}

func TestDeterministicLedgerSequence(t *testing.T) {
	script := func() *model.StubClient {
		return model.NewStubClient("openai", "gpt-4o").
			Add(model.StubScriptEntry{Object: chainPlan(), Usage: phaseUsage}).
			Add(model.StubScriptEntry{Text: "out1", Usage: phaseUsage}).
			Add(model.StubScriptEntry{Text: "out2", Usage: phaseUsage}).
			Add(model.StubScriptEntry{Text: "out3", Usage: phaseUsage}).
			Add(model.StubScriptEntry{Text: "final", Usage: phaseUsage})
	}

	type eventShape struct {
		Phase  models.Phase
		TaskID string
		Tokens int
		Cost   float64
		Key    string
	}
	capture := func() []eventShape {
		st := newStack(t, models.DefaultBudgetConfig(), pricing.UnknownModeBlock, script())
		result, err := st.engine.Execute(context.Background(), request())
		require.NoError(t, err)
		require.Equal(t, models.RunStatusCompleted, result.Run.Status)

		events, err := st.ledger.GetEvents(context.Background(), "run-e2e")
		require.NoError(t, err)
		shapes := make([]eventShape, 0, len(events))
		for _, e := range events {
			shapes = append(shapes, eventShape{
				Phase: e.Phase, TaskID: e.TaskID,
				Tokens: e.TotalTokens, Cost: e.CalculatedCostUsd,
				Key: e.IdempotencyKey,
			})
		}
		return shapes
	}

	first := capture()
	second := capture()
	assert.Equal(t, first, second,
		"identical inputs yield identical ledger sequences modulo event ids and timestamps")
}

func TestSessionBudgetSpansRuns(t *testing.T) {
	client := model.NewStubClient("openai", "gpt-4o").
		Add(model.StubScriptEntry{Object: singleTaskPlan(), Usage: phaseUsage}).
		Add(model.StubScriptEntry{Text: "task output", Usage: phaseUsage}).
		Add(model.StubScriptEntry{Text: "final", Usage: phaseUsage}).
		Add(model.StubScriptEntry{Object: singleTaskPlan(), Usage: phaseUsage}).
		Add(model.StubScriptEntry{Text: "task output", Usage: phaseUsage}).
		Add(model.StubScriptEntry{Text: "final", Usage: phaseUsage})

	st := newStack(t, models.DefaultBudgetConfig(), pricing.UnknownModeBlock, client)

	result, err := st.engine.Execute(context.Background(), request())
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, result.Run.Status)

	// A second run in the same session starts from the accumulated cost.
	assert.InDelta(t, 0.0045, st.budget.SessionCost("session-e2e"), 1e-9)

	secondReq := request()
	secondReq.RunID = "run-e2e-2"
	result, err = st.engine.Execute(context.Background(), secondReq)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCompleted, result.Run.Status)
	assert.InDelta(t, 0.009, st.budget.SessionCost("session-e2e"), 1e-9)
}
