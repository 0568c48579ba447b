package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
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

var planObject = json.RawMessage(`{
	"tasks": [{"id": "t1", "type": "analyze", "description": "look", "depends_on": [], "expected_output": "notes"}],
	"metadata": {"estimated_steps": 1}
}`)

var callUsage = models.LLMUsage{PromptTokens: 120, CompletionTokens: 60, TotalTokens: 180}

func setupServer(t *testing.T) (*httptest.Server, *ledger.Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry, err := pricing.NewRegistry(true)
	require.NoError(t, err)
	require.NoError(t, registry.Clear())
	registry.RegisterPrice("openai", "gpt-4o", pricing.Entry{InputPrice: 0.005, OutputPrice: 0.015})

	client := model.NewStubClient("openai", "gpt-4o").
		Add(model.StubScriptEntry{Object: planObject, Usage: callUsage}).
		Add(model.StubScriptEntry{Text: "task output", Usage: callUsage}).
		Add(model.StubScriptEntry{Text: "final answer", Usage: callUsage})

	s := store.NewMemoryStore()
	l := ledger.New(s)
	b := budget.NewManager(l, registry, s, models.DefaultBudgetConfig())
	gw := gateway.New(client, l, b, pricing.NewResolver(registry, pricing.UnknownModeBlock), nil, nil)

	agents := agent.NewRegistry()
	agent.RegisterDefaults(agents)
	eng := engine.New(s, agents, gw, nil, nil, engine.Config{MaxConcurrentTasks: 1})

	server := NewServer(eng, l, b, nil)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return ts, l
}

func TestServer_Health(t *testing.T) {
	ts, _ := setupServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_SubmitAndPollRun(t *testing.T) {
	ts, l := setupServer(t)

	body, err := json.Marshal(SubmitRunRequest{
		RunID:     "run-api",
		SessionID: "session-api",
		Prompt:    "review this",
	})
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/v1/runs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	assert.Equal(t, "run-api", accepted["run_id"])

	// The run executes in the background; poll until terminal.
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/api/v1/runs/run-api")
		if err != nil || r.StatusCode != http.StatusOK {
			return false
		}
		defer r.Body.Close()
		var got struct {
			Run models.Run `json:"run"`
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			return false
		}
		return got.Run.Status == models.RunStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	// Cost endpoint reflects the three phase events.
	r, err := http.Get(ts.URL + "/api/v1/runs/run-api/cost")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)

	var snapshot models.CostSnapshot
	require.NoError(t, json.NewDecoder(r.Body).Decode(&snapshot))
	assert.Equal(t, 3, snapshot.EventCount)
	assert.InDelta(t, 0.0045, snapshot.TotalCost, 1e-9)

	// Budget endpoint reports the remaining per-run allowance.
	r, err = http.Get(ts.URL + "/api/v1/runs/run-api/budget")
	require.NoError(t, err)
	defer r.Body.Close()
	require.Equal(t, http.StatusOK, r.StatusCode)

	var budgetResp struct {
		RemainingUsd float64 `json:"remaining_usd"`
		OverBudget   bool    `json:"over_budget"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&budgetResp))
	assert.False(t, budgetResp.OverBudget)
	assert.InDelta(t, 5.0-0.0045, budgetResp.RemainingUsd, 1e-9)

	events, err := l.GetEvents(t.Context(), "run-api")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestServer_SubmitRun_RequiresPrompt(t *testing.T) {
	ts, _ := setupServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/runs", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_GetRun_NotFound(t *testing.T) {
	ts, _ := setupServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/runs/never-submitted")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_CancelRun_NotExecuting(t *testing.T) {
	ts, _ := setupServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/runs/idle-run/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
