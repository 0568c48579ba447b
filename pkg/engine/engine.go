// Package engine drives a run through its state machine: planning, task
// execution in dependency order, synthesis. The engine never calls a model
// directly; all model traffic flows through the agent's gateway binding.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/runcore-io/runcore/pkg/agent"
	"github.com/runcore-io/runcore/pkg/events"
	"github.com/runcore-io/runcore/pkg/gateway"
	"github.com/runcore-io/runcore/pkg/metrics"
	"github.com/runcore-io/runcore/pkg/models"
	"github.com/runcore-io/runcore/pkg/store"
)

const (
	runRecordKeyFmt   = "run:%s:record"
	runResultsKeyFmt  = "run:%s:results"
	runResponseKeyFmt = "run:%s:response"
)

// TaskExecutionError wraps a terminal failure inside a task execution.
type TaskExecutionError struct {
	TaskID string
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// Config holds the engine's tunables.
type Config struct {
	// MaxConcurrentTasks bounds parallel task dispatch. 1 gives strict
	// deterministic ordering; higher values parallelize independent branches.
	MaxConcurrentTasks int
}

// RunRequest submits a run for execution.
type RunRequest struct {
	RunID     string
	SessionID string
	AgentType string
	Prompt    string
	History   []models.Message
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	Run         models.Run
	Response    string
	TaskResults []models.TaskResult
	Err         error
}

// Engine executes runs. Safe for concurrent use; each Execute call drives
// one run to a terminal state.
type Engine struct {
	store   store.DurableStore
	agents  *agent.Registry
	gw      *gateway.Gateway
	bus     *events.Bus
	metrics *metrics.Metrics
	cfg     Config

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// New creates an engine. bus and m may be nil.
func New(s store.DurableStore, agents *agent.Registry, gw *gateway.Gateway, bus *events.Bus, m *metrics.Metrics, cfg Config) *Engine {
	if cfg.MaxConcurrentTasks < 1 {
		cfg.MaxConcurrentTasks = 1
	}
	if bus == nil {
		bus = events.NewBus()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Engine{
		store:   s,
		agents:  agents,
		gw:      gw,
		bus:     bus,
		metrics: m,
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Cancel requests cancellation of an active run. Returns false when no run
// with that id is executing.
func (e *Engine) Cancel(runID string) bool {
	e.cancelMu.Lock()
	cancel, ok := e.cancels[runID]
	e.cancelMu.Unlock()
	if ok {
		slog.Info("Cancelling run", "run_id", runID)
		cancel()
	}
	return ok
}

// ActiveRuns returns the ids of runs currently executing.
func (e *Engine) ActiveRuns() []string {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	ids := make([]string, 0, len(e.cancels))
	for id := range e.cancels {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) registerCancel(runID string, cancel context.CancelFunc) {
	e.cancelMu.Lock()
	e.cancels[runID] = cancel
	e.cancelMu.Unlock()
}

func (e *Engine) unregisterCancel(runID string) {
	e.cancelMu.Lock()
	delete(e.cancels, runID)
	e.cancelMu.Unlock()
}

// GetRun loads a run record.
func (e *Engine) GetRun(ctx context.Context, runID string) (*models.Run, bool, error) {
	var run models.Run
	found, err := store.GetJSON(ctx, e.store, fmt.Sprintf(runRecordKeyFmt, runID), &run)
	if err != nil || !found {
		return nil, found, err
	}
	return &run, true, nil
}

// GetTaskResults loads a run's task results in completion order.
func (e *Engine) GetTaskResults(ctx context.Context, runID string) ([]models.TaskResult, error) {
	var results []models.TaskResult
	if _, err := store.GetJSON(ctx, e.store, fmt.Sprintf(runResultsKeyFmt, runID), &results); err != nil {
		return nil, err
	}
	return results, nil
}

// Execute drives a run to a terminal state and returns the outcome. The
// returned RunResult is populated for every terminal status; Err carries the
// cause for failed and blocked runs.
func (e *Engine) Execute(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.RunID == "" {
		req.RunID = uuid.New().String()
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	if req.AgentType == "" {
		req.AgentType = agent.CodingAgentType
	}

	run := models.Run{
		ID:        req.RunID,
		SessionID: req.SessionID,
		AgentType: req.AgentType,
		Status:    models.RunStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.persistRun(ctx, &run); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerCancel(run.ID, cancel)
	defer e.unregisterCancel(run.ID)

	slog.Info("Run started",
		"run_id", run.ID, "session_id", run.SessionID, "agent_type", run.AgentType)

	ag, err := e.agents.Create(req.AgentType, e.gw)
	if err != nil {
		return e.finish(ctx, &run, "", nil, models.RunStatusFailed, err)
	}

	// Planning.
	e.setStatus(ctx, &run, models.RunStatusPlanning)
	e.publish(events.EventRunPlanningStarted, &run, "", nil)

	plan, err := ag.Plan(runCtx, agent.PlanInput{Run: run, Prompt: req.Prompt, History: req.History})
	if err != nil {
		e.publish(events.EventRunPlanningEnded, &run, "", map[string]any{"error": err.Error()})
		return e.finish(ctx, &run, "", nil, e.terminalStatusFor(runCtx, err), err)
	}
	if err := ValidatePlan(plan); err != nil {
		e.publish(events.EventRunPlanningEnded, &run, "", map[string]any{"error": err.Error()})
		return e.finish(ctx, &run, "", nil, models.RunStatusFailed, err)
	}
	e.publish(events.EventRunPlanningEnded, &run, "", map[string]any{"tasks": len(plan.Tasks)})

	// Execution. An empty plan goes straight to synthesis.
	var results []models.TaskResult
	if len(plan.Tasks) > 0 {
		e.setStatus(ctx, &run, models.RunStatusExecuting)
		var execErr error
		results, execErr = e.executeTasks(runCtx, ag, &run, plan)
		if execErr != nil {
			return e.finish(ctx, &run, "", results, e.terminalStatusFor(runCtx, execErr), execErr)
		}
	}

	// Synthesis.
	e.setStatus(ctx, &run, models.RunStatusSynthesizing)
	e.publish(events.EventRunSynthesizingStarted, &run, "", nil)

	response, err := ag.Synthesize(runCtx, agent.SynthesisInput{
		RunID:          run.ID,
		SessionID:      run.SessionID,
		CompletedTasks: results,
		OriginalPrompt: req.Prompt,
	})
	e.publish(events.EventRunSynthesizingEnded, &run, "", nil)
	if err != nil {
		return e.finish(ctx, &run, "", results, e.terminalStatusFor(runCtx, err), err)
	}

	return e.finish(ctx, &run, response, results, models.RunStatusCompleted, nil)
}

// terminalStatusFor maps an error to the run's terminal status: budget
// denials, fail-closed pricing, and cancellation block; everything else
// fails.
func (e *Engine) terminalStatusFor(runCtx context.Context, err error) models.RunStatus {
	if gateway.IsBlockingError(err) || runCtx.Err() != nil {
		return models.RunStatusBlocked
	}
	return models.RunStatusFailed
}

func (e *Engine) setStatus(ctx context.Context, run *models.Run, status models.RunStatus) {
	run.Status = status
	if err := e.persistRun(ctx, run); err != nil {
		slog.Error("Failed to persist run status", "run_id", run.ID, "status", status, "error", err)
	}
}

func (e *Engine) persistRun(ctx context.Context, run *models.Run) error {
	// Persist with a background-derived context so terminal statuses survive
	// caller cancellation.
	return store.PutJSON(context.WithoutCancel(ctx), e.store, fmt.Sprintf(runRecordKeyFmt, run.ID), run)
}

// finish records the terminal state, emits the terminal event, and builds
// the RunResult.
func (e *Engine) finish(ctx context.Context, run *models.Run, response string, results []models.TaskResult, status models.RunStatus, cause error) (*RunResult, error) {
	e.setStatus(ctx, run, status)
	e.metrics.RunsTotal.WithLabelValues(string(status)).Inc()

	bg := context.WithoutCancel(ctx)
	if len(results) > 0 {
		if err := store.PutJSON(bg, e.store, fmt.Sprintf(runResultsKeyFmt, run.ID), results); err != nil {
			slog.Error("Failed to persist task results", "run_id", run.ID, "error", err)
		}
	}
	if response != "" {
		if err := e.store.Put(bg, fmt.Sprintf(runResponseKeyFmt, run.ID), []byte(response)); err != nil {
			slog.Error("Failed to persist run response", "run_id", run.ID, "error", err)
		}
	}

	payload := map[string]any{}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	switch status {
	case models.RunStatusCompleted:
		e.publish(events.EventRunCompleted, run, "", nil)
		slog.Info("Run completed", "run_id", run.ID, "tasks", len(results))
	case models.RunStatusBlocked:
		e.publish(events.EventRunBlocked, run, "", payload)
		slog.Warn("Run blocked", "run_id", run.ID, "error", cause)
	default:
		e.publish(events.EventRunFailed, run, "", payload)
		slog.Warn("Run failed", "run_id", run.ID, "error", cause)
	}

	return &RunResult{Run: *run, Response: response, TaskResults: results, Err: cause}, nil
}

func (e *Engine) publish(eventType string, run *models.Run, taskID string, payload map[string]any) {
	e.bus.Publish(events.Event{
		Type:      eventType,
		RunID:     run.ID,
		SessionID: run.SessionID,
		TaskID:    taskID,
		Payload:   payload,
	})
}
