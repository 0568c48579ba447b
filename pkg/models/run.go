// Package models defines the shared domain types of the run execution core:
// runs, plans, tasks, LLM usage, and cost accounting records.
package models

import "time"

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending      RunStatus = "pending"
	RunStatusPlanning     RunStatus = "planning"
	RunStatusExecuting    RunStatus = "executing"
	RunStatusSynthesizing RunStatus = "synthesizing"
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
	RunStatusBlocked      RunStatus = "blocked"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusBlocked
}

// Run is a single orchestration instance: plan → execute → synthesize.
// Immutable after reaching a terminal status.
type Run struct {
	ID            string    `json:"run_id"`
	SessionID     string    `json:"session_id"`
	AgentType     string    `json:"agent_type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Status        RunStatus `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Phase classifies an LLM call within a run.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseTask      Phase = "task"
	PhaseSynthesis Phase = "synthesis"
)

// CallContext identifies a single gateway invocation. Every model call
// carries one; it is the unit the budget and ledger layers key on.
type CallContext struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	TaskID    string `json:"task_id,omitempty"` // empty for planning/synthesis
	AgentType string `json:"agent_type"`
	Phase     Phase  `json:"phase"`

	// IdempotencyKey, when set by the caller, overrides the key the gateway
	// derives from the estimated usage.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Message is a single conversation message sent to a model.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// BudgetConfig holds the per-run and per-session cost caps.
type BudgetConfig struct {
	MaxCostPerRun     float64 `json:"max_cost_per_run"`
	MaxCostPerSession float64 `json:"max_cost_per_session"`
	WarningThreshold  float64 `json:"warning_threshold"` // fraction of MaxCostPerRun, in [0,1]
}

// DefaultBudgetConfig returns the built-in budget defaults.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MaxCostPerRun:     5.0,
		MaxCostPerSession: 20.0,
		WarningThreshold:  0.8,
	}
}
