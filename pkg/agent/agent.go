// Package agent defines the contract the run engine drives: plan a run,
// execute its tasks, synthesize the final answer. Implementations make
// their model calls through the gateway so that every call is metered.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/runcore-io/runcore/pkg/gateway"
	"github.com/runcore-io/runcore/pkg/models"
)

// Capability tags what an agent implementation can do.
type Capability string

const (
	CapabilityPlanning  Capability = "planning"
	CapabilityExecution Capability = "execution"
	CapabilitySynthesis Capability = "synthesis"
)

// PlanInput carries everything an agent needs to emit a plan.
type PlanInput struct {
	Run     models.Run
	Prompt  string
	History []models.Message
}

// TaskInput carries the execution context for one task. Dependencies holds
// the completed results of every task this one declared in DependsOn.
type TaskInput struct {
	RunID        string
	SessionID    string
	Dependencies []models.TaskResult
}

// SynthesisInput carries the material for the final response. CompletedTasks
// is ordered by execution completion.
type SynthesisInput struct {
	RunID          string
	SessionID      string
	CompletedTasks []models.TaskResult
	OriginalPrompt string
}

// Agent is the unit of work the engine orchestrates.
type Agent interface {
	Type() string
	Plan(ctx context.Context, in PlanInput) (*models.Plan, error)
	ExecuteTask(ctx context.Context, task models.Task, in TaskInput) (*models.TaskResult, error)
	Synthesize(ctx context.Context, in SynthesisInput) (string, error)
	Capabilities() []Capability
}

// Factory builds an agent bound to a gateway.
type Factory func(gw *gateway.Gateway) Agent

// Registry maps agent type tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given agent type. Registering the same
// type twice replaces the earlier factory.
func (r *Registry) Register(agentType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[agentType] = f
}

// Create instantiates an agent of the given type bound to gw.
func (r *Registry) Create(agentType string, gw *gateway.Gateway) (Agent, error) {
	r.mu.RLock()
	f, ok := r.factories[agentType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q", agentType)
	}
	return f(gw), nil
}

// Types returns the registered agent type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}
