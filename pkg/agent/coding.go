package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/runcore-io/runcore/pkg/gateway"
	"github.com/runcore-io/runcore/pkg/models"
)

// CodingAgentType is the default agent tag.
const CodingAgentType = "coding"

// planSchema constrains the planning call to the plan shape. Task types
// mirror the closed set in models.
var planSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "tasks": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": {"type": "string"},
          "type": {"type": "string", "enum": ["analyze", "edit", "test", "review", "git", "shell"]},
          "description": {"type": "string"},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "expected_output": {"type": "string"}
        },
        "required": ["id", "type", "description", "depends_on", "expected_output"],
        "additionalProperties": false
      }
    },
    "metadata": {
      "type": "object",
      "properties": {
        "estimated_steps": {"type": "integer"}
      },
      "required": ["estimated_steps"],
      "additionalProperties": false
    }
  },
  "required": ["tasks", "metadata"],
  "additionalProperties": false
}`)

const planningSystemPrompt = `You are a software engineering planner. Break the user's request into a
minimal ordered set of tasks. Each task has a unique id, a type from the
allowed set, a concise description, the ids of tasks it depends on, and the
expected output. Emit an empty task list when the request needs no work
beyond a direct answer.`

const synthesisSystemPrompt = `You are summarizing the outcome of an engineering run. Given the original
request and the outputs of each completed task, produce the final answer for
the user. Be direct and concrete.`

// CodingAgent plans and executes software engineering runs through the
// gateway. It holds no state beyond its gateway binding.
type CodingAgent struct {
	gw *gateway.Gateway
}

// NewCodingAgent builds the default agent.
func NewCodingAgent(gw *gateway.Gateway) *CodingAgent {
	return &CodingAgent{gw: gw}
}

// RegisterDefaults installs the built-in agents on r.
func RegisterDefaults(r *Registry) {
	r.Register(CodingAgentType, func(gw *gateway.Gateway) Agent {
		return NewCodingAgent(gw)
	})
}

func (a *CodingAgent) Type() string { return CodingAgentType }

func (a *CodingAgent) Capabilities() []Capability {
	return []Capability{CapabilityPlanning, CapabilityExecution, CapabilitySynthesis}
}

// Plan asks the model for a structured plan.
func (a *CodingAgent) Plan(ctx context.Context, in PlanInput) (*models.Plan, error) {
	messages := make([]models.Message, 0, len(in.History)+2)
	messages = append(messages, models.Message{Role: "system", Content: planningSystemPrompt})
	messages = append(messages, in.History...)
	messages = append(messages, models.Message{Role: "user", Content: in.Prompt})

	result, err := a.gw.GenerateStructured(ctx, models.CallContext{
		RunID:     in.Run.ID,
		SessionID: in.Run.SessionID,
		AgentType: a.Type(),
		Phase:     models.PhasePlanning,
	}, gateway.StructuredRequest{
		Messages:   messages,
		SchemaName: "plan",
		Schema:     planSchema,
	})
	if err != nil {
		return nil, err
	}

	var plan models.Plan
	if err := json.Unmarshal(result.Object, &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &plan, nil
}

// ExecuteTask runs one task, feeding it the outputs of its dependencies.
func (a *CodingAgent) ExecuteTask(ctx context.Context, task models.Task, in TaskInput) (*models.TaskResult, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Task %s (%s): %s\n", task.ID, task.Type, task.Description)
	if task.ExpectedOutput != "" {
		fmt.Fprintf(&prompt, "Expected output: %s\n", task.ExpectedOutput)
	}
	if len(in.Dependencies) > 0 {
		prompt.WriteString("\nCompleted dependencies:\n")
		for _, dep := range in.Dependencies {
			fmt.Fprintf(&prompt, "--- %s ---\n%s\n", dep.TaskID, dep.Output)
		}
	}

	result, err := a.gw.GenerateText(ctx, models.CallContext{
		RunID:     in.RunID,
		SessionID: in.SessionID,
		TaskID:    task.ID,
		AgentType: a.Type(),
		Phase:     models.PhaseTask,
	}, gateway.TextRequest{
		System:   "You are executing one task of an engineering plan. Produce only the task's output.",
		Messages: []models.Message{{Role: "user", Content: prompt.String()}},
	})
	if err != nil {
		return nil, err
	}

	return &models.TaskResult{
		TaskID:      task.ID,
		Status:      models.TaskStatusDone,
		Output:      result.Text,
		CompletedAt: time.Now().UTC(),
	}, nil
}

// Synthesize produces the run's final response from the completed tasks.
func (a *CodingAgent) Synthesize(ctx context.Context, in SynthesisInput) (string, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Original request:\n%s\n", in.OriginalPrompt)
	if len(in.CompletedTasks) > 0 {
		prompt.WriteString("\nTask outputs in completion order:\n")
		for _, task := range in.CompletedTasks {
			fmt.Fprintf(&prompt, "--- %s (%s) ---\n%s\n", task.TaskID, task.Status, task.Output)
		}
	} else {
		prompt.WriteString("\nNo tasks were executed; answer the request directly.\n")
	}

	result, err := a.gw.GenerateText(ctx, models.CallContext{
		RunID:     in.RunID,
		SessionID: in.SessionID,
		AgentType: a.Type(),
		Phase:     models.PhaseSynthesis,
	}, gateway.TextRequest{
		System:   synthesisSystemPrompt,
		Messages: []models.Message{{Role: "user", Content: prompt.String()}},
	})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}
