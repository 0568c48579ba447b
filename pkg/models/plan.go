package models

import "time"

// TaskType is the closed set of task kinds an agent may emit in a plan.
type TaskType string

const (
	TaskTypeAnalyze TaskType = "analyze"
	TaskTypeEdit    TaskType = "edit"
	TaskTypeTest    TaskType = "test"
	TaskTypeReview  TaskType = "review"
	TaskTypeGit     TaskType = "git"
	TaskTypeShell   TaskType = "shell"
)

// KnownTaskType reports whether t is part of the closed task-type set.
func KnownTaskType(t TaskType) bool {
	switch t {
	case TaskTypeAnalyze, TaskTypeEdit, TaskTypeTest, TaskTypeReview, TaskTypeGit, TaskTypeShell:
		return true
	}
	return false
}

// TaskStatus represents the lifecycle state of a single planned task.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending" // waiting on dependencies
	TaskStatusReady   TaskStatus = "ready"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
	TaskStatusSkipped TaskStatus = "skipped" // a transitive dependency failed
)

// Task is a single unit of work inside a plan.
type Task struct {
	ID             string   `json:"id"`
	Type           TaskType `json:"type"`
	Description    string   `json:"description"`
	DependsOn      []string `json:"depends_on,omitempty"`
	ExpectedOutput string   `json:"expected_output,omitempty"`
}

// PlanMetadata carries agent-reported planning metadata.
type PlanMetadata struct {
	EstimatedSteps int `json:"estimated_steps"`
}

// Plan is the DAG of tasks an agent emits during the planning phase.
// Task ids are unique within a plan and DependsOn references only ids
// present in the same plan.
type Plan struct {
	Tasks    []Task       `json:"tasks"`
	Metadata PlanMetadata `json:"metadata"`
}

// TaskResult is the immutable outcome of one task execution.
type TaskResult struct {
	TaskID      string     `json:"task_id"`
	Status      TaskStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
	Error       string     `json:"error,omitempty"`
}
