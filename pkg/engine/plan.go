package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/runcore-io/runcore/pkg/models"
)

// PlanValidationError reports every invariant the plan violates, not just
// the first one found.
type PlanValidationError struct {
	Issues []string
}

func (e *PlanValidationError) Error() string {
	return fmt.Sprintf("plan validation failed: %s", strings.Join(e.Issues, "; "))
}

// ValidatePlan checks the plan invariants: unique task ids, known task
// types, dependency references that resolve within the plan, and an acyclic
// dependency graph. A plan that fails validation must not execute any task.
func ValidatePlan(plan *models.Plan) error {
	var issues []string

	seen := make(map[string]bool, len(plan.Tasks))
	for _, task := range plan.Tasks {
		if task.ID == "" {
			issues = append(issues, "task with empty id")
			continue
		}
		if seen[task.ID] {
			issues = append(issues, fmt.Sprintf("duplicate task id %q", task.ID))
		}
		seen[task.ID] = true
		if !models.KnownTaskType(task.Type) {
			issues = append(issues, fmt.Sprintf("task %q has unknown type %q", task.ID, task.Type))
		}
	}

	for _, task := range plan.Tasks {
		for _, dep := range task.DependsOn {
			if !seen[dep] {
				issues = append(issues, fmt.Sprintf("task %q depends on unknown task %q", task.ID, dep))
			}
			if dep == task.ID {
				issues = append(issues, fmt.Sprintf("task %q depends on itself", task.ID))
			}
		}
	}

	// Cycle detection only makes sense once references resolve.
	if len(issues) == 0 {
		if cycle := findCycle(plan.Tasks); len(cycle) > 0 {
			issues = append(issues, fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")))
		}
	}

	if len(issues) > 0 {
		return &PlanValidationError{Issues: issues}
	}
	return nil
}

// findCycle runs a three-color depth-first search over the dependency graph
// and returns one cycle path, or nil when the graph is acyclic.
func findCycle(tasks []models.Task) []string {
	deps := make(map[string][]string, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = t.DependsOn
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				// Slice the stack from the first occurrence of dep to close
				// the cycle.
				for i, v := range stack {
					if v == dep {
						return append(append([]string{}, stack[i:]...), dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
