package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/runcore-io/runcore/pkg/agent"
	"github.com/runcore-io/runcore/pkg/events"
	"github.com/runcore-io/runcore/pkg/gateway"
	"github.com/runcore-io/runcore/pkg/models"
)

// taskBoard tracks per-task status and results for one run. All mutation
// happens on the dispatch loop goroutine; worker goroutines only report
// outcomes over the channel.
type taskBoard struct {
	tasks     []models.Task
	planIndex map[string]int
	status    map[string]models.TaskStatus
	results   map[string]models.TaskResult
	order     []string // completion order
}

func newTaskBoard(plan *models.Plan) *taskBoard {
	b := &taskBoard{
		tasks:     plan.Tasks,
		planIndex: make(map[string]int, len(plan.Tasks)),
		status:    make(map[string]models.TaskStatus, len(plan.Tasks)),
		results:   make(map[string]models.TaskResult, len(plan.Tasks)),
	}
	for i, t := range plan.Tasks {
		b.planIndex[t.ID] = i
		b.status[t.ID] = models.TaskStatusPending
	}
	return b
}

// ready returns pending tasks whose dependencies are all done, ordered
// lexicographically by task id with plan position as the tie-break.
func (b *taskBoard) ready() []models.Task {
	var out []models.Task
	for _, t := range b.tasks {
		if b.status[t.ID] != models.TaskStatusPending {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if b.status[dep] != models.TaskStatusDone {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return b.planIndex[out[i].ID] < b.planIndex[out[j].ID]
	})
	return out
}

// record stores a result and advances the completion order. A second result
// for the same task id is rejected.
func (b *taskBoard) record(result models.TaskResult) bool {
	if _, dup := b.results[result.TaskID]; dup {
		return false
	}
	b.results[result.TaskID] = result
	b.status[result.TaskID] = result.Status
	b.order = append(b.order, result.TaskID)
	return true
}

// skipDependents marks every transitive dependent of failedID as skipped.
func (b *taskBoard) skipDependents(failedID string) []string {
	dependents := make(map[string][]string, len(b.tasks))
	for _, t := range b.tasks {
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var skipped []string
	queue := []string{failedID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range dependents[id] {
			if b.status[next] != models.TaskStatusPending {
				continue
			}
			b.record(models.TaskResult{
				TaskID:      next,
				Status:      models.TaskStatusSkipped,
				Error:       fmt.Sprintf("dependency %s failed", failedID),
				CompletedAt: time.Now().UTC(),
			})
			skipped = append(skipped, next)
			queue = append(queue, next)
		}
	}
	sort.Strings(skipped)
	return skipped
}

// completedResults returns all recorded results in completion order.
func (b *taskBoard) completedResults() []models.TaskResult {
	out := make([]models.TaskResult, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.results[id])
	}
	return out
}

// doneResults returns results with status done, in completion order.
func (b *taskBoard) doneResults() []models.TaskResult {
	var out []models.TaskResult
	for _, id := range b.order {
		if r := b.results[id]; r.Status == models.TaskStatusDone {
			out = append(out, r)
		}
	}
	return out
}

type taskOutcome struct {
	task   models.Task
	result *models.TaskResult
	err    error
}

// executeTasks runs the plan's tasks in dependency order, bounded by the
// configured concurrency. It returns the done results in completion order
// and a nil error on full success; a non-nil error means the run must not
// synthesize.
func (e *Engine) executeTasks(ctx context.Context, ag agent.Agent, run *models.Run, plan *models.Plan) ([]models.TaskResult, error) {
	board := newTaskBoard(plan)
	outcomes := make(chan taskOutcome)
	inFlight := 0
	stopDispatch := false

	var blockingErr error
	var firstFailure error

	for {
		if !stopDispatch && ctx.Err() == nil {
			for _, task := range board.ready() {
				if inFlight >= e.cfg.MaxConcurrentTasks {
					break
				}
				board.status[task.ID] = models.TaskStatusRunning
				deps := e.dependencyResults(board, task)
				inFlight++
				e.publish(events.EventTaskStarted, run, task.ID, nil)
				go func(task models.Task, deps []models.TaskResult) {
					result, err := ag.ExecuteTask(ctx, task, agent.TaskInput{
						RunID:        run.ID,
						SessionID:    run.SessionID,
						Dependencies: deps,
					})
					outcomes <- taskOutcome{task: task, result: result, err: err}
				}(task, deps)
			}
		}
		if inFlight == 0 {
			break
		}

		out := <-outcomes
		inFlight--
		e.settleOutcome(ctx, run, board, out, &blockingErr, &firstFailure)
		if blockingErr != nil || firstFailure != nil || ctx.Err() != nil {
			// Drain in-flight tasks but dispatch nothing new.
			stopDispatch = true
		}
	}

	if blockingErr != nil {
		return board.completedResults(), blockingErr
	}
	if ctx.Err() != nil {
		return board.completedResults(), ctx.Err()
	}
	if firstFailure != nil {
		return board.completedResults(), firstFailure
	}
	return board.doneResults(), nil
}

// settleOutcome records one task outcome on the board and classifies its
// error, if any.
func (e *Engine) settleOutcome(ctx context.Context, run *models.Run, board *taskBoard, out taskOutcome, blockingErr, firstFailure *error) {
	task := out.task
	result := out.result
	err := out.err

	// A result claiming a different task id fails the integrity check.
	if err == nil && result != nil && result.TaskID != task.ID {
		err = &TaskExecutionError{
			TaskID: task.ID,
			Err:    fmt.Errorf("result reports unknown task id %q", result.TaskID),
		}
	}

	if err != nil {
		if gateway.IsBlockingError(err) && *blockingErr == nil {
			*blockingErr = err
		} else if !gateway.IsBlockingError(err) && ctx.Err() == nil && *firstFailure == nil {
			if _, ok := err.(*TaskExecutionError); !ok {
				err = &TaskExecutionError{TaskID: task.ID, Err: err}
			}
			*firstFailure = err
		}
		result = &models.TaskResult{
			TaskID:      task.ID,
			Status:      models.TaskStatusFailed,
			Error:       err.Error(),
			CompletedAt: time.Now().UTC(),
		}
	} else if result.Status == models.TaskStatusFailed && *firstFailure == nil {
		*firstFailure = &TaskExecutionError{TaskID: task.ID, Err: fmt.Errorf("%s", result.Error)}
	}

	if !board.record(*result) {
		slog.Warn("Ignoring duplicate task result", "run_id", run.ID, "task_id", result.TaskID)
		return
	}
	e.metrics.TasksTotal.WithLabelValues(string(result.Status)).Inc()
	e.publish(events.EventTaskEnded, run, task.ID, map[string]any{"status": string(result.Status)})

	if result.Status == models.TaskStatusFailed {
		for _, id := range board.skipDependents(task.ID) {
			e.metrics.TasksTotal.WithLabelValues(string(models.TaskStatusSkipped)).Inc()
			e.publish(events.EventTaskEnded, run, id, map[string]any{"status": string(models.TaskStatusSkipped)})
		}
	}
}

// dependencyResults collects the done results this task declared, in
// DependsOn order.
func (e *Engine) dependencyResults(board *taskBoard, task models.Task) []models.TaskResult {
	deps := make([]models.TaskResult, 0, len(task.DependsOn))
	for _, id := range task.DependsOn {
		deps = append(deps, board.results[id])
	}
	return deps
}
