// Package ledger is the append-only cost accounting log. Events are stored
// per run in a durable key-value store; appends are idempotent by key and
// serialized per run.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/runcore-io/runcore/pkg/models"
	"github.com/runcore-io/runcore/pkg/store"
)

// Persistence layout (per run).
const (
	eventsKeyFmt      = "run:%s:cost:events"
	idempotencyKeyFmt = "run:%s:cost:idempotency:%s"
)

// IntegrityError signals a storage anomaly in the ledger (partial write,
// corrupt value). Treated as fatal for the affected run.
type IntegrityError struct {
	RunID string
	Err   error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity failure for run %s: %v", e.RunID, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Ledger owns the event list and idempotency index for run-scoped cost
// accounting. All writers reach a run's log through Append, which serializes
// the read-check-write sequence per run.
type Ledger struct {
	store store.DurableStore

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// New creates a ledger over the given store.
func New(s store.DurableStore) *Ledger {
	return &Ledger{store: s, runLocks: make(map[string]*sync.Mutex)}
}

// runLock returns the mutex serializing appends for one run. Appends to
// different runs proceed in parallel.
func (l *Ledger) runLock(runID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.runLocks[runID]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.runLocks[runID] = m
	return m
}

// Append commits one cost event. Returns true when a new event was written,
// false when the idempotency key was already indexed (silent no-op). Callers
// use the return value to decide post-commit bookkeeping.
func (l *Ledger) Append(ctx context.Context, event models.CostEvent) (bool, error) {
	if event.RunID == "" {
		return false, fmt.Errorf("cost event has no run id")
	}
	if event.IdempotencyKey == "" {
		return false, fmt.Errorf("cost event has no idempotency key")
	}
	if event.CalculatedCostUsd < 0 {
		return false, fmt.Errorf("cost event has negative cost %f", event.CalculatedCostUsd)
	}

	lock := l.runLock(event.RunID)
	lock.Lock()
	defer lock.Unlock()

	appended := false
	err := l.store.BlockConcurrency(ctx, func(ctx context.Context) error {
		idemKey := fmt.Sprintf(idempotencyKeyFmt, event.RunID, event.IdempotencyKey)
		_, exists, err := l.store.Get(ctx, idemKey)
		if err != nil {
			return &IntegrityError{RunID: event.RunID, Err: err}
		}
		if exists {
			slog.Debug("Skipping duplicate cost event",
				"run_id", event.RunID,
				"idempotency_key", event.IdempotencyKey)
			return nil
		}

		events, err := l.loadEvents(ctx, event.RunID)
		if err != nil {
			return err
		}
		events = append(events, event)

		eventsKey := fmt.Sprintf(eventsKeyFmt, event.RunID)
		if err := store.PutJSON(ctx, l.store, eventsKey, events); err != nil {
			return &IntegrityError{RunID: event.RunID, Err: err}
		}
		if err := l.store.Put(ctx, idemKey, []byte(event.EventID)); err != nil {
			return &IntegrityError{RunID: event.RunID, Err: err}
		}
		appended = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return appended, nil
}

// GetEvents returns a run's full event list in insertion order.
func (l *Ledger) GetEvents(ctx context.Context, runID string) ([]models.CostEvent, error) {
	return l.loadEvents(ctx, runID)
}

// loadEvents reads the event list, returning an empty slice when absent.
func (l *Ledger) loadEvents(ctx context.Context, runID string) ([]models.CostEvent, error) {
	var events []models.CostEvent
	_, err := store.GetJSON(ctx, l.store, fmt.Sprintf(eventsKeyFmt, runID), &events)
	if err != nil {
		return nil, &IntegrityError{RunID: runID, Err: err}
	}
	return events, nil
}

// Aggregate folds a run's events into a snapshot. Pure over the event list;
// recomputed on every read, never memoized.
func (l *Ledger) Aggregate(ctx context.Context, runID string) (models.CostSnapshot, error) {
	events, err := l.loadEvents(ctx, runID)
	if err != nil {
		return models.CostSnapshot{}, err
	}
	return Fold(runID, events), nil
}

// CurrentCost is shorthand for Aggregate(runID).TotalCost.
func (l *Ledger) CurrentCost(ctx context.Context, runID string) (float64, error) {
	snapshot, err := l.Aggregate(ctx, runID)
	if err != nil {
		return 0, err
	}
	return snapshot.TotalCost, nil
}

// SessionTotals re-derives per-session committed cost from every run's event
// list. Used at boot to reconcile the session accumulator with the ledger,
// which closes the crash window between an append and its post-commit.
func (l *Ledger) SessionTotals(ctx context.Context) (map[string]float64, error) {
	entries, err := l.store.List(ctx, store.ListOptions{Prefix: "run:"})
	if err != nil {
		return nil, err
	}

	totals := make(map[string]float64)
	for key, raw := range entries {
		if !strings.HasSuffix(key, ":cost:events") {
			continue
		}
		var events []models.CostEvent
		if err := json.Unmarshal(raw, &events); err != nil {
			slog.Warn("Skipping corrupt event list during reconciliation", "key", key, "error", err)
			continue
		}
		for _, e := range events {
			if e.SessionID != "" {
				totals[e.SessionID] += e.CalculatedCostUsd
			}
		}
	}
	return totals, nil
}

// Fold computes a snapshot from an event list. Bucket order follows first
// appearance in the event sequence.
func Fold(runID string, events []models.CostEvent) models.CostSnapshot {
	snapshot := models.CostSnapshot{
		RunID:      runID,
		EventCount: len(events),
		Timestamp:  time.Now().UTC(),
	}

	modelIdx := make(map[string]int)
	providerIdx := make(map[string]int)

	for _, e := range events {
		snapshot.TotalCost += e.CalculatedCostUsd
		snapshot.TotalTokens += e.TotalTokens

		mk := e.Provider + ":" + e.Model
		i, ok := modelIdx[mk]
		if !ok {
			i = len(snapshot.ByModel)
			modelIdx[mk] = i
			snapshot.ByModel = append(snapshot.ByModel, models.CostBucket{Provider: e.Provider, Model: e.Model})
		}
		snapshot.ByModel[i].PromptTokens += e.PromptTokens
		snapshot.ByModel[i].CompletionTokens += e.CompletionTokens
		snapshot.ByModel[i].TotalTokens += e.TotalTokens
		snapshot.ByModel[i].Cost += e.CalculatedCostUsd

		j, ok := providerIdx[e.Provider]
		if !ok {
			j = len(snapshot.ByProvider)
			providerIdx[e.Provider] = j
			snapshot.ByProvider = append(snapshot.ByProvider, models.CostBucket{Provider: e.Provider})
		}
		snapshot.ByProvider[j].PromptTokens += e.PromptTokens
		snapshot.ByProvider[j].CompletionTokens += e.CompletionTokens
		snapshot.ByProvider[j].TotalTokens += e.TotalTokens
		snapshot.ByProvider[j].Cost += e.CalculatedCostUsd
	}
	return snapshot
}
