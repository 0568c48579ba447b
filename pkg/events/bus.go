// Package events delivers run lifecycle events to in-process subscribers.
// Delivery is best-effort: a slow or failed subscriber never blocks or
// fails the run that emitted the event.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Lifecycle event types emitted by the run engine.
const (
	EventRunPlanningStarted     = "run.planning.started"
	EventRunPlanningEnded       = "run.planning.ended"
	EventTaskStarted            = "task.started"
	EventTaskEnded              = "task.ended"
	EventRunSynthesizingStarted = "run.synthesizing.started"
	EventRunSynthesizingEnded   = "run.synthesizing.ended"
	EventRunCompleted           = "run.completed"
	EventRunFailed              = "run.failed"
	EventRunBlocked             = "run.blocked"
)

// Event is a single lifecycle notification.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	SessionID string         `json:"session_id"`
	TaskID    string         `json:"task_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// subscriberBuffer bounds each subscriber channel. Events beyond the buffer
// are dropped, not queued; the bus is not part of the correctness boundary.
const subscriberBuffer = 256

// Bus fans lifecycle events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or bus close.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
}

// Publish delivers an event to all subscribers without blocking. Events a
// subscriber cannot accept are dropped with a debug log.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			slog.Debug("Dropping lifecycle event for slow subscriber",
				"subscriber", id, "type", event.Type, "run_id", event.RunID)
		}
	}
}

// Close shuts the bus down; subsequent publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
