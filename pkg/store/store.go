// Package store provides the durable key-value storage consumed by the cost
// ledger and budget manager. Three backends are available: in-memory (tests,
// ephemeral runs), SQLite (single-node deployments), and PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// ListOptions bounds a List call. Prefix takes precedence; Start/End are
// inclusive/exclusive key bounds applied when Prefix is empty.
type ListOptions struct {
	Prefix string
	Start  string
	End    string
	Limit  int // 0 = unlimited
}

// DurableStore is the key-value primitive the core persists through.
// Instances are scoped per run; BlockConcurrency serializes the closure
// against other invocations on the same instance, giving callers a
// read-check-write window.
type DurableStore interface {
	// Get returns the raw value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns matching keys in ascending key order.
	List(ctx context.Context, opts ListOptions) (map[string][]byte, error)
	// BlockConcurrency runs fn while holding the store's serialization
	// primitive. Nested Get/Put calls from within fn are permitted.
	BlockConcurrency(ctx context.Context, fn func(ctx context.Context) error) error
}

// GetJSON loads and unmarshals the value at key into out.
// Returns (false, nil) when the key is absent.
func GetJSON(ctx context.Context, s DurableStore, key string, out any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("corrupt value at %q: %w", key, err)
	}
	return true, nil
}

// PutJSON marshals v and stores it at key.
func PutJSON(ctx context.Context, s DurableStore, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal value for %q: %w", key, err)
	}
	return s.Put(ctx, key, raw)
}

// matches reports whether key falls inside the List bounds.
func (o ListOptions) matches(key string) bool {
	if o.Prefix != "" {
		return len(key) >= len(o.Prefix) && key[:len(o.Prefix)] == o.Prefix
	}
	if o.Start != "" && key < o.Start {
		return false
	}
	if o.End != "" && key >= o.End {
		return false
	}
	return true
}
