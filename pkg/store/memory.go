package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-process DurableStore used by tests and ephemeral runs.
// Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex // guards data
	blockMu sync.Mutex   // serializes BlockConcurrency closures
	data    map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get implements DurableStore.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Put implements DurableStore.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = cp
	return nil
}

// Delete implements DurableStore.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// List implements DurableStore.
func (s *MemoryStore) List(_ context.Context, opts ListOptions) (map[string][]byte, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if opts.matches(k) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v := s.data[k]
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

// BlockConcurrency implements DurableStore. Closures on the same store
// instance run one at a time; data operations inside the closure use the
// regular data mutex, so nesting is safe.
func (s *MemoryStore) BlockConcurrency(ctx context.Context, fn func(ctx context.Context) error) error {
	s.blockMu.Lock()
	defer s.blockMu.Unlock()
	return fn(ctx)
}
