// Package pricing resolves USD costs for model calls. The registry holds
// per-1K-token prices keyed by "provider:model"; the resolver layers the
// three-tier fallback (provider-reported → upstream-reported → registry)
// on top, with a fail-closed mode for unknown models.
package pricing

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/runcore-io/runcore/pkg/models"
)

//go:embed pricing.default.json
var defaultCatalog []byte

// Entry holds the per-1K-token prices for one (provider, model) pair.
type Entry struct {
	InputPrice    float64 `json:"input_price"`  // USD per 1K prompt tokens
	OutputPrice   float64 `json:"output_price"` // USD per 1K completion tokens
	Currency      string  `json:"currency"`
	EffectiveDate string  `json:"effective_date"`
}

// Breakdown is the result of a registry cost calculation.
type Breakdown struct {
	InputCost  float64
	OutputCost float64
	TotalCost  float64
	Currency   string
	Source     models.PricingSource
}

// Registry is the in-memory pricing table. Read-mostly; RegisterPrice and
// LoadFromJSON are rare and take the write lock.
type Registry struct {
	mu     sync.RWMutex
	prices map[string]Entry
}

// NewRegistry creates a registry seeded from the embedded default catalog.
// When failClosed is true a seed failure is returned as an error; otherwise
// it is logged and the registry starts empty. Unknown models in production
// must not silently cost zero, so production deployments run fail-closed.
func NewRegistry(failClosed bool) (*Registry, error) {
	r := &Registry{prices: make(map[string]Entry)}
	if err := r.LoadFromJSON(defaultCatalog); err != nil {
		if failClosed {
			return nil, fmt.Errorf("failed to seed pricing catalog: %w", err)
		}
		slog.Warn("Failed to seed pricing catalog, starting empty", "error", err)
	}
	return r, nil
}

// key builds the lookup key. Exact match only; no fuzzy model matching.
func key(provider, model string) string { return provider + ":" + model }

// GetPrice returns the entry for (provider, model), if present.
func (r *Registry) GetPrice(provider, model string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.prices[key(provider, model)]
	return e, ok
}

// RegisterPrice adds or replaces the entry for (provider, model).
func (r *Registry) RegisterPrice(provider, model string, entry Entry) {
	if entry.Currency == "" {
		entry.Currency = "USD"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[key(provider, model)] = entry
}

// LoadFromJSON merges a {"provider:model": Entry} document into the registry.
func (r *Registry) LoadFromJSON(data []byte) error {
	var catalog map[string]Entry
	if err := json.Unmarshal(data, &catalog); err != nil {
		return fmt.Errorf("invalid pricing catalog: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range catalog {
		if e.Currency == "" {
			e.Currency = "USD"
		}
		r.prices[k] = e
	}
	return nil
}

// AllPrices returns a copy of the full pricing table.
func (r *Registry) AllPrices() map[string]Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Entry, len(r.prices))
	for k, v := range r.prices {
		out[k] = v
	}
	return out
}

// Clear empties the registry. Refuses to run outside of `go test`; an empty
// registry in production turns every call into unknown pricing.
func (r *Registry) Clear() error {
	if !testing.Testing() {
		return fmt.Errorf("pricing registry Clear is test-only")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices = make(map[string]Entry)
	return nil
}

// CalculateCost prices a normalized usage record:
//   - a positive usage.Cost is trusted as provider-reported (no breakdown),
//   - otherwise a registry entry prices prompt/completion tokens per 1K,
//   - otherwise the cost is zero with source unknown.
func (r *Registry) CalculateCost(usage models.LLMUsage) Breakdown {
	if usage.Cost > 0 {
		return Breakdown{
			TotalCost: usage.Cost,
			Currency:  "USD",
			Source:    models.PricingSourceProvider,
		}
	}

	entry, ok := r.GetPrice(usage.Provider, usage.Model)
	if !ok {
		return Breakdown{Currency: "USD", Source: models.PricingSourceUnknown}
	}

	inputCost := float64(usage.PromptTokens) / 1000 * entry.InputPrice
	outputCost := float64(usage.CompletionTokens) / 1000 * entry.OutputPrice
	return Breakdown{
		InputCost:  inputCost,
		OutputCost: outputCost,
		TotalCost:  inputCost + outputCost,
		Currency:   entry.Currency,
		Source:     models.PricingSourceRegistry,
	}
}
