package pricing

import (
	"github.com/runcore-io/runcore/pkg/models"
)

// UnknownMode controls what happens when pricing resolves to unknown.
type UnknownMode string

const (
	// UnknownModeBlock aborts the call before it reaches the model.
	// Recommended in production.
	UnknownModeBlock UnknownMode = "block"
	// UnknownModeWarn records the event with zero cost and a warning.
	UnknownModeWarn UnknownMode = "warn"
)

// rawCostKeys are the upstream proxy fields recognized at the top level of a
// raw provider payload, in precedence order.
var rawCostKeys = []string{
	"response_cost",
	"litellm_response_cost",
	"litellm_cost",
	"cost",
	"total_cost",
}

// Resolution is the outcome of a pricing decision for one call.
type Resolution struct {
	ProviderCostUsd   *float64
	CalculatedCostUsd float64
	Source            models.PricingSource
	ShouldBlock       bool
}

// Resolver applies the three-tier pricing fallback in strict order:
// provider-reported, upstream/LiteLLM-reported, registry lookup, unknown.
type Resolver struct {
	registry *Registry
	mode     UnknownMode
}

// NewResolver creates a resolver over the given registry.
func NewResolver(registry *Registry, mode UnknownMode) *Resolver {
	if mode == "" {
		mode = UnknownModeBlock
	}
	return &Resolver{registry: registry, mode: mode}
}

// Mode returns the configured unknown-pricing mode.
func (r *Resolver) Mode() UnknownMode { return r.mode }

// Resolve prices a usage record. raw, when non-nil, takes precedence over
// usage.Raw for the upstream-reported tier.
func (r *Resolver) Resolve(usage models.LLMUsage, raw map[string]any) Resolution {
	// Tier 1: provider-reported.
	if usage.Cost > 0 {
		cost := usage.Cost
		return Resolution{
			ProviderCostUsd:   &cost,
			CalculatedCostUsd: cost,
			Source:            models.PricingSourceProvider,
		}
	}

	// Tier 2: upstream/LiteLLM-reported.
	if raw == nil {
		raw = usage.Raw
	}
	if cost, ok := upstreamCost(raw); ok {
		return Resolution{
			ProviderCostUsd:   &cost,
			CalculatedCostUsd: cost,
			Source:            models.PricingSourceLiteLLM,
		}
	}

	// Tier 3: registry.
	breakdown := r.registry.CalculateCost(usage)
	if breakdown.Source == models.PricingSourceRegistry {
		return Resolution{
			CalculatedCostUsd: breakdown.TotalCost,
			Source:            models.PricingSourceRegistry,
		}
	}

	// Tier 4: unknown.
	return Resolution{
		Source:      models.PricingSourceUnknown,
		ShouldBlock: r.mode == UnknownModeBlock,
	}
}

// upstreamCost scans a raw payload for a recognized positive cost figure:
// the known keys at the top level, then total_cost/cost nested one level
// under "usage". First positive number wins.
func upstreamCost(raw map[string]any) (float64, bool) {
	if raw == nil {
		return 0, false
	}
	for _, k := range rawCostKeys {
		if cost, ok := positiveNumber(raw[k]); ok {
			return cost, true
		}
	}
	if nested, ok := raw["usage"].(map[string]any); ok {
		for _, k := range []string{"total_cost", "cost"} {
			if cost, ok := positiveNumber(nested[k]); ok {
				return cost, true
			}
		}
	}
	return 0, false
}

// positiveNumber extracts a positive float from the JSON number encodings
// that survive unmarshalling into any.
func positiveNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return n, true
		}
	case float32:
		if n > 0 {
			return float64(n), true
		}
	case int:
		if n > 0 {
			return float64(n), true
		}
	case int64:
		if n > 0 {
			return float64(n), true
		}
	}
	return 0, false
}
