package models

import "time"

// PricingSource records where a cost figure came from.
type PricingSource string

const (
	PricingSourceProvider PricingSource = "provider" // reported by the provider adapter
	PricingSourceLiteLLM  PricingSource = "litellm"  // reported by an upstream proxy
	PricingSourceRegistry PricingSource = "registry" // calculated from the pricing registry
	PricingSourceUnknown  PricingSource = "unknown"  // no pricing available
)

// LLMUsage is the normalized token accounting for one model call.
// Cost, when positive, is the provider-reported USD cost for the call.
type LLMUsage struct {
	Provider         string         `json:"provider"`
	Model            string         `json:"model"`
	PromptTokens     int            `json:"prompt_tokens"`
	CompletionTokens int            `json:"completion_tokens"`
	TotalTokens      int            `json:"total_tokens"`
	Cost             float64        `json:"cost,omitempty"`
	Raw              map[string]any `json:"raw,omitempty"`
}

// Normalize clamps negative token counts to zero and derives TotalTokens
// when the provider left it unset.
func (u LLMUsage) Normalize() LLMUsage {
	if u.PromptTokens < 0 {
		u.PromptTokens = 0
	}
	if u.CompletionTokens < 0 {
		u.CompletionTokens = 0
	}
	if u.TotalTokens <= 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// CostEvent is the durable unit of cost accounting. Events for a run are
// append-only and never mutated; duplicates are suppressed by IdempotencyKey.
type CostEvent struct {
	EventID           string        `json:"event_id"`
	IdempotencyKey    string        `json:"idempotency_key"`
	RunID             string        `json:"run_id"`
	SessionID         string        `json:"session_id"`
	TaskID            string        `json:"task_id,omitempty"`
	AgentType         string        `json:"agent_type"`
	Phase             Phase         `json:"phase"`
	Provider          string        `json:"provider"`
	Model             string        `json:"model"`
	PromptTokens      int           `json:"prompt_tokens"`
	CompletionTokens  int           `json:"completion_tokens"`
	TotalTokens       int           `json:"total_tokens"`
	ProviderCostUsd   *float64      `json:"provider_cost_usd,omitempty"`
	CalculatedCostUsd float64       `json:"calculated_cost_usd"`
	PricingSource     PricingSource `json:"pricing_source"`
	CreatedAt         time.Time     `json:"created_at"`
}

// CostBucket is a per-model or per-provider partition of a snapshot.
type CostBucket struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model,omitempty"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost"`
}

// CostSnapshot is the on-read aggregation of a run's cost events.
// Recomputed on every read, never cached.
type CostSnapshot struct {
	RunID       string       `json:"run_id"`
	TotalCost   float64      `json:"total_cost"`
	TotalTokens int          `json:"total_tokens"`
	EventCount  int          `json:"event_count"`
	ByModel     []CostBucket `json:"by_model"`
	ByProvider  []CostBucket `json:"by_provider"`
	Timestamp   time.Time    `json:"timestamp"`
}
