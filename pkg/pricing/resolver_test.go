package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runcore-io/runcore/pkg/models"
)

func newTestResolver(t *testing.T, mode UnknownMode) *Resolver {
	t.Helper()
	r, err := NewRegistry(true)
	require.NoError(t, err)
	require.NoError(t, r.Clear())
	r.RegisterPrice("openai", "gpt-4o", Entry{InputPrice: 0.005, OutputPrice: 0.015})
	return NewResolver(r, mode)
}

func TestResolver_TierPrecedence(t *testing.T) {
	resolver := newTestResolver(t, UnknownModeBlock)

	t.Run("provider-reported beats everything", func(t *testing.T) {
		res := resolver.Resolve(models.LLMUsage{
			Provider: "openai", Model: "gpt-4o",
			PromptTokens: 120, CompletionTokens: 60,
			Cost: 0.02,
			Raw:  map[string]any{"response_cost": 0.99},
		}, nil)
		assert.Equal(t, models.PricingSourceProvider, res.Source)
		assert.Equal(t, 0.02, res.CalculatedCostUsd)
		require.NotNil(t, res.ProviderCostUsd)
		assert.Equal(t, 0.02, *res.ProviderCostUsd)
		assert.False(t, res.ShouldBlock)
	})

	t.Run("upstream raw cost beats registry", func(t *testing.T) {
		res := resolver.Resolve(models.LLMUsage{
			Provider: "openai", Model: "gpt-4o",
			PromptTokens: 120, CompletionTokens: 60,
		}, map[string]any{"litellm_response_cost": 0.007})
		assert.Equal(t, models.PricingSourceLiteLLM, res.Source)
		assert.Equal(t, 0.007, res.CalculatedCostUsd)
	})

	t.Run("registry fallback", func(t *testing.T) {
		res := resolver.Resolve(models.LLMUsage{
			Provider: "openai", Model: "gpt-4o",
			PromptTokens: 120, CompletionTokens: 60,
		}, nil)
		assert.Equal(t, models.PricingSourceRegistry, res.Source)
		assert.InDelta(t, 0.0015, res.CalculatedCostUsd, 1e-9)
		assert.Nil(t, res.ProviderCostUsd)
	})

	t.Run("unknown blocks in fail-closed mode", func(t *testing.T) {
		res := resolver.Resolve(models.LLMUsage{
			Provider: "nobody", Model: "unseeded-model",
			PromptTokens: 120, CompletionTokens: 60,
		}, nil)
		assert.Equal(t, models.PricingSourceUnknown, res.Source)
		assert.Zero(t, res.CalculatedCostUsd)
		assert.True(t, res.ShouldBlock)
	})
}

func TestResolver_WarnModeDoesNotBlock(t *testing.T) {
	resolver := newTestResolver(t, UnknownModeWarn)
	res := resolver.Resolve(models.LLMUsage{Provider: "nobody", Model: "unseeded-model"}, nil)
	assert.Equal(t, models.PricingSourceUnknown, res.Source)
	assert.False(t, res.ShouldBlock)
}

func TestResolver_UpstreamKeyRecognition(t *testing.T) {
	resolver := newTestResolver(t, UnknownModeBlock)
	usage := models.LLMUsage{Provider: "litellm", Model: "proxy-model"}

	for _, key := range []string{"response_cost", "litellm_response_cost", "litellm_cost", "cost", "total_cost"} {
		t.Run(key, func(t *testing.T) {
			res := resolver.Resolve(usage, map[string]any{key: 0.003})
			assert.Equal(t, models.PricingSourceLiteLLM, res.Source)
			assert.Equal(t, 0.003, res.CalculatedCostUsd)
		})
	}

	t.Run("nested usage total_cost", func(t *testing.T) {
		res := resolver.Resolve(usage, map[string]any{
			"usage": map[string]any{"total_cost": 0.004},
		})
		assert.Equal(t, models.PricingSourceLiteLLM, res.Source)
		assert.Equal(t, 0.004, res.CalculatedCostUsd)
	})

	t.Run("zero and negative values ignored", func(t *testing.T) {
		res := resolver.Resolve(usage, map[string]any{"response_cost": 0.0, "cost": -1.0})
		assert.Equal(t, models.PricingSourceUnknown, res.Source)
	})

	t.Run("usage.Raw used when raw argument is nil", func(t *testing.T) {
		withRaw := usage
		withRaw.Raw = map[string]any{"response_cost": 0.005}
		res := resolver.Resolve(withRaw, nil)
		assert.Equal(t, models.PricingSourceLiteLLM, res.Source)
		assert.Equal(t, 0.005, res.CalculatedCostUsd)
	})
}
