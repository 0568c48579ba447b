package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runcore-io/runcore/pkg/models"
)

func TestNewRegistry_SeedsDefaultCatalog(t *testing.T) {
	r, err := NewRegistry(true)
	require.NoError(t, err)

	entry, ok := r.GetPrice("openai", "gpt-4o")
	require.True(t, ok, "default catalog should include openai:gpt-4o")
	assert.Positive(t, entry.InputPrice)
	assert.Positive(t, entry.OutputPrice)
	assert.Equal(t, "USD", entry.Currency)
}

func TestRegistry_GetPrice_ExactMatchOnly(t *testing.T) {
	r, err := NewRegistry(true)
	require.NoError(t, err)

	_, ok := r.GetPrice("openai", "gpt-4o-nonexistent-variant")
	assert.False(t, ok, "lookup must not fuzzy-match model names")

	_, ok = r.GetPrice("", "")
	assert.False(t, ok)
}

func TestRegistry_RegisterPrice_Replaces(t *testing.T) {
	r, err := NewRegistry(true)
	require.NoError(t, err)

	r.RegisterPrice("acme", "m1", Entry{InputPrice: 0.001, OutputPrice: 0.002})
	entry, ok := r.GetPrice("acme", "m1")
	require.True(t, ok)
	assert.Equal(t, "USD", entry.Currency, "currency defaults to USD")

	r.RegisterPrice("acme", "m1", Entry{InputPrice: 0.01, OutputPrice: 0.02})
	entry, _ = r.GetPrice("acme", "m1")
	assert.Equal(t, 0.01, entry.InputPrice)
}

func TestRegistry_LoadFromJSON(t *testing.T) {
	r, err := NewRegistry(true)
	require.NoError(t, err)
	require.NoError(t, r.Clear())

	err = r.LoadFromJSON([]byte(`{
		"acme:m1": {"input_price": 0.005, "output_price": 0.015},
		"acme:m2": {"input_price": 0.001, "output_price": 0.002, "currency": "USD"}
	}`))
	require.NoError(t, err)
	assert.Len(t, r.AllPrices(), 2)

	err = r.LoadFromJSON([]byte(`{not json`))
	assert.Error(t, err)
}

func TestRegistry_CalculateCost(t *testing.T) {
	r, err := NewRegistry(true)
	require.NoError(t, err)
	require.NoError(t, r.Clear())
	r.RegisterPrice("openai", "gpt-4o", Entry{InputPrice: 0.005, OutputPrice: 0.015})

	t.Run("provider-reported cost wins", func(t *testing.T) {
		b := r.CalculateCost(models.LLMUsage{
			Provider: "openai", Model: "gpt-4o",
			PromptTokens: 1000, CompletionTokens: 1000,
			Cost: 0.42,
		})
		assert.Equal(t, models.PricingSourceProvider, b.Source)
		assert.Equal(t, 0.42, b.TotalCost)
		assert.Zero(t, b.InputCost, "breakdown stays zero for provider-reported cost")
		assert.Zero(t, b.OutputCost)
	})

	t.Run("registry entry prices per 1K tokens", func(t *testing.T) {
		b := r.CalculateCost(models.LLMUsage{
			Provider: "openai", Model: "gpt-4o",
			PromptTokens: 120, CompletionTokens: 60,
		})
		assert.Equal(t, models.PricingSourceRegistry, b.Source)
		assert.InDelta(t, 0.0006, b.InputCost, 1e-9)
		assert.InDelta(t, 0.0009, b.OutputCost, 1e-9)
		assert.InDelta(t, 0.0015, b.TotalCost, 1e-9)
	})

	t.Run("unseeded model is unknown with zero cost", func(t *testing.T) {
		b := r.CalculateCost(models.LLMUsage{
			Provider: "nobody", Model: "unseeded-model",
			PromptTokens: 1000, CompletionTokens: 1000,
		})
		assert.Equal(t, models.PricingSourceUnknown, b.Source)
		assert.Zero(t, b.TotalCost)
	})
}

func TestRegistry_Clear_TestOnly(t *testing.T) {
	r, err := NewRegistry(true)
	require.NoError(t, err)
	require.NoError(t, r.Clear())
	assert.Empty(t, r.AllPrices())
}
