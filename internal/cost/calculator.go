// Package cost prices model calls from their token usage.
package cost

import (
	"github.com/sells-group/diligence-cli/internal/config"
	"github.com/sells-group/diligence-cli/internal/model"
)

// Rate is USD per million tokens for one model. Cache multipliers scale the
// input rate.
type Rate struct {
	Input         float64
	Output        float64
	CacheWriteMul float64
	CacheReadMul  float64
}

// Calculator prices calls by model id.
type Calculator struct {
	rates map[string]Rate
}

// NewCalculator creates a Calculator over rates.
func NewCalculator(rates map[string]Rate) *Calculator {
	return &Calculator{rates: rates}
}

// Price returns the USD cost of u on modelID. Unpriced models cost 0.
func (c *Calculator) Price(modelID string, u model.TokenUsage) float64 {
	r, ok := c.rates[modelID]
	if !ok {
		return 0
	}
	perM := func(n int64, rate float64) float64 { return float64(n) / 1e6 * rate }
	return perM(u.InputTokens, r.Input) +
		perM(u.OutputTokens, r.Output) +
		perM(u.CacheCreationTokens, r.Input*r.CacheWriteMul) +
		perM(u.CacheReadTokens, r.Input*r.CacheReadMul)
}

// Known reports whether modelID has a rate.
func (c *Calculator) Known(modelID string) bool {
	_, ok := c.rates[modelID]
	return ok
}

// FromConfig returns the default rates with configured models layered on top.
func FromConfig(cfg config.PricingConfig) *Calculator {
	rates := DefaultRates()
	for id, p := range cfg.Anthropic {
		rates[id] = Rate{Input: p.Input, Output: p.Output, CacheWriteMul: p.CacheWriteMul, CacheReadMul: p.CacheReadMul}
	}
	return NewCalculator(rates)
}

// DefaultRates is list pricing for the three tier models.
func DefaultRates() map[string]Rate {
	return map[string]Rate{
		"claude-haiku-4-5-20251001":  {Input: 1, Output: 5, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		"claude-sonnet-4-5-20250929": {Input: 3, Output: 15, CacheWriteMul: 1.25, CacheReadMul: 0.1},
		"claude-opus-4-6":            {Input: 5, Output: 25, CacheWriteMul: 1.25, CacheReadMul: 0.1},
	}
}
