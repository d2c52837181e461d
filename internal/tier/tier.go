// Package tier maps a run's cost/accuracy tier to a concrete model per pass.
package tier

import (
	"github.com/sells-group/diligence-cli/internal/config"
	"github.com/sells-group/diligence-cli/internal/model"
)

// Quality is an ordered model quality level.
type Quality int

// Quality levels, cheapest first.
const (
	Fast Quality = iota + 1
	Standard
	Premium
)

// String returns the quality level name.
func (q Quality) String() string {
	switch q {
	case Fast:
		return "fast"
	case Standard:
		return "standard"
	case Premium:
		return "premium"
	default:
		return "unknown"
	}
}

// matrix holds one quality per pass (index 0 = pass 1) for each tier.
// Each column is non-decreasing from the cheapest tier to the most accurate.
var matrix = map[model.ModelTier][4]Quality{
	model.TierCostOptimized:   {Fast, Fast, Standard, Standard},
	model.TierBalanced:        {Fast, Standard, Standard, Premium},
	model.TierHighAccuracy:    {Standard, Standard, Premium, Premium},
	model.TierMaximumAccuracy: {Standard, Premium, Premium, Premium},
}

// QualityFor returns the quality level for tier at pass. Unknown tiers fall
// back to balanced; out-of-range passes use the nearest defined pass.
func QualityFor(t model.ModelTier, pass int) Quality {
	row, ok := matrix[t]
	if !ok {
		row = matrix[model.TierBalanced]
	}
	switch {
	case pass < model.PassExtract:
		pass = model.PassExtract
	case pass > model.PassSynthesis:
		pass = model.PassSynthesis
	}
	return row[pass-1]
}

// Selector resolves quality levels to configured model ids.
type Selector struct {
	models map[Quality]string
}

// NewSelector builds a Selector from the Anthropic model settings.
func NewSelector(cfg config.AnthropicConfig) *Selector {
	return &Selector{models: map[Quality]string{
		Fast:     cfg.HaikuModel,
		Standard: cfg.SonnetModel,
		Premium:  cfg.OpusModel,
	}}
}

// Select returns the model id for tier at pass.
func (s *Selector) Select(t model.ModelTier, pass int) string {
	return s.models[QualityFor(t, pass)]
}
