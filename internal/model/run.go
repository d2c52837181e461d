package model

import (
	"time"
)

// RunStatus represents the lifecycle state of an analysis run and its checkpoint.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusPaused     RunStatus = "paused"
)

// Terminal reports whether the status ends the run's lifecycle.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusProcessing, RunStatusCompleted, RunStatusFailed, RunStatusPaused:
		return true
	}
	return false
}

// ModelTier is a named cost/accuracy profile that picks model quality per pass.
type ModelTier string

const (
	TierCostOptimized   ModelTier = "cost_optimized"
	TierBalanced        ModelTier = "balanced"
	TierHighAccuracy    ModelTier = "high_accuracy"
	TierMaximumAccuracy ModelTier = "maximum_accuracy"
)

// Tiers lists every model tier from cheapest to most accurate.
var Tiers = []ModelTier{TierCostOptimized, TierBalanced, TierHighAccuracy, TierMaximumAccuracy}

// ParseModelTier returns the tier named by s, falling back to balanced for
// unknown or empty values.
func ParseModelTier(s string) ModelTier {
	for _, t := range Tiers {
		if string(t) == s {
			return t
		}
	}
	return TierBalanced
}

// Pass numbers of the analysis pipeline.
const (
	PassExtract   = 1 // Extract & Index
	PassAnalyze   = 2 // Per-Document Analysis
	PassCrossDoc  = 3 // Cross-Document Synthesis
	PassSynthesis = 4 // Deal Synthesis
)

// PassName returns a short label for a pass number.
func PassName(pass int) string {
	switch pass {
	case PassExtract:
		return "extract"
	case PassAnalyze:
		return "analyze"
	case PassCrossDoc:
		return "cross_document"
	case PassSynthesis:
		return "deal_synthesis"
	default:
		return "unknown"
	}
}

// AnalysisRun is one user-initiated analysis attempt on a due-diligence case.
type AnalysisRun struct {
	ID            string         `json:"id" yaml:"id"`
	CaseID        string         `json:"case_id" yaml:"case_id"`
	Name          string         `json:"name" yaml:"name"`
	Status        RunStatus      `json:"status" yaml:"status"`
	ModelTier     ModelTier      `json:"model_tier" yaml:"model_tier"`
	SynthesisData *SynthesisData `json:"synthesis_data,omitempty" yaml:"synthesis_data,omitempty"`
	CreatedAt     time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" yaml:"updated_at"`
}

// SynthesisData is the deal report produced by Pass 4 and refined by report versions.
type SynthesisData struct {
	ExecutiveSummary    string          `json:"executive_summary" yaml:"executive_summary"`
	DealAssessment      DealAssessment  `json:"deal_assessment" yaml:"deal_assessment"`
	FinancialExposures  []ExposureTotal `json:"financial_exposures" yaml:"financial_exposures"`
	DealBlockers        []DealItem      `json:"deal_blockers" yaml:"deal_blockers"`
	ConditionsPrecedent []DealItem      `json:"conditions_precedent" yaml:"conditions_precedent"`
	Recommendations     []string        `json:"recommendations" yaml:"recommendations"`
	GeneratedAt         time.Time       `json:"generated_at" yaml:"generated_at"`
}

// DealAssessment is the overall verdict on the transaction.
type DealAssessment struct {
	Recommendation string `json:"recommendation" yaml:"recommendation"` // proceed, proceed_with_conditions, renegotiate, do_not_proceed
	RiskRating     string `json:"risk_rating" yaml:"risk_rating"`       // low, medium, high, critical
	Rationale      string `json:"rationale" yaml:"rationale"`
}

// ExposureTotal aggregates financial exposure for one currency.
type ExposureTotal struct {
	Currency     string  `json:"currency" yaml:"currency"`
	Total        float64 `json:"total" yaml:"total"`
	FindingCount int     `json:"finding_count" yaml:"finding_count"`
	Formatted    string  `json:"formatted" yaml:"formatted"`
}

// DealItem is a finding surfaced in the deal report as a blocker or condition.
type DealItem struct {
	FindingID string  `json:"finding_id" yaml:"finding_id"`
	Category  string  `json:"category" yaml:"category"`
	Detail    string  `json:"detail" yaml:"detail"`
	Amount    float64 `json:"amount,omitempty" yaml:"amount,omitempty"`
	Currency  string  `json:"currency,omitempty" yaml:"currency,omitempty"`
}
