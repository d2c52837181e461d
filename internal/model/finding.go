package model

import (
	"math"
	"time"
)

// FindingStatus is the soft review lifecycle of a finding. Findings are never
// hard-deleted; Deleted is just another recoverable state.
type FindingStatus string

const (
	FindingNew     FindingStatus = "New"
	FindingRed     FindingStatus = "Red"
	FindingAmber   FindingStatus = "Amber"
	FindingDeleted FindingStatus = "Deleted"
)

// Valid reports whether s is a known finding status.
func (s FindingStatus) Valid() bool {
	switch s {
	case FindingNew, FindingRed, FindingAmber, FindingDeleted:
		return true
	}
	return false
}

// DealImpact classifies a finding's effect on the transaction.
type DealImpact string

const (
	ImpactDealBlocker        DealImpact = "deal_blocker"
	ImpactConditionPrecedent DealImpact = "condition_precedent"
	ImpactPriceChip          DealImpact = "price_chip"
	ImpactWarrantyIndemnity  DealImpact = "warranty_indemnity"
	ImpactPostClosing        DealImpact = "post_closing"
	ImpactNoted              DealImpact = "noted"
	ImpactNone               DealImpact = "none"
)

// ParseDealImpact returns the impact named by s, or ImpactNone if unknown.
func ParseDealImpact(s string) DealImpact {
	switch d := DealImpact(s); d {
	case ImpactDealBlocker, ImpactConditionPrecedent, ImpactPriceChip,
		ImpactWarrantyIndemnity, ImpactPostClosing, ImpactNoted, ImpactNone:
		return d
	}
	return ImpactNone
}

// Materiality classifications.
const (
	MaterialityMaterial            = "material"
	MaterialityPotentiallyMaterial = "potentially_material"
	MaterialityImmaterial          = "immaterial"
	MaterialityUnquantified        = "unquantified"
)

// Risk groups findings of one category within a run. Its detail text is
// user-editable; editing it invalidates the findings derived from it.
type Risk struct {
	ID        string    `json:"id" yaml:"id"`
	RunID     string    `json:"run_id" yaml:"run_id"`
	Category  string    `json:"category" yaml:"category"`
	Detail    string    `json:"detail" yaml:"detail"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Finding is a single classified risk observation produced by the pipeline.
type Finding struct {
	ID             string              `json:"id"`
	RunID          string              `json:"run_id"`
	RiskID         string              `json:"risk_id"`
	Pass           int                 `json:"pass"`
	Category       string              `json:"category"`
	Detail         string              `json:"detail"`
	Status         FindingStatus       `json:"status"`
	DealImpact     DealImpact          `json:"deal_impact"`
	Exposure       *FinancialExposure  `json:"exposure,omitempty"`
	Materiality    Materiality         `json:"materiality"`
	Confidence     Confidence          `json:"confidence"`
	Statutory      *StatutoryReference `json:"statutory,omitempty"`
	Resolution     *ResolutionPlan     `json:"resolution,omitempty"`
	Clause         *ClauseReference    `json:"clause,omitempty"`
	Source         SourcePointer       `json:"source"`
	CrossDocSource []string            `json:"cross_doc_source,omitempty"`
	Reasoning      OrderedMap[string]  `json:"reasoning"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// FinancialExposure is a quantified exposure. Amounts are always paired with a currency.
type FinancialExposure struct {
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Calculation string  `json:"calculation,omitempty"`
}

// Materiality relates an exposure to the deal's materiality threshold.
type Materiality struct {
	Classification string  `json:"classification,omitempty"`
	Ratio          float64 `json:"ratio,omitempty"`
	Threshold      float64 `json:"threshold,omitempty"`
}

// Confidence holds probabilities that the finding exists, that its severity
// is right, and that its amount is right.
type Confidence struct {
	Existence float64 `json:"existence"`
	Severity  float64 `json:"severity"`
	Amount    float64 `json:"amount"`
	Basis     string  `json:"basis,omitempty"`
}

// Clamp bounds each probability to [0,1]. NaN becomes 0.
func (c Confidence) Clamp() Confidence {
	c.Existence = clampUnit(c.Existence)
	c.Severity = clampUnit(c.Severity)
	c.Amount = clampUnit(c.Amount)
	return c
}

// StatutoryReference cites the law a finding rests on.
type StatutoryReference struct {
	Act            string `json:"act"`
	Section        string `json:"section,omitempty"`
	Consequence    string `json:"consequence,omitempty"`
	RegulatoryBody string `json:"regulatory_body,omitempty"`
}

// ResolutionPlan describes how a finding could be cured before or after closing.
type ResolutionPlan struct {
	Mechanism        string  `json:"mechanism"`
	ResponsibleParty string  `json:"responsible_party,omitempty"`
	Timeline         string  `json:"timeline,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
	CostConfidence   float64 `json:"cost_confidence,omitempty"`
}

// ClauseReference points at the contract clause a finding is about.
type ClauseReference struct {
	Reference string `json:"reference"`
	Excerpt   string `json:"excerpt,omitempty"`
}

// SourcePointer locates the evidence for a finding.
type SourcePointer struct {
	DocumentID string `json:"document_id"`
	Page       int    `json:"page,omitempty"`
}

// FindingCandidate is a raw finding proposed by the model before promotion
// into the finding repository.
type FindingCandidate struct {
	Category   string              `json:"category"`
	Detail     string              `json:"detail"`
	Exposure   *FinancialExposure  `json:"exposure,omitempty"`
	Confidence Confidence          `json:"confidence"`
	Statutory  *StatutoryReference `json:"statutory,omitempty"`
	Resolution *ResolutionPlan     `json:"resolution,omitempty"`
	Clause     *ClauseReference    `json:"clause,omitempty"`
	Page       int                 `json:"page,omitempty"`
	Reasoning  OrderedMap[string]  `json:"reasoning"`
}

// RoundAmount rounds a monetary amount to two decimal places.
func RoundAmount(v float64) float64 {
	return math.Round(v*100) / 100
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
