package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/diligence-cli/internal/model"
)

// idNamespace scopes the name-based UUIDs of risks and findings.
var idNamespace = uuid.MustParse("6f1c1c8e-3a52-4f0b-9a7e-2d1f3b9c5e47")

const generalCategory = "general"

// promotion is one candidate headed for the finding repository.
type promotion struct {
	candidate model.FindingCandidate
	docID     string
	crossDocs []string
}

// RiskID returns the id of the risk that groups category within runID.
func RiskID(runID, category string) string {
	return uuid.NewSHA1(idNamespace, []byte(runID+"/risk/"+category)).String()
}

// FindingID returns the id of the index-th candidate produced for unit in
// pass. Re-promoting the same candidates yields the same ids, so a retried
// unit cannot duplicate findings.
func FindingID(runID string, pass int, unit string, index int) string {
	return uuid.NewSHA1(idNamespace, fmt.Appendf(nil, "%s/%d/%s/%d", runID, pass, unit, index)).String()
}

// normalizeCategory turns a model-supplied category into a snake_case key.
func normalizeCategory(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '/' || r == '_'
	}), "_")
	if s == "" {
		return generalCategory
	}
	return s
}

var titleCase = cases.Title(language.English)

// promote upserts the risk of every category involved, then inserts the
// findings. Existing ids are left untouched.
func (o *Orchestrator) promote(ctx context.Context, st *runState, pass int, unit string, promos []promotion) error {
	if len(promos) == 0 {
		return nil
	}
	runID := st.run.ID
	now := o.now().UTC()

	seenRisk := make(map[string]bool)
	findings := make([]model.Finding, 0, len(promos))
	for i, p := range promos {
		f := o.findingFromCandidate(runID, pass, unit, i, p)
		if !seenRisk[f.RiskID] {
			seenRisk[f.RiskID] = true
			risk := &model.Risk{
				ID:       f.RiskID,
				RunID:    runID,
				Category: f.Category,
				Detail:   titleCase.String(strings.ReplaceAll(f.Category, "_", " ")) + " risk",
			}
			if err := o.store.UpsertRisk(ctx, risk); err != nil {
				return eris.Wrapf(err, "pipeline: upsert risk %s", f.Category)
			}
		}
		f.CreatedAt = now
		f.UpdatedAt = now
		findings = append(findings, f)
	}

	n, err := o.store.InsertFindings(ctx, findings)
	if err != nil {
		return eris.Wrapf(err, "pipeline: insert findings for %s", unit)
	}
	st.log.Debug("pipeline: findings promoted",
		zap.Int("pass", pass),
		zap.String("unit", unit),
		zap.Int("candidates", len(findings)),
		zap.Int64("inserted", n),
	)
	return nil
}

func (o *Orchestrator) findingFromCandidate(runID string, pass int, unit string, index int, p promotion) model.Finding {
	c := p.candidate
	category := normalizeCategory(c.Category)
	f := model.Finding{
		ID:             FindingID(runID, pass, unit, index),
		RunID:          runID,
		RiskID:         RiskID(runID, category),
		Pass:           pass,
		Category:       category,
		Detail:         strings.TrimSpace(c.Detail),
		Status:         model.FindingNew,
		DealImpact:     model.ImpactNone,
		Exposure:       o.normalizeExposure(c.Exposure),
		Confidence:     c.Confidence.Clamp(),
		Statutory:      c.Statutory,
		Resolution:     c.Resolution,
		Clause:         c.Clause,
		Source:         model.SourcePointer{DocumentID: p.docID, Page: max(c.Page, 0)},
		CrossDocSource: p.crossDocs,
		Reasoning:      c.Reasoning,
	}
	if f.Resolution != nil {
		r := *f.Resolution
		r.Cost = model.RoundAmount(r.Cost)
		r.CostConfidence = clampUnit(r.CostConfidence)
		f.Resolution = &r
	}
	f.Materiality = o.materiality(f.Exposure)
	return f
}

// normalizeExposure rounds the amount to two decimals and pairs it with a
// valid ISO 4217 currency, defaulting to the reporting currency.
func (o *Orchestrator) normalizeExposure(e *model.FinancialExposure) *model.FinancialExposure {
	if e == nil || math.IsNaN(e.Amount) || math.IsInf(e.Amount, 0) {
		return nil
	}
	out := *e
	out.Amount = model.RoundAmount(math.Abs(out.Amount))
	out.Currency = normalizeCurrency(out.Currency, o.currency())
	return &out
}

func normalizeCurrency(code, fallback string) string {
	if unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code))); err == nil {
		return unit.String()
	}
	return fallback
}

func (o *Orchestrator) currency() string {
	return normalizeCurrency(o.cfg.Pipeline.Currency, "USD")
}

// materiality relates an exposure to the configured threshold. Exposures
// in another currency than the threshold are compared at face value.
func (o *Orchestrator) materiality(e *model.FinancialExposure) model.Materiality {
	threshold := o.cfg.Pipeline.MaterialityThreshold
	if e == nil || threshold <= 0 {
		return model.Materiality{Classification: model.MaterialityUnquantified, Threshold: threshold}
	}
	ratio := math.Round(e.Amount/threshold*10000) / 10000
	m := model.Materiality{Ratio: ratio, Threshold: threshold}
	switch {
	case ratio >= 1:
		m.Classification = model.MaterialityMaterial
	case ratio >= 0.25:
		m.Classification = model.MaterialityPotentiallyMaterial
	default:
		m.Classification = model.MaterialityImmaterial
	}
	return m
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

var amountPrinter = message.NewPrinter(language.English)

// FormatAmount renders an amount with its currency code and grouped digits,
// e.g. "USD 1,250,000.00".
func FormatAmount(amount float64, code string) string {
	return code + " " + amountPrinter.Sprintf("%.2f", model.RoundAmount(amount))
}
