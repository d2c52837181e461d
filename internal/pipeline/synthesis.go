package pipeline

import (
	"context"
	"encoding/json"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/report"
	"github.com/sells-group/diligence-cli/internal/resilience"
)

// Synthesis sections, drafted in order. Each one is a Pass 4 question.
const (
	SectionClassification  = "deal_classification"
	SectionAssessment      = "deal_assessment"
	SectionRecommendations = "recommendations"
	SectionSummary         = "executive_summary"
)

// Sections lists the synthesis sections in drafting order.
var Sections = []string{SectionClassification, SectionAssessment, SectionRecommendations, SectionSummary}

// InitialChangeSummary labels the first report version of a run.
const InitialChangeSummary = "Initial synthesis"

// ResynthesisPrefix starts the change summary of a version written by a
// later synthesis of the same run.
const ResynthesisPrefix = "Re-synthesis: "

var (
	recommendations = []string{"proceed", "proceed_with_conditions", "renegotiate", "do_not_proceed"}
	riskRatings     = []string{"low", "medium", "high", "critical"}
)

type classification struct {
	FindingID  string `json:"finding_id"`
	DealImpact string `json:"deal_impact"`
}

type classificationSection struct {
	Classifications []classification `json:"classifications"`
}

type recommendationsSection struct {
	Recommendations []string `json:"recommendations"`
}

type summarySection struct {
	ExecutiveSummary string `json:"executive_summary"`
}

// synthesisPass drafts each section not yet in pass4_sections and writes the
// assembled report onto the run.
func (o *Orchestrator) synthesisPass(ctx context.Context, st *runState) error {
	err := o.update(ctx, st, func(cp *model.Checkpoint) {
		cp.TotalQuestions = len(Sections)
		cp.QuestionsProcessed = cp.Pass4Sections.Len()
	})
	if err != nil {
		return err
	}

	for _, section := range Sections {
		st.mu.Lock()
		done := st.cp.Pass4Sections.Has(section)
		st.mu.Unlock()
		if done {
			continue
		}
		if ctx.Err() != nil || st.outOfTime(o.now()) {
			return errPaused
		}

		findings, err := o.activeFindings(ctx, st.run.ID)
		if err != nil {
			return err
		}
		raw, err := o.draftSection(ctx, st, section, findings)
		if err != nil {
			return err
		}
		err = o.update(ctx, st, func(cp *model.Checkpoint) {
			cp.Pass4Sections.Set(section, raw)
			cp.QuestionsProcessed = cp.Pass4Sections.Len()
			cp.CurrentStage = section
		})
		if err != nil {
			return err
		}
	}

	findings, err := o.activeFindings(ctx, st.run.ID)
	if err != nil {
		return err
	}
	sd := o.assemble(st, findings)
	if err := o.store.SetSynthesis(ctx, st.run.ID, sd); err != nil {
		return eris.Wrap(err, "pipeline: write synthesis")
	}
	st.run.SynthesisData = sd

	return o.snapshotReport(ctx, st, sd)
}

// snapshotReport stores sd as the run's current report version. A run that
// already has a version gets a new one only when the content changed, diffed
// against the version it replaces.
func (o *Orchestrator) snapshotReport(ctx context.Context, st *runState, sd *model.SynthesisData) error {
	cur, err := o.store.GetCurrentReportVersion(ctx, st.run.ID)
	if err != nil {
		return eris.Wrap(err, "pipeline: load current report version")
	}

	v := &model.ReportVersion{RunID: st.run.ID, Content: *sd, ChangeSummary: InitialChangeSummary}
	if cur != nil {
		v.Changes = report.Diff(cur.Content, *sd)
		if len(v.Changes) == 0 {
			return nil
		}
		v.ChangeSummary = ResynthesisPrefix + report.Summarize(v.Changes)
	}
	if err := o.store.CreateReportVersion(ctx, v); err != nil {
		return eris.Wrap(err, "pipeline: snapshot report")
	}
	st.log.Info("pipeline: report version created",
		zap.Int("version", v.Version),
		zap.Int("changed_sections", len(v.Changes)),
	)
	return nil
}

// draftSection answers one section and returns its normalized JSON.
func (o *Orchestrator) draftSection(ctx context.Context, st *runState, section string, findings []model.Finding) (json.RawMessage, error) {
	var (
		question string
		extra    string
		out      any
	)
	switch section {
	case SectionClassification:
		if len(findings) == 0 {
			return json.RawMessage(`{"classifications":[]}`), nil
		}
		question = `Classify each finding's effect on the deal. Return {"classifications": [{"finding_id", "deal_impact"}]}
where deal_impact is one of deal_blocker, condition_precedent, price_chip, warranty_indemnity, post_closing, noted, none.`
		out = &classificationSection{}
	case SectionAssessment:
		question = `Give the overall deal assessment. Return {"recommendation", "risk_rating", "rationale"} where recommendation is
one of proceed, proceed_with_conditions, renegotiate, do_not_proceed and risk_rating one of low, medium, high, critical.`
		extra = exposureSummary(o.exposureTotals(findings))
		out = &model.DealAssessment{}
	case SectionRecommendations:
		question = `List concrete recommendations for the buyer, most important first. Return {"recommendations": [string]}.`
		out = &recommendationsSection{}
	case SectionSummary:
		question = `Write a concise executive summary of the due diligence for the investment committee. Return {"executive_summary": string}.`
		st.mu.Lock()
		if a, ok := st.cp.Pass4Sections.Get(SectionAssessment); ok {
			extra = "Deal assessment: " + string(a)
		}
		st.mu.Unlock()
		out = &summarySection{}
	default:
		return nil, eris.Errorf("pipeline: unknown synthesis section %q", section)
	}

	raw, err := o.call(ctx, st, model.PassSynthesis, section,
		o.system(st, synthesisInstructions),
		sectionPrompt(section, question, findings, extra))
	if err != nil {
		return nil, err
	}
	if err := decodeReply(raw, out); err != nil {
		o.warn(st, section, resilience.NewStructuralError("synthesis", err))
		out = fallbackSection(section, findings)
	}

	switch v := out.(type) {
	case *classificationSection:
		if err := o.applyClassifications(ctx, st, v, findings); err != nil {
			return nil, err
		}
	case *model.DealAssessment:
		normalizeAssessment(v, findings)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: marshal section %s", section)
	}
	return data, nil
}

// applyClassifications writes deal impacts onto findings. Unknown ids are
// structural warnings; unknown impacts become none.
func (o *Orchestrator) applyClassifications(ctx context.Context, st *runState, sec *classificationSection, findings []model.Finding) error {
	byID := make(map[string]*model.Finding, len(findings))
	for i := range findings {
		byID[findings[i].ID] = &findings[i]
	}
	kept := sec.Classifications[:0]
	for _, c := range sec.Classifications {
		f, ok := byID[c.FindingID]
		if !ok {
			o.warn(st, SectionClassification, resilience.NewStructuralError("synthesis",
				eris.Errorf("classification of unknown finding %q", c.FindingID)))
			continue
		}
		impact := model.ParseDealImpact(c.DealImpact)
		c.DealImpact = string(impact)
		kept = append(kept, c)
		if f.DealImpact == impact {
			continue
		}
		f.DealImpact = impact
		f.UpdatedAt = o.now().UTC()
		if err := o.store.UpdateFinding(ctx, f); err != nil {
			return eris.Wrapf(err, "pipeline: classify finding %s", f.ID)
		}
	}
	sec.Classifications = kept
	return nil
}

// fallbackSection is used when the model reply cannot be parsed.
func fallbackSection(section string, findings []model.Finding) any {
	switch section {
	case SectionClassification:
		return &classificationSection{Classifications: []classification{}}
	case SectionAssessment:
		a := &model.DealAssessment{}
		normalizeAssessment(a, findings)
		return a
	case SectionRecommendations:
		return &recommendationsSection{Recommendations: []string{}}
	default:
		return &summarySection{}
	}
}

// normalizeAssessment keeps model values from the allowed sets and derives
// the missing ones from the findings' deal impacts.
func normalizeAssessment(a *model.DealAssessment, findings []model.Finding) {
	blockers, conditions := 0, 0
	for _, f := range findings {
		switch f.DealImpact {
		case model.ImpactDealBlocker:
			blockers++
		case model.ImpactConditionPrecedent:
			conditions++
		}
	}
	a.Recommendation = strings.ToLower(strings.TrimSpace(a.Recommendation))
	if !slices.Contains(recommendations, a.Recommendation) {
		switch {
		case blockers > 0:
			a.Recommendation = "renegotiate"
		case conditions > 0:
			a.Recommendation = "proceed_with_conditions"
		default:
			a.Recommendation = "proceed"
		}
	}
	a.RiskRating = strings.ToLower(strings.TrimSpace(a.RiskRating))
	if !slices.Contains(riskRatings, a.RiskRating) {
		switch {
		case blockers > 0:
			a.RiskRating = "high"
		case conditions > 0:
			a.RiskRating = "medium"
		default:
			a.RiskRating = "low"
		}
	}
}

// assemble builds the report from the drafted sections and current findings.
// A stored section that no longer decodes is left out with a warning.
func (o *Orchestrator) assemble(st *runState, findings []model.Finding) *model.SynthesisData {
	cp := st.snapshot()
	section := func(name string, v any) bool {
		raw, ok := cp.Pass4Sections.Get(name)
		if !ok {
			return false
		}
		if err := json.Unmarshal(raw, v); err != nil {
			o.warn(st, name, resilience.NewStructuralError("synthesis", err))
			return false
		}
		return true
	}

	sd := &model.SynthesisData{
		FinancialExposures:  o.exposureTotals(findings),
		DealBlockers:        []model.DealItem{},
		ConditionsPrecedent: []model.DealItem{},
		Recommendations:     []string{},
		GeneratedAt:         o.now().UTC(),
	}

	var a model.DealAssessment
	if section(SectionAssessment, &a) {
		sd.DealAssessment = a
	}
	var r recommendationsSection
	if section(SectionRecommendations, &r) && r.Recommendations != nil {
		sd.Recommendations = r.Recommendations
	}
	var sum summarySection
	if section(SectionSummary, &sum) {
		sd.ExecutiveSummary = sum.ExecutiveSummary
	}

	for _, f := range findings {
		item := model.DealItem{FindingID: f.ID, Category: f.Category, Detail: f.Detail}
		if f.Exposure != nil {
			item.Amount = f.Exposure.Amount
			item.Currency = f.Exposure.Currency
		}
		switch f.DealImpact {
		case model.ImpactDealBlocker:
			sd.DealBlockers = append(sd.DealBlockers, item)
		case model.ImpactConditionPrecedent:
			sd.ConditionsPrecedent = append(sd.ConditionsPrecedent, item)
		}
	}
	return sd
}

// exposureTotals sums quantified exposures per currency, ordered by
// currency code.
func (o *Orchestrator) exposureTotals(findings []model.Finding) []model.ExposureTotal {
	byCurrency := make(map[string]*model.ExposureTotal)
	for _, f := range findings {
		if f.Exposure == nil {
			continue
		}
		code := normalizeCurrency(f.Exposure.Currency, o.currency())
		t, ok := byCurrency[code]
		if !ok {
			t = &model.ExposureTotal{Currency: code}
			byCurrency[code] = t
		}
		t.Total += f.Exposure.Amount
		t.FindingCount++
	}

	out := make([]model.ExposureTotal, 0, len(byCurrency))
	for _, t := range byCurrency {
		t.Total = model.RoundAmount(t.Total)
		t.Formatted = FormatAmount(t.Total, t.Currency)
		out = append(out, *t)
	}
	slices.SortFunc(out, func(a, b model.ExposureTotal) int { return strings.Compare(a.Currency, b.Currency) })
	return out
}

func exposureSummary(totals []model.ExposureTotal) string {
	if len(totals) == 0 {
		return "Aggregate quantified exposure: none."
	}
	parts := make([]string, len(totals))
	for i, t := range totals {
		parts[i] = t.Formatted
	}
	return "Aggregate quantified exposure: " + strings.Join(parts, "; ") + "."
}
