package report

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sells-group/diligence-cli/internal/model"
)

// Section keys used in a version's changes.
const (
	SectionExecutiveSummary    = "executive_summary"
	SectionRecommendation      = "deal_assessment.recommendation"
	SectionRiskRating          = "deal_assessment.risk_rating"
	SectionRationale           = "deal_assessment.rationale"
	SectionFinancialExposures  = "financial_exposures"
	SectionDealBlockers        = "deal_blockers"
	SectionConditionsPrecedent = "conditions_precedent"
	SectionRecommendations     = "recommendations"
)

// Diff compares two synthesis payloads section by section. Text sections
// record before and after; list sections record added and removed items.
// Unchanged sections are omitted.
func Diff(prior, next model.SynthesisData) model.Changes {
	changes := model.Changes{}

	text := func(key, before, after string) {
		if before != after {
			changes[key] = model.SectionChange{Before: before, After: after}
		}
	}
	list := func(key string, before, after []string) {
		added, removed := setDiff(before, after)
		if len(added) > 0 || len(removed) > 0 {
			changes[key] = model.SectionChange{Added: added, Removed: removed}
		}
	}

	text(SectionExecutiveSummary, prior.ExecutiveSummary, next.ExecutiveSummary)
	text(SectionRecommendation, prior.DealAssessment.Recommendation, next.DealAssessment.Recommendation)
	text(SectionRiskRating, prior.DealAssessment.RiskRating, next.DealAssessment.RiskRating)
	text(SectionRationale, prior.DealAssessment.Rationale, next.DealAssessment.Rationale)
	list(SectionFinancialExposures, exposureLines(prior.FinancialExposures), exposureLines(next.FinancialExposures))
	list(SectionDealBlockers, dealLines(prior.DealBlockers), dealLines(next.DealBlockers))
	list(SectionConditionsPrecedent, dealLines(prior.ConditionsPrecedent), dealLines(next.ConditionsPrecedent))
	list(SectionRecommendations, prior.Recommendations, next.Recommendations)

	return changes
}

// setDiff returns the items of after missing from before and the items of
// before missing from after, each in original order.
func setDiff(before, after []string) (added, removed []string) {
	for _, s := range after {
		if !slices.Contains(before, s) && !slices.Contains(added, s) {
			added = append(added, s)
		}
	}
	for _, s := range before {
		if !slices.Contains(after, s) && !slices.Contains(removed, s) {
			removed = append(removed, s)
		}
	}
	return added, removed
}

func exposureLines(totals []model.ExposureTotal) []string {
	out := make([]string, len(totals))
	for i, t := range totals {
		out[i] = t.Formatted
		if out[i] == "" {
			out[i] = fmt.Sprintf("%s %.2f", t.Currency, t.Total)
		}
	}
	return out
}

func dealLines(items []model.DealItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		if it.FindingID != "" {
			out[i] = it.FindingID + ": " + it.Detail
		} else {
			out[i] = it.Detail
		}
	}
	return out
}

var sectionLabels = map[string]string{
	SectionExecutiveSummary:    "executive summary",
	SectionRecommendation:      "recommendation",
	SectionRiskRating:          "risk rating",
	SectionRationale:           "rationale",
	SectionFinancialExposures:  "financial exposure",
	SectionDealBlockers:        "deal blocker",
	SectionConditionsPrecedent: "condition precedent",
	SectionRecommendations:     "recommendation item",
}

// Summarize renders changes as one sentence, e.g.
// "Updated executive summary and risk rating; added 2 recommendation items."
func Summarize(changes model.Changes) string {
	if len(changes) == 0 {
		return "No changes"
	}
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var updated, counted []string
	for _, k := range keys {
		c := changes[k]
		label := sectionLabels[k]
		if label == "" {
			label = strings.ReplaceAll(k, "_", " ")
		}
		if c.Before != "" || c.After != "" {
			updated = append(updated, label)
			continue
		}
		if n := len(c.Added); n > 0 {
			counted = append(counted, fmt.Sprintf("added %d %s", n, plural(label, n)))
		}
		if n := len(c.Removed); n > 0 {
			counted = append(counted, fmt.Sprintf("removed %d %s", n, plural(label, n)))
		}
	}

	var parts []string
	if len(updated) > 0 {
		parts = append(parts, "updated "+joinAnd(updated))
	}
	parts = append(parts, counted...)
	s := strings.Join(parts, "; ")
	return strings.ToUpper(s[:1]) + s[1:] + "."
}

func plural(label string, n int) string {
	if n == 1 {
		return label
	}
	return label + "s"
}

func joinAnd(items []string) string {
	if len(items) == 1 {
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
}
