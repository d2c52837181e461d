package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/diligence-cli/internal/config"
	"github.com/sells-group/diligence-cli/internal/cost"
	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/resilience"
	"github.com/sells-group/diligence-cli/pkg/anthropic"
)

const refineInstructions = `You are the partner revising a due-diligence deal report at the client's request.
You receive the current report as JSON, the findings it is based on and the requested change.
Return the complete revised report as a single JSON object with the same keys:
executive_summary, deal_assessment {recommendation, risk_rating, rationale},
deal_blockers and conditions_precedent (arrays of {finding_id, category, detail, amount, currency}),
recommendations (array of strings). Only change what the request asks for. JSON only.`

// ModelRegenerator regenerates report content with a Claude model.
type ModelRegenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	retry     resilience.RetryConfig
	costCalc  *cost.Calculator
	now       func() time.Time
}

// NewModelRegenerator creates a regenerator that uses the premium model
// configured in cfg.
func NewModelRegenerator(client anthropic.Client, cfg *config.Config) *ModelRegenerator {
	maxTokens := cfg.Anthropic.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &ModelRegenerator{
		client:    client,
		model:     cfg.Anthropic.OpusModel,
		maxTokens: maxTokens,
		retry:     resilience.FromConfig(cfg.Pipeline.MaxUnitAttempts, cfg.Retry),
		costCalc:  cost.FromConfig(cfg.Pricing),
		now:       time.Now,
	}
}

// Regenerate asks the model for a revised report. Exposure totals are
// computed from findings and carried over from prior unchanged.
func (r *ModelRegenerator) Regenerate(ctx context.Context, prior model.SynthesisData, findings []model.Finding, prompt string) (*model.SynthesisData, error) {
	current, err := json.MarshalIndent(prior, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "report: marshal prior content")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current report:\n%s\n\nFindings:\n", current)
	if len(findings) == 0 {
		b.WriteString("(none)\n")
	}
	for _, f := range findings {
		fmt.Fprintf(&b, "- [%s] %s | impact=%s | status=%s | %s\n", f.ID, f.Category, f.DealImpact, f.Status, f.Detail)
	}
	fmt.Fprintf(&b, "\nRequested change:\n%s\n", prompt)

	resp, err := resilience.DoVal(ctx, r.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return r.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     r.model,
			MaxTokens: r.maxTokens,
			System:    anthropic.BuildCachedSystemBlocks(refineInstructions, ""),
			Messages:  []anthropic.Message{{Role: "user", Content: b.String()}},
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "report: refine call")
	}

	u := resp.Usage
	u.Cost = r.costCalc.Price(r.model, u)
	anthropic.LogUsage(r.model, "refine", u)

	var next model.SynthesisData
	if err := json.Unmarshal([]byte(anthropic.ExtractJSON(resp.Text())), &next); err != nil {
		return nil, eris.Wrap(err, "report: refined report is not valid JSON")
	}

	next.FinancialExposures = prior.FinancialExposures
	if next.DealAssessment.Recommendation == "" {
		next.DealAssessment.Recommendation = prior.DealAssessment.Recommendation
	}
	if next.DealAssessment.RiskRating == "" {
		next.DealAssessment.RiskRating = prior.DealAssessment.RiskRating
	}
	if next.DealBlockers == nil {
		next.DealBlockers = []model.DealItem{}
	}
	if next.ConditionsPrecedent == nil {
		next.ConditionsPrecedent = []model.DealItem{}
	}
	if next.Recommendations == nil {
		next.Recommendations = []string{}
	}
	next.GeneratedAt = r.now().UTC()
	return &next, nil
}
