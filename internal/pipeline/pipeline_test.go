package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/diligence-cli/internal/config"
	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/notify"
	"github.com/sells-group/diligence-cli/internal/report"
	"github.com/sells-group/diligence-cli/internal/resilience"
	"github.com/sells-group/diligence-cli/internal/store"
)

func TestRun_CompletesAllPasses(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 4)
	run := fx.createRun(t, "case-1")

	res, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)
	assert.False(t, res.NoOp)

	assert.Equal(t, 4, fx.ai.count(taskExtract))
	assert.Equal(t, 4, fx.ai.count(taskAnalyze))
	assert.Equal(t, 1, fx.ai.count(taskCrossDoc), "all documents share Acme Ltd")
	assert.Equal(t, len(Sections), fx.ai.count(taskSection))

	cp := fx.checkpoint(t, run.ID)
	assert.Equal(t, model.RunStatusCompleted, cp.Status)
	assert.Equal(t, model.PassSynthesis, cp.CurrentPass)
	assert.NotNil(t, cp.CompletedAt)
	assert.Equal(t, 4, cp.TotalDocuments)
	assert.Equal(t, len(Sections), cp.QuestionsProcessed)
	assert.Equal(t, 1, cp.ClustersProcessed.Len())
	assert.Positive(t, cp.GraphVertices)
	assert.Positive(t, cp.GraphEdges)
	assert.Equal(t, int64(13*1000), cp.TotalInputTokens)
	assert.Equal(t, int64(13*200), cp.TotalOutputTokens)
	assert.Positive(t, cp.EstimatedCostUSD)
	for _, m := range []string{testHaiku, testSonnet, testOpus} {
		assert.True(t, cp.CostByModel.Has(m), "cost recorded for %s", m)
	}
	assert.Empty(t, cp.Warnings)

	findings := fx.findings(t, run.ID)
	require.Len(t, findings, 4)
	for _, f := range findings {
		assert.Equal(t, "employment", f.Category)
		assert.Equal(t, RiskID(run.ID, "employment"), f.RiskID)
		assert.Equal(t, model.FindingNew, f.Status)
		require.NotNil(t, f.Exposure)
		assert.Equal(t, 1234.57, f.Exposure.Amount)
		assert.Equal(t, "USD", f.Exposure.Currency)
		assert.Equal(t, 1.0, f.Confidence.Existence)
		assert.Equal(t, model.MaterialityImmaterial, f.Materiality.Classification)
		assert.Equal(t, 1, f.Source.Page)
	}

	risk, err := fx.store.GetRisk(ctx, RiskID(run.ID, "employment"))
	require.NoError(t, err)
	assert.Equal(t, "Employment risk", risk.Detail)

	stored, err := fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, stored.Status)
	require.NotNil(t, stored.SynthesisData)
	sd := stored.SynthesisData
	require.Len(t, sd.FinancialExposures, 1)
	assert.Equal(t, "USD", sd.FinancialExposures[0].Currency)
	assert.InDelta(t, 4938.28, sd.FinancialExposures[0].Total, 0.001)
	assert.Equal(t, 4, sd.FinancialExposures[0].FindingCount)
	assert.Equal(t, "USD 4,938.28", sd.FinancialExposures[0].Formatted)
	assert.Len(t, sd.DealBlockers, 1)
	assert.Empty(t, sd.ConditionsPrecedent)
	assert.Equal(t, "renegotiate", sd.DealAssessment.Recommendation)
	assert.Equal(t, "high", sd.DealAssessment.RiskRating)
	assert.Equal(t, []string{"Obtain bonus waivers before signing"}, sd.Recommendations)
	assert.Contains(t, sd.ExecutiveSummary, "price adjustment")

	versions, err := fx.store.ListReportVersions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].Version)
	assert.True(t, versions[0].IsCurrent)
	assert.Equal(t, InitialChangeSummary, versions[0].ChangeSummary)

	progress, err := fx.store.DocumentProgress(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, 4, progress.Complete)
	assert.Equal(t, 100.0, progress.Percent)

	assert.Equal(t, []notify.EventType{notify.EventRunCompleted}, fx.events.types())
}

func TestRun_ResumeSkipsProcessedDocuments(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	docs := fx.seedCase(t, "case-1", 10)
	run := fx.createRun(t, "case-1")

	cp := model.NewCheckpoint(run.ID)
	cp.Status = model.RunStatusPaused
	cp.AdvancePass(model.PassAnalyze)
	for _, d := range docs {
		cp.Pass1Extractions.Set(d.ID, model.DocumentExtraction{
			DocumentID: d.ID, Title: d.Name, Parties: []string{"Acme Ltd"}, PageCount: 2,
		})
	}
	for _, d := range docs[:3] {
		cp.MarkDocument(d.ID)
	}
	require.NoError(t, fx.store.CreateCheckpoint(ctx, cp))

	res, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)

	assert.Zero(t, fx.ai.count(taskExtract))
	assert.Equal(t, 7, fx.ai.count(taskAnalyze))

	findings := fx.findings(t, run.ID)
	assert.Len(t, findings, 7)
	skipped := map[string]bool{docs[0].ID: true, docs[1].ID: true, docs[2].ID: true}
	for _, f := range findings {
		assert.False(t, skipped[f.Source.DocumentID], "finding for already processed %s", f.Source.DocumentID)
	}
}

func TestRun_CompletedRunIsNoOp(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 2)
	run := fx.createRun(t, "case-1")

	_, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)
	calls := fx.ai.total()
	before := fx.checkpoint(t, run.ID)

	res, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Equal(t, model.RunStatusCompleted, res.Status)
	assert.Equal(t, calls, fx.ai.total())
	assert.Equal(t, before.Version, fx.checkpoint(t, run.ID).Version)
}

func TestRun_FullResetKeepsCostAndFindings(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 3)
	run := fx.createRun(t, "case-1")

	_, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)
	first := fx.checkpoint(t, run.ID)

	fx.ai.setReply(func(ctx context.Context, task, prompt string) (string, error) {
		if task == taskSection+SectionSummary {
			return `{"executive_summary":"Bonus exposure is covered by signed waivers."}`, nil
		}
		return defaultReply(ctx, task, prompt)
	})
	res, err := fx.orch.Run(ctx, run.ID, Options{FullReset: true})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)
	assert.Equal(t, 6, fx.ai.count(taskExtract))

	second := fx.checkpoint(t, run.ID)
	assert.Greater(t, second.EstimatedCostUSD, first.EstimatedCostUSD)
	assert.Greater(t, second.TotalInputTokens, first.TotalInputTokens)

	assert.Len(t, fx.findings(t, run.ID), 3, "re-promoted findings keep their ids")
	versions, err := fx.store.ListReportVersions(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	cur, err := fx.store.GetCurrentReportVersion(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, 2, cur.Version)
	assert.Equal(t, "Bonus exposure is covered by signed waivers.", cur.Content.ExecutiveSummary)
	assert.Contains(t, cur.Changes, report.SectionExecutiveSummary)
	assert.Equal(t, ResynthesisPrefix+"Updated executive summary.", cur.ChangeSummary)

	got, err := fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, got.SynthesisData.ExecutiveSummary, cur.Content.ExecutiveSummary)
}

func TestRun_FullResetWithUnchangedReportKeepsVersion(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 2)
	run := fx.createRun(t, "case-1")

	_, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)
	_, err = fx.orch.Run(ctx, run.ID, Options{FullReset: true})
	require.NoError(t, err)

	versions, err := fx.store.ListReportVersions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, InitialChangeSummary, versions[0].ChangeSummary)
}

func TestRun_FailedRunRequiresReset(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 3)
	run := fx.createRun(t, "case-1")

	fx.ai.setReply(func(ctx context.Context, task, prompt string) (string, error) {
		if task == taskAnalyze && docIDOf(prompt) == "doc-01" {
			return "", errors.New("invalid request: prompt too long")
		}
		return defaultReply(ctx, task, prompt)
	})

	res, err := fx.orch.Run(ctx, run.ID, Options{})
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Equal(t, model.RunStatusFailed, res.Status)

	cp := fx.checkpoint(t, run.ID)
	assert.Equal(t, model.RunStatusFailed, cp.Status)
	assert.Equal(t, model.PassAnalyze, cp.CurrentPass)
	assert.Contains(t, cp.LastError, "prompt too long")
	assert.Equal(t, 1, cp.RetryCount, "non-transient errors are not retried")
	assert.True(t, cp.DocumentDone("doc-00"))
	assert.True(t, cp.DocumentDone("doc-02"), "siblings finish after a unit fails")
	assert.False(t, cp.DocumentDone("doc-01"))

	stored, err := fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, stored.Status)
	assert.Contains(t, fx.events.types(), notify.EventRunFailed)

	calls := fx.ai.total()
	_, err = fx.orch.Run(ctx, run.ID, Options{})
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Equal(t, calls, fx.ai.total(), "a failed run does not resume without reset")

	fx.ai.setReply(defaultReply)
	analyzed := fx.ai.count(taskAnalyze)
	res, err = fx.orch.Run(ctx, run.ID, Options{Reset: true})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)
	assert.Equal(t, analyzed+1, fx.ai.count(taskAnalyze), "only the failed document is retried")
	assert.Zero(t, fx.checkpoint(t, run.ID).RetryCount)
	assert.Len(t, fx.findings(t, run.ID), 3)
}

func TestRun_TransientErrorsAreRetried(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 2)
	run := fx.createRun(t, "case-1")

	var (
		mu       sync.Mutex
		attempts int
	)
	fx.ai.setReply(func(ctx context.Context, task, prompt string) (string, error) {
		if task == taskAnalyze && docIDOf(prompt) == "doc-00" {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n <= 2 {
				return "", resilience.NewTransientError(errors.New("overloaded"), 529)
			}
		}
		return defaultReply(ctx, task, prompt)
	})

	res, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)
	assert.Equal(t, 3, attempts)

	cp := fx.checkpoint(t, run.ID)
	assert.Equal(t, 2, cp.RetryCount)
	assert.Contains(t, cp.LastError, "overloaded")
	assert.Len(t, fx.findings(t, run.ID), 2)
}

func TestRun_RetryExhaustionFailsRun(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.MaxUnitAttempts = 2
	fx := newFixtureWithConfig(t, cfg)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 3)
	run := fx.createRun(t, "case-1")

	fx.ai.setReply(func(ctx context.Context, task, prompt string) (string, error) {
		if task == taskExtract && docIDOf(prompt) == "doc-01" {
			return "", resilience.NewTransientError(errors.New("rate limited"), 429)
		}
		return defaultReply(ctx, task, prompt)
	})

	_, err := fx.orch.Run(ctx, run.ID, Options{})
	require.ErrorIs(t, err, ErrRunFailed)

	cp := fx.checkpoint(t, run.ID)
	assert.Equal(t, model.RunStatusFailed, cp.Status)
	assert.Equal(t, model.PassExtract, cp.CurrentPass)
	assert.Equal(t, 2, cp.RetryCount)
	assert.True(t, cp.Pass1Extractions.Has("doc-00"))
	assert.True(t, cp.Pass1Extractions.Has("doc-02"))
	assert.False(t, cp.Pass1Extractions.Has("doc-01"))

	docs, err := fx.store.ListDocuments(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, model.DocFailed, docs[1].ProcessingStatus)
}

func TestRun_AbandonsPausedRunOverRetryLimit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 1)
	run := fx.createRun(t, "case-1")

	cp := model.NewCheckpoint(run.ID)
	cp.Status = model.RunStatusPaused
	cp.StalledPauses = fx.cfg.Pipeline.MaxRunRetries + 1
	cp.LastError = "doc-00: upstream unavailable"
	require.NoError(t, fx.store.CreateCheckpoint(ctx, cp))

	res, err := fx.orch.Run(ctx, run.ID, Options{})
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Equal(t, model.RunStatusFailed, res.Status)
	assert.Zero(t, fx.ai.total())
	assert.Contains(t, fx.checkpoint(t, run.ID).LastError, "abandoned")
	assert.Equal(t, []notify.EventType{notify.EventRunFailed}, fx.events.types())
}

func TestRun_RecoveredRetriesDoNotAbandonPausedRun(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.MaxRunRetries = 2
	fx := newFixtureWithConfig(t, cfg)
	fx.seedCase(t, "case-1", 3)
	run := fx.createRun(t, "case-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		failed = map[string]bool{}
	)
	fx.ai.setReply(func(ctx context.Context, task, prompt string) (string, error) {
		switch task {
		case taskAnalyze:
			id := docIDOf(prompt)
			mu.Lock()
			first := !failed[id]
			failed[id] = true
			mu.Unlock()
			if first {
				return "", resilience.NewTransientError(errors.New("overloaded"), 529)
			}
		case taskCrossDoc:
			cancel()
			return "", ctx.Err()
		}
		return defaultReply(ctx, task, prompt)
	})

	res, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)
	require.Equal(t, model.RunStatusPaused, res.Status)

	paused := fx.checkpoint(t, run.ID)
	assert.Equal(t, model.PassCrossDoc, paused.CurrentPass)
	assert.Equal(t, 3, paused.RetryCount, "recovered attempts stay on the checkpoint")
	assert.Zero(t, paused.StalledPauses)

	fx.ai.setReply(defaultReply)
	res, err = fx.orch.Run(context.Background(), run.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)
}

func TestRun_StalledPausesAbandonRun(t *testing.T) {
	cfg := testConfig()
	cfg.Pipeline.MaxRunRetries = 1
	cfg.Retry = config.RetryConfig{InitialBackoffMs: 5000, MaxBackoffMs: 5000, Multiplier: 1}
	fx := newFixtureWithConfig(t, cfg)
	fx.seedCase(t, "case-1", 2)
	run := fx.createRun(t, "case-1")

	// doc-00 never analyzes: its first attempt fails and the invocation is
	// cancelled during the backoff.
	invoke := func() (*Result, error) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		fx.ai.setReply(func(ctx context.Context, task, prompt string) (string, error) {
			if task == taskAnalyze && docIDOf(prompt) == "doc-00" {
				time.AfterFunc(20*time.Millisecond, cancel)
				return "", resilience.NewTransientError(errors.New("overloaded"), 529)
			}
			return defaultReply(ctx, task, prompt)
		})
		return fx.orch.Run(ctx, run.ID, Options{})
	}

	for want := 1; want <= 2; want++ {
		res, err := invoke()
		require.NoError(t, err)
		require.Equal(t, model.RunStatusPaused, res.Status)
		assert.Equal(t, want, fx.checkpoint(t, run.ID).StalledPauses)
	}

	res, err := invoke()
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Equal(t, model.RunStatusFailed, res.Status)
	cp := fx.checkpoint(t, run.ID)
	assert.Contains(t, cp.LastError, "abandoned after 2 stalled invocations (max 1)")
	assert.Contains(t, cp.LastError, "doc-00: overloaded")

	fx.ai.setReply(defaultReply)
	res, err = fx.orch.Run(context.Background(), run.ID, Options{Reset: true})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)
	assert.Zero(t, fx.checkpoint(t, run.ID).StalledPauses)
}

func TestRun_PausesAtDeadline(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 2)
	run := fx.createRun(t, "case-1")

	res, err := fx.orch.Run(ctx, run.ID, Options{Deadline: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPaused, res.Status)
	assert.Zero(t, fx.ai.total())

	stored, err := fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPaused, stored.Status)
	assert.Equal(t, []notify.EventType{notify.EventRunPaused}, fx.events.types())

	res, err = fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)
}

func TestRun_CancellationPausesAndCostNeverDecreases(t *testing.T) {
	fx := newFixture(t)
	fx.seedCase(t, "case-1", 5)
	run := fx.createRun(t, "case-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fx.ai.onCall = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	res, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPaused, res.Status)
	assert.Equal(t, 3, fx.ai.total())

	paused := fx.checkpoint(t, run.ID)
	assert.Equal(t, model.RunStatusPaused, paused.Status)
	assert.Equal(t, int64(3*1000), paused.TotalInputTokens)
	assert.Positive(t, paused.EstimatedCostUSD)
	assert.Equal(t, 3, paused.Pass1Extractions.Len())

	fx.ai.onCall = nil
	res, err = fx.orch.Run(context.Background(), run.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)
	assert.Equal(t, 5, fx.ai.count(taskExtract), "extracted documents are not re-sent")

	done := fx.checkpoint(t, run.ID)
	assert.GreaterOrEqual(t, done.EstimatedCostUSD, paused.EstimatedCostUSD)
	assert.GreaterOrEqual(t, done.TotalInputTokens, paused.TotalInputTokens)
	for _, m := range paused.CostByModel.Keys() {
		before, _ := paused.CostByModel.Get(m)
		after, _ := done.CostByModel.Get(m)
		assert.GreaterOrEqual(t, after, before, "cost for %s", m)
	}
}

func TestRun_EmptyDocumentSkipsModel(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 2)
	fx.addDocument(t, "case-1", "doc-blank", "text/plain", "")
	run := fx.createRun(t, "case-1")

	_, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, fx.ai.count(taskExtract))
	assert.Equal(t, 2, fx.ai.count(taskAnalyze))

	cp := fx.checkpoint(t, run.ID)
	ex, ok := cp.Pass1Extractions.Get("doc-blank")
	require.True(t, ok)
	assert.True(t, ex.Empty)
	assert.Equal(t, 3, cp.TotalDocuments)

	progress, err := fx.store.DocumentProgress(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, 3, progress.Complete)
}

func TestRun_UnsupportedDocumentWarns(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 1)
	fx.addDocument(t, "case-1", "doc-scan", "image/tiff", "II*\x00")
	run := fx.createRun(t, "case-1")

	res, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)
	assert.Equal(t, 1, fx.ai.count(taskExtract))

	cp := fx.checkpoint(t, run.ID)
	require.NotEmpty(t, cp.Warnings)
	assert.True(t, hasWarningFor(cp.Warnings, "doc-scan"))

	docs, err := fx.store.ListDocuments(ctx, "case-1")
	require.NoError(t, err)
	status := map[string]model.ProcessingStatus{}
	for _, d := range docs {
		status[d.ID] = d.ProcessingStatus
	}
	assert.Equal(t, model.DocUnsupported, status["doc-scan"])
	assert.Equal(t, model.DocComplete, status["doc-00"])
}

func TestRun_MalformedReplyIsWarning(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 3)
	run := fx.createRun(t, "case-1")

	fx.ai.setReply(func(ctx context.Context, task, prompt string) (string, error) {
		if task == taskAnalyze && docIDOf(prompt) == "doc-01" {
			return "I am unable to review this document.", nil
		}
		return defaultReply(ctx, task, prompt)
	})

	res, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)

	cp := fx.checkpoint(t, run.ID)
	assert.True(t, hasWarningFor(cp.Warnings, "doc-01"))
	assert.Len(t, fx.findings(t, run.ID), 2)
}

func TestRun_SingletonClustersAreAllReviewed(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 3)
	run := fx.createRun(t, "case-1")

	fx.ai.setReply(func(ctx context.Context, task, prompt string) (string, error) {
		if task == taskExtract {
			id := docIDOf(prompt)
			return `{"title":"Letter ` + id + `","parties":["Sole party ` + id + `"]}`, nil
		}
		return defaultReply(ctx, task, prompt)
	})

	_, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, fx.ai.count(taskCrossDoc))
	assert.Equal(t, 3, fx.checkpoint(t, run.ID).ClustersProcessed.Len())
}

func TestRun_CrossDocumentFindingsAndLinks(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 2)
	run := fx.createRun(t, "case-1")

	linked := FindingID(run.ID, model.PassAnalyze, "doc-00", 0)
	fx.ai.setReply(func(ctx context.Context, task, prompt string) (string, error) {
		if task == taskCrossDoc {
			return `{"findings":[{"category":"change of control","detail":"Consent needed under both agreements",
				"exposure":{"amount":250000,"currency":"GBP"},"documents":["doc-01","doc-00","doc-99"]}],
				"links":[{"finding_id":"` + linked + `","documents":["doc-01"]},{"finding_id":"missing","documents":["doc-00"]}]}`, nil
		}
		return defaultReply(ctx, task, prompt)
	})

	_, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)

	var cross *model.Finding
	findings := fx.findings(t, run.ID)
	for i := range findings {
		if findings[i].Pass == model.PassCrossDoc {
			cross = &findings[i]
		}
	}
	require.NotNil(t, cross)
	assert.Equal(t, "change_of_control", cross.Category)
	assert.Equal(t, "doc-00", cross.Source.DocumentID)
	assert.Equal(t, []string{"doc-00", "doc-01"}, cross.CrossDocSource)
	assert.Equal(t, "GBP", cross.Exposure.Currency)
	assert.Equal(t, model.MaterialityMaterial, cross.Materiality.Classification)

	f, err := fx.store.GetFinding(ctx, linked)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-01"}, f.CrossDocSource)

	cp := fx.checkpoint(t, run.ID)
	assert.True(t, hasWarningContaining(cp.Warnings, `unknown finding "missing"`))

	stored, err := fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stored.SynthesisData.FinancialExposures, 2)
	assert.Equal(t, "GBP", stored.SynthesisData.FinancialExposures[0].Currency)
	assert.Equal(t, "GBP 250,000.00", stored.SynthesisData.FinancialExposures[0].Formatted)
	assert.Equal(t, "USD", stored.SynthesisData.FinancialExposures[1].Currency)
}

func TestRun_BusyCase(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 1)
	other := fx.createRun(t, "case-1")
	run := fx.createRun(t, "case-1")
	require.NoError(t, fx.store.ClaimRun(ctx, other.ID))

	_, err := fx.orch.Run(ctx, run.ID, Options{})
	require.ErrorIs(t, err, ErrRunBusy)
	assert.Zero(t, fx.ai.total())
}

func TestRun_UnknownRun(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.orch.Run(context.Background(), "nope", Options{})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_MergesConcurrentCheckpointWrite(t *testing.T) {
	fx := newFixture(t)
	fx.seedCase(t, "case-1", 2)
	run := fx.createRun(t, "case-1")

	const note = "reviewer: data room refreshed"
	fx.ai.onCall = func(n int) {
		if n != 1 {
			return
		}
		ctx := context.Background()
		cp, err := fx.store.LoadCheckpoint(ctx, run.ID)
		if err != nil || cp == nil {
			return
		}
		cp.AddWarning(note)
		_ = fx.store.SaveCheckpoint(ctx, cp)
	}

	res, err := fx.orch.Run(context.Background(), run.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)

	cp := fx.checkpoint(t, run.ID)
	assert.Contains(t, cp.Warnings, note)
	assert.Equal(t, 2, cp.Pass1Extractions.Len())
	assert.Equal(t, 2, fx.ai.count(taskExtract))
}

func TestRun_ConcurrentSpendIsAdded(t *testing.T) {
	fx := newFixture(t)
	fx.seedCase(t, "case-1", 2)
	run := fx.createRun(t, "case-1")

	const other = "claude-other"
	fx.ai.onCall = func(n int) {
		if n != 1 {
			return
		}
		ctx := context.Background()
		cp, err := fx.store.LoadCheckpoint(ctx, run.ID)
		if err != nil || cp == nil {
			return
		}
		cp.AddUsage(other, 5000, 500, 3.0)
		_ = fx.store.SaveCheckpoint(ctx, cp)
	}

	res, err := fx.orch.Run(context.Background(), run.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)

	cp := fx.checkpoint(t, run.ID)
	assert.Equal(t, int64(5000+fx.ai.total()*1000), cp.TotalInputTokens)
	otherCost, _ := cp.CostByModel.Get(other)
	assert.InDelta(t, 3.0, otherCost, 1e-9)
	sum := 0.0
	for _, m := range cp.CostByModel.Keys() {
		v, _ := cp.CostByModel.Get(m)
		sum += v
	}
	assert.Greater(t, sum, 3.0)
	assert.InDelta(t, sum, cp.EstimatedCostUSD, 1e-9)
}

func TestRun_UndecodableSectionIsWarning(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.seedCase(t, "case-1", 1)
	run := fx.createRun(t, "case-1")

	cp := model.NewCheckpoint(run.ID)
	cp.AdvancePass(model.PassSynthesis)
	cp.Pass4Sections.Set(SectionClassification, []byte(`{"classifications":[]}`))
	cp.Pass4Sections.Set(SectionAssessment, []byte(`"renegotiate"`))
	cp.Pass4Sections.Set(SectionRecommendations, []byte(`{"recommendations":["Escrow the bonus pool"]}`))
	cp.Pass4Sections.Set(SectionSummary, []byte(`{"executive_summary":"Bonus exposure only."}`))
	require.NoError(t, fx.store.CreateCheckpoint(ctx, cp))

	res, err := fx.orch.Run(ctx, run.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, res.Status)
	assert.Zero(t, fx.ai.total())

	done := fx.checkpoint(t, run.ID)
	assert.True(t, hasWarningFor(done.Warnings, SectionAssessment), "warnings: %v", done.Warnings)
	assert.True(t, hasWarningContaining(done.Warnings, "cannot unmarshal"))

	got, err := fx.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SynthesisData)
	assert.Empty(t, got.SynthesisData.DealAssessment.Recommendation)
	assert.Equal(t, []string{"Escrow the bonus pool"}, got.SynthesisData.Recommendations)
	assert.Equal(t, "Bonus exposure only.", got.SynthesisData.ExecutiveSummary)
}

func hasWarningFor(warnings []string, unit string) bool {
	for _, w := range warnings {
		if strings.HasPrefix(w, unit+":") {
			return true
		}
	}
	return false
}

func hasWarningContaining(warnings []string, s string) bool {
	for _, w := range warnings {
		if strings.Contains(w, s) {
			return true
		}
	}
	return false
}
