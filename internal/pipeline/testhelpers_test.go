package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/diligence-cli/internal/blob"
	"github.com/sells-group/diligence-cli/internal/config"
	"github.com/sells-group/diligence-cli/internal/docparse"
	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/store"
)

const (
	testHaiku  = "claude-haiku-4-5-20251001"
	testSonnet = "claude-sonnet-4-5-20250929"
	testOpus   = "claude-opus-4-6"
)

type fixture struct {
	cfg    *config.Config
	store  store.Store
	blobs  *blob.Local
	ai     *fakeAI
	events *recorder
	orch   *Orchestrator
}

func testConfig() *config.Config {
	return &config.Config{
		Anthropic: config.AnthropicConfig{
			HaikuModel:  testHaiku,
			SonnetModel: testSonnet,
			OpusModel:   testOpus,
			MaxTokens:   1024,
		},
		Pipeline: config.PipelineConfig{
			MaxUnitAttempts:      3,
			MaxRunRetries:        10,
			Concurrency:          1,
			MaterialityThreshold: 100000,
			Currency:             "USD",
			RelatedContextDocs:   3,
			MaxDocumentChars:     10000,
		},
		Retry:   config.RetryConfig{InitialBackoffMs: 1, MaxBackoffMs: 2, Multiplier: 1},
		Circuit: config.CircuitConfig{FailureThreshold: 1000, ResetTimeoutSecs: 1},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, testConfig())
}

func newFixtureWithConfig(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)

	fx := &fixture{
		cfg:    cfg,
		store:  st,
		blobs:  blobs,
		ai:     newFakeAI(),
		events: &recorder{},
	}
	fx.orch = New(cfg, st, blobs, docparse.NewRegistry(), fx.ai, fx.events)
	return fx
}

// addDocument stores content under a blob key and registers the document.
func (fx *fixture) addDocument(t *testing.T, caseID, id, mimeType, content string) model.Document {
	t.Helper()
	ctx := context.Background()
	key := caseID + "/" + id
	require.NoError(t, fx.blobs.Put(ctx, key, []byte(content)))
	doc := &model.Document{
		ID:       id,
		CaseID:   caseID,
		Name:     id + ".txt",
		MimeType: mimeType,
		BlobKey:  key,
	}
	require.NoError(t, fx.store.AddDocument(ctx, doc))
	return *doc
}

// seedCase adds n plain-text documents named doc-00, doc-01, ...
func (fx *fixture) seedCase(t *testing.T, caseID string, n int) []model.Document {
	t.Helper()
	docs := make([]model.Document, n)
	for i := range n {
		id := fmt.Sprintf("doc-%02d", i)
		docs[i] = fx.addDocument(t, caseID, id, "text/plain",
			fmt.Sprintf("Agreement %d between Acme Ltd and a counterparty.\fSchedule %d.", i, i))
	}
	return docs
}

func (fx *fixture) createRun(t *testing.T, caseID string) *model.AnalysisRun {
	t.Helper()
	run, err := fx.store.CreateRun(context.Background(), caseID, "Project Falcon", model.TierBalanced)
	require.NoError(t, err)
	return run
}

func (fx *fixture) checkpoint(t *testing.T, runID string) *model.Checkpoint {
	t.Helper()
	cp, err := fx.store.LoadCheckpoint(context.Background(), runID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	return cp
}

func (fx *fixture) findings(t *testing.T, runID string) []model.Finding {
	t.Helper()
	out, err := fx.store.ListFindings(context.Background(), store.FindingFilter{RunID: runID})
	require.NoError(t, err)
	return out
}
