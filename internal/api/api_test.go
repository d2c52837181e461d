package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/pipeline"
	"github.com/sells-group/diligence-cli/internal/report"
	"github.com/sells-group/diligence-cli/internal/review"
	"github.com/sells-group/diligence-cli/internal/store"
)

const testToken = "test-token-12345"

type stubRunner struct {
	mu    sync.Mutex
	calls []pipeline.Options
	ids   []string
	// release, when set, holds every Run until it is closed.
	release chan struct{}
}

func (s *stubRunner) Run(_ context.Context, runID string, opts pipeline.Options) (*pipeline.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, opts)
	s.ids = append(s.ids, runID)
	release := s.release
	s.mu.Unlock()
	if release != nil {
		<-release
	}
	return &pipeline.Result{RunID: runID, Status: model.RunStatusCompleted, Pass: model.PassSynthesis}, nil
}

type stubRegenerator struct{}

func (stubRegenerator) Regenerate(_ context.Context, prior model.SynthesisData, _ []model.Finding, prompt string) (*model.SynthesisData, error) {
	next := prior
	next.ExecutiveSummary = prompt
	return &next, nil
}

type testEnv struct {
	srv    *Server
	h      http.Handler
	store  store.Store
	runner *stubRunner
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	runner := &stubRunner{}
	srv := NewServer(context.Background(), Deps{
		Store:   st,
		Runner:  runner,
		Review:  review.New(st, nil),
		Reports: report.NewManager(st, stubRegenerator{}),
		Token:   testToken,
	})
	return &testEnv{srv: srv, h: srv.Handler(), store: st, runner: runner}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seedFindings creates a run with a synthesis, one risk and two findings.
func (e *testEnv) seedFindings(t *testing.T) *model.AnalysisRun {
	t.Helper()
	ctx := context.Background()
	run, err := e.store.CreateRun(ctx, "case-1", "Project Falcon", model.TierBalanced)
	require.NoError(t, err)
	riskID := run.ID + "-employment"
	require.NoError(t, e.store.UpsertRisk(ctx, &model.Risk{ID: riskID, RunID: run.ID, Category: "Employment", Detail: "Bonus scheme"}))
	_, err = e.store.InsertFindings(ctx, []model.Finding{
		{ID: run.ID + "-f-1", RunID: run.ID, RiskID: riskID, Pass: 2, Category: "Employment", Detail: "Unfunded bonus", Status: model.FindingNew, DealImpact: model.ImpactPriceChip,
			Exposure: &model.FinancialExposure{Amount: 1000, Currency: "USD"}},
		{ID: run.ID + "-f-2", RunID: run.ID, RiskID: riskID, Pass: 2, Category: "Employment", Detail: "Missing contract", Status: model.FindingRed, DealImpact: model.ImpactNoted},
	})
	require.NoError(t, err)
	require.NoError(t, e.store.SetSynthesis(ctx, run.ID, &model.SynthesisData{
		ExecutiveSummary: "Proceed.",
		DealAssessment:   model.DealAssessment{Recommendation: "proceed", RiskRating: "low"},
	}))
	return run
}

func TestHealth_NoAuth(t *testing.T) {
	e := setup(t)
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestBearerAuth(t *testing.T) {
	e := setup(t)

	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/runs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/runs", "").Code)
}

func TestBearerAuth_EmptyTokenDisables(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRuns_CreateGetListDelete(t *testing.T) {
	e := setup(t)

	rec := e.do(t, http.MethodPost, "/runs", `{"case_id":"case-9","name":"Falcon","tier":"high_accuracy"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decodeBody[model.AnalysisRun](t, rec)
	assert.Equal(t, "case-9", run.CaseID)
	assert.Equal(t, model.TierHighAccuracy, run.ModelTier)
	assert.Equal(t, model.RunStatusPending, run.Status)

	rec = e.do(t, http.MethodGet, "/runs/"+run.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[map[string]json.RawMessage](t, rec)
	assert.Contains(t, string(got["run"]), run.ID)
	assert.Equal(t, "null", string(got["checkpoint"]))

	rec = e.do(t, http.MethodGet, "/runs?case_id=case-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]model.AnalysisRun](t, rec), 1)

	rec = e.do(t, http.MethodDelete, "/runs/"+run.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/runs/"+run.ID, "").Code)
}

func TestRuns_Validation(t *testing.T) {
	e := setup(t)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/runs", `{"name":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/runs", `{not json`).Code)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/runs?limit=abc", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/runs/missing", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodDelete, "/runs/missing", "").Code)
}

func TestDeleteRun_ProcessingConflict(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	run, err := e.store.CreateRun(ctx, "case-1", "x", model.TierBalanced)
	require.NoError(t, err)
	require.NoError(t, e.store.UpdateRunStatus(ctx, run.ID, model.RunStatusProcessing))

	rec := e.do(t, http.MethodDelete, "/runs/"+run.ID, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestExecute(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	run, err := e.store.CreateRun(ctx, "case-1", "x", model.TierBalanced)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/runs/"+run.ID+"/execute", `{"budget_secs":600}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"accepted","run_id":"`+run.ID+`"}`, rec.Body.String())
	e.srv.Wait()

	rec = e.do(t, http.MethodPost, "/runs/"+run.ID+"/execute", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	e.srv.Wait()
	require.Len(t, e.runner.calls, 2)
	assert.False(t, e.runner.calls[0].Deadline.IsZero())
	assert.True(t, e.runner.calls[1].Deadline.IsZero())
	assert.Equal(t, []string{run.ID, run.ID}, e.runner.ids)
}

func TestExecute_Conflicts(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/runs/missing/execute", "").Code)

	failed, err := e.store.CreateRun(ctx, "case-1", "x", model.TierBalanced)
	require.NoError(t, err)
	require.NoError(t, e.store.UpdateRunStatus(ctx, failed.ID, model.RunStatusFailed))
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, "/runs/"+failed.ID+"/execute", "").Code)

	rec := e.do(t, http.MethodPost, "/runs/"+failed.ID+"/execute", `{"reset":true}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	e.srv.Wait()
	require.Len(t, e.runner.calls, 1)
	assert.True(t, e.runner.calls[0].Reset)
}

func TestExecute_InFlightConflict(t *testing.T) {
	e := setup(t)
	run, err := e.store.CreateRun(context.Background(), "case-1", "x", model.TierBalanced)
	require.NoError(t, err)

	e.runner.release = make(chan struct{})
	path := "/runs/" + run.ID + "/execute"
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, path, "").Code)
	assert.Equal(t, http.StatusConflict, e.do(t, http.MethodPost, path, "").Code)

	close(e.runner.release)
	e.srv.Wait()
	assert.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, path, "").Code)
	e.srv.Wait()
	assert.Len(t, e.runner.calls, 2)
}

func TestExecute_ResumesStaleProcessingRun(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	run, err := e.store.CreateRun(ctx, "case-1", "x", model.TierBalanced)
	require.NoError(t, err)
	// Left behind by a process that died mid-run.
	require.NoError(t, e.store.UpdateRunStatus(ctx, run.ID, model.RunStatusProcessing))

	rec := e.do(t, http.MethodPost, "/runs/"+run.ID+"/execute", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	e.srv.Wait()
	assert.Equal(t, []string{run.ID}, e.runner.ids)
}

func TestProgress(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	for i, status := range []model.ProcessingStatus{model.DocComplete, model.DocUnsupported, model.DocPending} {
		doc := &model.Document{ID: "doc-" + string(rune('a'+i)), CaseID: "case-1", Name: "n", MimeType: "text/plain", BlobKey: "k"}
		require.NoError(t, e.store.AddDocument(ctx, doc))
		if status != model.DocPending {
			require.NoError(t, e.store.SetDocumentStatus(ctx, doc.ID, status, 1))
		}
	}

	rec := e.do(t, http.MethodGet, "/cases/case-1/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	p := decodeBody[model.Progress](t, rec)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 1, p.Complete)
	assert.Equal(t, 1, p.Unsupported)
	assert.InDelta(t, 33.3, p.Percent, 0.001)
}

func TestFindings_ListAndFilter(t *testing.T) {
	e := setup(t)
	run := e.seedFindings(t)

	rec := e.do(t, http.MethodGet, "/runs/"+run.ID+"/findings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]model.Finding](t, rec), 2)

	rec = e.do(t, http.MethodGet, "/runs/"+run.ID+"/findings?status=red", "")
	require.Equal(t, http.StatusOK, rec.Code)
	red := decodeBody[[]model.Finding](t, rec)
	require.Len(t, red, 1)
	assert.Equal(t, run.ID+"-f-2", red[0].ID)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/runs/"+run.ID+"/findings?status=purple", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/runs/missing/findings", "").Code)
}

func TestFindings_Export(t *testing.T) {
	e := setup(t)
	run := e.seedFindings(t)

	rec := e.do(t, http.MethodGet, "/runs/"+run.ID+"/findings.xlsx", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "spreadsheetml")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), run.ID+"-findings.xlsx")

	f, err := xlsx.OpenBinary(rec.Body.Bytes())
	require.NoError(t, err)
	require.Len(t, f.Sheets, 1)
	assert.Len(t, f.Sheets[0].Rows, 3)
}

func TestFindingStatus(t *testing.T) {
	e := setup(t)
	run := e.seedFindings(t)
	id := run.ID + "-f-1"

	rec := e.do(t, http.MethodPatch, "/findings/"+id+"/status", `{"status":"Amber"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	f := decodeBody[model.Finding](t, rec)
	assert.Equal(t, model.FindingAmber, f.Status)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPatch, "/findings/"+id+"/status", `{"status":"Green"}`).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPatch, "/findings/missing/status", `{"status":"Red"}`).Code)
}

func TestRiskDetail(t *testing.T) {
	e := setup(t)
	run := e.seedFindings(t)
	riskID := run.ID + "-employment"

	rec := e.do(t, http.MethodPatch, "/risks/"+riskID+"/detail", `{"detail":"Bonus scheme is discretionary"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decodeBody[review.EditResult](t, rec)
	assert.Equal(t, "Bonus scheme is discretionary", res.Risk.Detail)
	assert.Equal(t, []string{run.ID + "-f-1", run.ID + "-f-2"}, res.Invalidated)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPatch, "/risks/"+riskID+"/detail", `{"detail":"  "}`).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPatch, "/risks/missing/detail", `{"detail":"x"}`).Code)
}

func TestVersions(t *testing.T) {
	e := setup(t)
	run := e.seedFindings(t)
	base := "/runs/" + run.ID + "/versions"

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, base+"/current", "").Code)

	rec := e.do(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = e.do(t, http.MethodPost, base, `{"prompt":"Be more conservative"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	v := decodeBody[model.ReportVersion](t, rec)
	assert.Equal(t, 1, v.Version)
	assert.Equal(t, "Be more conservative", v.Content.ExecutiveSummary)

	rec = e.do(t, http.MethodGet, base+"/current", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[model.ReportVersion](t, rec).Version)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, base, `{"prompt":""}`).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/runs/missing/versions", "").Code)
}

func TestVersions_NoSynthesis(t *testing.T) {
	e := setup(t)
	run, err := e.store.CreateRun(context.Background(), "case-1", "x", model.TierBalanced)
	require.NoError(t, err)
	rec := e.do(t, http.MethodPost, "/runs/"+run.ID+"/versions", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCORS_Preflight(t *testing.T) {
	e := setup(t)
	req := httptest.NewRequest(http.MethodOptions, "/runs", bytes.NewReader(nil))
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
