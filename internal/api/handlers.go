package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/diligence-cli/internal/export"
	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/pipeline"
	"github.com/sells-group/diligence-cli/internal/review"
	"github.com/sells-group/diligence-cli/internal/store"
)

type createRunRequest struct {
	CaseID string `json:"case_id"`
	Name   string `json:"name"`
	Tier   string `json:"tier"`
}

type executeRequest struct {
	Reset      bool `json:"reset"`
	FullReset  bool `json:"full_reset"`
	BudgetSecs int  `json:"budget_secs"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type detailRequest struct {
	Detail string `json:"detail"`
}

type refineRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.DocumentProgress(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !decode(w, r, &req) {
		return
	}
	req.CaseID = strings.TrimSpace(req.CaseID)
	if req.CaseID == "" {
		httpError(w, http.StatusBadRequest, "case_id is required")
		return
	}
	run, err := s.deps.Store.CreateRun(r.Context(), req.CaseID, req.Name, model.ParseModelTier(req.Tier))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		CaseID: q.Get("case_id"),
		Status: model.RunStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpError(w, http.StatusBadRequest, "invalid limit %q", v)
			return
		}
		filter.Limit = n
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.AnalysisRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "runID")
	run, err := s.deps.Store.GetRun(ctx, runID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	cp, err := s.deps.Store.LoadCheckpoint(ctx, runID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":        run,
		"checkpoint": cp,
	})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteRun(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var req executeRequest
	if r.ContentLength != 0 {
		if !decode(w, r, &req) {
			return
		}
	}

	run, err := s.deps.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if run.Status == model.RunStatusFailed && !req.Reset && !req.FullReset {
		httpError(w, http.StatusConflict, "run %s failed; execute with reset or full_reset", runID)
		return
	}
	// A stored processing status may be left over from a crashed process;
	// only an execution in flight here blocks another one.
	if !s.startExecution(runID) {
		httpError(w, http.StatusConflict, "run %s is already executing", runID)
		return
	}

	opts := pipeline.Options{Reset: req.Reset, FullReset: req.FullReset}
	if req.BudgetSecs > 0 {
		opts.Deadline = time.Now().Add(time.Duration(req.BudgetSecs) * time.Second)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finishExecution(runID)
		log := zap.L().With(zap.String("run_id", runID))
		res, err := s.deps.Runner.Run(s.base, runID, opts)
		if err != nil {
			log.Error("api: background execution failed", zap.Error(err))
			return
		}
		log.Info("api: background execution finished",
			zap.String("status", string(res.Status)),
			zap.Int("pass", res.Pass),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
		"run_id": runID,
	})
}

func (s *Server) findings(w http.ResponseWriter, r *http.Request) ([]model.Finding, bool) {
	ctx := r.Context()
	runID := chi.URLParam(r, "runID")
	if _, err := s.deps.Store.GetRun(ctx, runID); err != nil {
		writeError(w, r, err)
		return nil, false
	}
	filter := store.FindingFilter{
		RunID:  runID,
		RiskID: r.URL.Query().Get("risk_id"),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status, err := review.ParseStatus(v)
		if err != nil {
			writeError(w, r, err)
			return nil, false
		}
		filter.Status = status
	}
	findings, err := s.deps.Store.ListFindings(ctx, filter)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if findings == nil {
		findings = []model.Finding{}
	}
	return findings, true
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	findings, ok := s.findings(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, findings)
}

func (s *Server) handleExportFindings(w http.ResponseWriter, r *http.Request) {
	findings, ok := s.findings(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := export.WriteFindings(&buf, findings); err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", chi.URLParam(r, "runID")+"-findings.xlsx"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleFindingStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	status, err := review.ParseStatus(req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := s.deps.Review.ChangeStatus(r.Context(), chi.URLParam(r, "findingID"), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleRiskDetail(w http.ResponseWriter, r *http.Request) {
	var req detailRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.deps.Review.EditRiskDetail(r.Context(), chi.URLParam(r, "riskID"), req.Detail)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.deps.Reports.List(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleCurrentVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Reports.Current(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req refineRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := s.deps.Reports.CreateVersion(r.Context(), chi.URLParam(r, "runID"), req.Prompt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}
