// Package api exposes runs, findings, risks and report versions over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/diligence-cli/internal/pipeline"
	"github.com/sells-group/diligence-cli/internal/report"
	"github.com/sells-group/diligence-cli/internal/review"
	"github.com/sells-group/diligence-cli/internal/store"
)

const maxBodySize = 1 << 20

// Runner executes or resumes a run.
type Runner interface {
	Run(ctx context.Context, runID string, opts pipeline.Options) (*pipeline.Result, error)
}

// Deps holds the services behind the API.
type Deps struct {
	Store          store.Store
	Runner         Runner
	Review         *review.Service
	Reports        *report.Manager
	Token          string
	AllowedOrigins []string
}

// Server serves the API. Pipeline executions started through it run in the
// background under the server's base context.
type Server struct {
	deps Deps
	base context.Context
	wg   sync.WaitGroup

	mu        sync.Mutex
	executing map[string]struct{}
}

// NewServer creates a Server. base bounds background executions; canceling
// it pauses them at the next unit boundary.
func NewServer(base context.Context, deps Deps) *Server {
	return &Server{deps: deps, base: base, executing: map[string]struct{}{}}
}

// startExecution marks runID as executing in this process. It reports false
// when an execution of runID is already in flight.
func (s *Server) startExecution(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executing[runID]; ok {
		return false
	}
	s.executing[runID] = struct{}{}
	return true
}

func (s *Server) finishExecution(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.executing, runID)
}

// Wait blocks until background executions have returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	origins := s.deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(s.deps.Token))

		r.Get("/cases/{caseID}/progress", s.handleProgress)

		r.Post("/runs", s.handleCreateRun)
		r.Get("/runs", s.handleListRuns)
		r.Route("/runs/{runID}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Delete("/", s.handleDeleteRun)
			r.Post("/execute", s.handleExecute)
			r.Get("/findings", s.handleListFindings)
			r.Get("/findings.xlsx", s.handleExportFindings)
			r.Get("/versions", s.handleListVersions)
			r.Get("/versions/current", s.handleCurrentVersion)
			r.Post("/versions", s.handleCreateVersion)
		})

		r.Patch("/findings/{findingID}/status", s.handleFindingStatus)
		r.Patch("/risks/{riskID}/detail", s.handleRiskDetail)
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	writeJSON(w, code, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, pipeline.ErrRunBusy),
		errors.Is(err, pipeline.ErrRunFailed),
		errors.Is(err, report.ErrNoSynthesis):
		code = http.StatusConflict
	case errors.Is(err, review.ErrInvalidStatus),
		errors.Is(err, review.ErrEmptyDetail),
		errors.Is(err, report.ErrEmptyPrompt):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	httpError(w, code, "%s", err.Error())
}
