// Package report manages the versions of a run's deal report: refinement
// against a user prompt, the structured diff between versions and the
// current-version lookup.
package report

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/store"
)

var (
	// ErrNoSynthesis is returned when refining a run that has no report yet.
	ErrNoSynthesis = errors.New("report: run has no synthesis")
	// ErrEmptyPrompt is returned when a refinement prompt is blank.
	ErrEmptyPrompt = errors.New("report: refinement prompt is empty")
)

// Regenerator produces revised report content from the prior content, the
// run's current findings and a refinement prompt.
type Regenerator interface {
	Regenerate(ctx context.Context, prior model.SynthesisData, findings []model.Finding, prompt string) (*model.SynthesisData, error)
}

// Manager creates and reads report versions.
type Manager struct {
	store store.Store
	regen Regenerator
}

// NewManager creates a Manager. regen may be nil for read-only use.
func NewManager(st store.Store, regen Regenerator) *Manager {
	return &Manager{store: st, regen: regen}
}

// CreateVersion regenerates the run's report for prompt and stores the
// result as the new current version, diffed against the prior one.
func (m *Manager) CreateVersion(ctx context.Context, runID, prompt string) (*model.ReportVersion, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if m.regen == nil {
		return nil, eris.New("report: no regenerator configured")
	}

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "report: load run")
	}
	prior, err := m.priorContent(ctx, run)
	if err != nil {
		return nil, err
	}

	findings, err := m.store.ListFindings(ctx, store.FindingFilter{RunID: runID})
	if err != nil {
		return nil, eris.Wrap(err, "report: list findings")
	}
	active := findings[:0]
	for _, f := range findings {
		if f.Status != model.FindingDeleted {
			active = append(active, f)
		}
	}

	next, err := m.regen.Regenerate(ctx, *prior, active, prompt)
	if err != nil {
		return nil, eris.Wrap(err, "report: regenerate")
	}

	changes := Diff(*prior, *next)
	v := &model.ReportVersion{
		RunID:            runID,
		Content:          *next,
		RefinementPrompt: prompt,
		Changes:          changes,
		ChangeSummary:    Summarize(changes),
	}
	if err := m.store.CreateReportVersion(ctx, v); err != nil {
		return nil, eris.Wrap(err, "report: create version")
	}

	zap.L().Info("report: version created",
		zap.String("run_id", runID),
		zap.Int("version", v.Version),
		zap.Int("changed_sections", len(changes)),
	)
	return v, nil
}

// priorContent is the current version's content, or the run's synthesis
// when no version exists yet.
func (m *Manager) priorContent(ctx context.Context, run *model.AnalysisRun) (*model.SynthesisData, error) {
	cur, err := m.store.GetCurrentReportVersion(ctx, run.ID)
	if err != nil {
		return nil, eris.Wrap(err, "report: load current version")
	}
	if cur != nil {
		return &cur.Content, nil
	}
	if run.SynthesisData == nil {
		return nil, eris.Wrapf(ErrNoSynthesis, "report: run %s", run.ID)
	}
	return run.SynthesisData, nil
}

// List returns a run's versions, newest first.
func (m *Manager) List(ctx context.Context, runID string) ([]model.ReportVersion, error) {
	if _, err := m.store.GetRun(ctx, runID); err != nil {
		return nil, eris.Wrap(err, "report: load run")
	}
	versions, err := m.store.ListReportVersions(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "report: list versions")
	}
	if versions == nil {
		versions = []model.ReportVersion{}
	}
	return versions, nil
}

// Current returns the current version, or store.ErrNotFound when the run
// has none.
func (m *Manager) Current(ctx context.Context, runID string) (*model.ReportVersion, error) {
	v, err := m.store.GetCurrentReportVersion(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "report: load current version")
	}
	if v == nil {
		return nil, eris.Wrapf(store.ErrNotFound, "report: run %s has no current version", runID)
	}
	return v, nil
}
