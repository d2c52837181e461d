// Package pipeline runs the four-pass due-diligence analysis of a run and
// keeps its checkpoint current so any invocation can resume where the last
// one stopped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence-cli/internal/blob"
	"github.com/sells-group/diligence-cli/internal/config"
	"github.com/sells-group/diligence-cli/internal/cost"
	"github.com/sells-group/diligence-cli/internal/docparse"
	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/notify"
	"github.com/sells-group/diligence-cli/internal/resilience"
	"github.com/sells-group/diligence-cli/internal/store"
	"github.com/sells-group/diligence-cli/internal/tier"
	"github.com/sells-group/diligence-cli/pkg/anthropic"
)

var (
	// ErrRunFailed is returned for a failed run until it is reset.
	ErrRunFailed = errors.New("pipeline: run failed")
	// ErrRunBusy is returned when another run of the same case is processing.
	ErrRunBusy = errors.New("pipeline: case has a run in progress")

	errPaused = errors.New("pipeline: paused")
)

// maxSaveAttempts bounds merge-and-retry on a stale checkpoint.
const maxSaveAttempts = 5

// Options controls a single invocation of Run.
type Options struct {
	// Reset clears a failure (status, retry count, last error) and resumes
	// from the current pass.
	Reset bool
	// FullReset additionally discards all pass progress. Cost counters are kept.
	FullReset bool
	// Deadline is the wall-clock limit of this invocation. The run pauses
	// before starting a unit it could not finish in time. Zero falls back to
	// pipeline.time_budget_secs, and no limit when that is unset.
	Deadline time.Time
}

// Result describes the state a run was left in.
type Result struct {
	RunID      string            `json:"run_id" yaml:"run_id"`
	Status     model.RunStatus   `json:"status" yaml:"status"`
	Pass       int               `json:"pass" yaml:"pass"`
	NoOp       bool              `json:"no_op" yaml:"no_op"`
	Checkpoint *model.Checkpoint `json:"checkpoint" yaml:"-"`
}

// Orchestrator drives runs through the four passes. It is the only writer
// of run status and checkpoints.
type Orchestrator struct {
	cfg       *config.Config
	store     store.Store
	blobs     blob.Store
	extractor docparse.Extractor
	ai        anthropic.Client
	selector  *tier.Selector
	costCalc  *cost.Calculator
	breakers  *resilience.Breakers
	notifier  notify.Dispatcher
	now       func() time.Time
}

// New creates an Orchestrator with all dependencies.
func New(
	cfg *config.Config,
	st store.Store,
	blobs blob.Store,
	extractor docparse.Extractor,
	aiClient anthropic.Client,
	notifier notify.Dispatcher,
) *Orchestrator {
	if notifier == nil {
		notifier = notify.Log{}
	}
	cbCfg := resilience.FromCircuitConfig(cfg.Circuit)
	cbCfg.OnStateChange = func(modelID string, from, to resilience.CircuitState) {
		zap.L().Warn("pipeline: model circuit state change",
			zap.String("model", modelID),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		blobs:     blobs,
		extractor: extractor,
		ai:        aiClient,
		selector:  tier.NewSelector(cfg.Anthropic),
		costCalc:  cost.FromConfig(cfg.Pricing),
		breakers:  resilience.NewBreakers(cbCfg),
		notifier:  notifier,
		now:       time.Now,
	}
}

// runState is the in-memory state of one invocation. mu guards cp and
// failing; every checkpoint write happens while holding it.
type runState struct {
	mu       sync.Mutex
	run      *model.AnalysisRun
	cp       *model.Checkpoint
	docs     []model.Document
	deadline time.Time
	reserve  time.Duration
	log      *zap.Logger
	// failing holds units whose last model call attempt failed.
	failing map[string]struct{}
}

func (st *runState) outOfTime(now time.Time) bool {
	return !st.deadline.IsZero() && !now.Add(st.reserve).Before(st.deadline)
}

func (st *runState) snapshot() *model.Checkpoint {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *st.cp
	return &cp
}

// Run executes or resumes the pipeline for runID. It is safe to call
// repeatedly: a completed run is a no-op, a paused or interrupted run
// continues from its checkpoint, and a failed run requires opts.Reset or
// opts.FullReset.
func (o *Orchestrator) Run(ctx context.Context, runID string, opts Options) (*Result, error) {
	log := zap.L().With(zap.String("run_id", runID))

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load run")
	}
	cp, err := o.loadOrCreateCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}

	st := &runState{run: run, cp: cp, log: log, failing: map[string]struct{}{}}

	switch {
	case cp.Status == model.RunStatusCompleted && !opts.FullReset:
		log.Info("pipeline: run already completed")
		return o.result(st, true), nil
	case cp.Status == model.RunStatusFailed && !opts.Reset && !opts.FullReset:
		return o.result(st, true), eris.Wrapf(ErrRunFailed, "pipeline: run %s: %s", runID, cp.LastError)
	case cp.Status == model.RunStatusPaused && !opts.Reset && !opts.FullReset &&
		o.cfg.Pipeline.MaxRunRetries > 0 && cp.StalledPauses > o.cfg.Pipeline.MaxRunRetries:
		return o.abandon(ctx, st)
	}

	if err := o.store.ClaimRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, eris.Wrapf(ErrRunBusy, "pipeline: run %s", runID)
		}
		return nil, eris.Wrap(err, "pipeline: claim run")
	}

	st.deadline = opts.Deadline
	if st.deadline.IsZero() && o.cfg.Pipeline.TimeBudgetSecs > 0 {
		st.deadline = o.now().Add(time.Duration(o.cfg.Pipeline.TimeBudgetSecs) * time.Second)
	}
	st.reserve = time.Duration(o.cfg.Pipeline.UnitReserveSecs) * time.Second

	err = o.update(ctx, st, func(cp *model.Checkpoint) {
		switch {
		case opts.FullReset:
			cp.ClearProgress()
		case opts.Reset:
			cp.ClearFailure()
		}
		cp.Status = model.RunStatusProcessing
		if cp.StartedAt == nil {
			now := o.now().UTC()
			cp.StartedAt = &now
		}
	})
	if err != nil {
		return o.fail(ctx, st, err)
	}
	log.Info("pipeline: starting",
		zap.Int("pass", st.cp.CurrentPass),
		zap.String("stage", st.cp.CurrentStage),
		zap.String("tier", string(run.ModelTier)),
		zap.Bool("reset", opts.Reset),
		zap.Bool("full_reset", opts.FullReset),
	)

	return o.execute(ctx, st)
}

func (o *Orchestrator) execute(ctx context.Context, st *runState) (*Result, error) {
	docs, err := o.store.ListDocuments(ctx, st.run.CaseID)
	if err != nil {
		return o.fail(ctx, st, eris.Wrap(err, "pipeline: list documents"))
	}
	st.docs = docs

	ids := model.NewStringSet()
	for _, d := range docs {
		ids.Add(d.ID)
	}
	err = o.update(ctx, st, func(cp *model.Checkpoint) {
		if dropped := cp.PruneDocuments(ids); len(dropped) > 0 {
			st.log.Warn("pipeline: dropped unknown documents from cursor", zap.Strings("document_ids", dropped))
		}
		cp.TotalDocuments = len(docs)
	})
	if err != nil {
		return o.fail(ctx, st, err)
	}

	for {
		pass := st.snapshot().CurrentPass
		if st.outOfTime(o.now()) {
			return o.pause(ctx, st)
		}

		start := o.now()
		st.log.Info("pipeline: pass starting", zap.Int("pass", pass), zap.String("name", model.PassName(pass)))
		err := o.runPass(ctx, st, pass)
		switch {
		case errors.Is(err, errPaused) || ctx.Err() != nil:
			return o.pause(ctx, st)
		case err != nil:
			return o.fail(ctx, st, err)
		}
		st.log.Info("pipeline: pass complete",
			zap.Int("pass", pass),
			zap.Int64("duration_ms", o.now().Sub(start).Milliseconds()),
		)

		if pass >= model.PassSynthesis {
			return o.complete(ctx, st)
		}
		if err := o.update(ctx, st, func(cp *model.Checkpoint) { cp.AdvancePass(pass + 1) }); err != nil {
			return o.fail(ctx, st, err)
		}
	}
}

func (o *Orchestrator) runPass(ctx context.Context, st *runState, pass int) error {
	switch pass {
	case model.PassExtract:
		return o.extractPass(ctx, st)
	case model.PassAnalyze:
		return o.analyzePass(ctx, st)
	case model.PassCrossDoc:
		return o.crossDocPass(ctx, st)
	case model.PassSynthesis:
		return o.synthesisPass(ctx, st)
	default:
		return eris.Errorf("pipeline: checkpoint at unknown pass %d", pass)
	}
}

func (o *Orchestrator) loadOrCreateCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	cp, err := o.store.LoadCheckpoint(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load checkpoint")
	}
	if cp != nil {
		return cp, nil
	}
	cp = model.NewCheckpoint(runID)
	err = o.store.CreateCheckpoint(ctx, cp)
	if errors.Is(err, store.ErrConflict) {
		// Another invocation created it first.
		cp, err = o.store.LoadCheckpoint(ctx, runID)
	}
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create checkpoint")
	}
	return cp, nil
}

// update applies fn to the checkpoint and persists it.
func (o *Orchestrator) update(ctx context.Context, st *runState, fn func(cp *model.Checkpoint)) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(st.cp)
	return o.saveLocked(ctx, st)
}

// saveLocked writes the checkpoint with compare-and-swap. A concurrent
// writer makes the save stale; the local progress is then merged into the
// latest stored copy and written again. The caller holds st.mu.
func (o *Orchestrator) saveLocked(ctx context.Context, st *runState) error {
	for range maxSaveAttempts {
		err := o.store.SaveCheckpoint(ctx, st.cp)
		if err == nil {
			st.cp.MarkSaved()
			return nil
		}
		if !errors.Is(err, store.ErrStaleCheckpoint) {
			return eris.Wrap(err, "pipeline: save checkpoint")
		}
		latest, lerr := o.store.LoadCheckpoint(ctx, st.cp.RunID)
		if lerr != nil {
			return eris.Wrap(lerr, "pipeline: reload stale checkpoint")
		}
		if latest == nil {
			return eris.Errorf("pipeline: checkpoint for run %s disappeared", st.cp.RunID)
		}
		st.log.Warn("pipeline: checkpoint changed underneath, merging",
			zap.Int64("local_version", st.cp.Version),
			zap.Int64("stored_version", latest.Version),
		)
		st.cp = st.cp.Merge(latest)
	}
	return eris.Wrapf(store.ErrStaleCheckpoint, "pipeline: save checkpoint for run %s", st.cp.RunID)
}

// warn records a structural problem with a unit. The unit still counts as
// processed.
func (o *Orchestrator) warn(st *runState, unit string, err error) {
	msg := fmt.Sprintf("%s: %v", unit, err)
	st.log.Warn("pipeline: unit processed with warning", zap.String("unit", unit), zap.Error(err))
	st.mu.Lock()
	st.cp.AddWarning(msg)
	st.mu.Unlock()
}

// recordAttemptFailure counts a failed model-call attempt on the checkpoint
// and marks unit as failing until one of its calls succeeds.
func (o *Orchestrator) recordAttemptFailure(ctx context.Context, st *runState, unit string, err error) {
	saveErr := o.update(ctx, st, func(cp *model.Checkpoint) {
		st.failing[unit] = struct{}{}
		cp.RetryCount++
		cp.LastError = fmt.Sprintf("%s: %v", unit, err)
	})
	if saveErr != nil {
		st.log.Warn("pipeline: failed to record retry", zap.Error(saveErr))
	}
}

func (o *Orchestrator) setRunStatus(ctx context.Context, st *runState, status model.RunStatus) {
	if err := o.store.UpdateRunStatus(ctx, st.run.ID, status); err != nil {
		st.log.Warn("pipeline: failed to update run status", zap.String("status", string(status)), zap.Error(err))
		return
	}
	st.run.Status = status
}

func (o *Orchestrator) dispatch(ctx context.Context, st *runState, typ notify.EventType, extra map[string]any) {
	cp := st.snapshot()
	payload := map[string]any{
		"case_id":            st.run.CaseID,
		"pass":               cp.CurrentPass,
		"status":             string(cp.Status),
		"estimated_cost_usd": cp.EstimatedCostUSD,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := o.notifier.Dispatch(ctx, notify.NewEvent(typ, st.run.ID, payload)); err != nil {
		st.log.Warn("pipeline: notify failed", zap.String("event", string(typ)), zap.Error(err))
	}
}

func (o *Orchestrator) complete(ctx context.Context, st *runState) (*Result, error) {
	err := o.update(ctx, st, func(cp *model.Checkpoint) {
		now := o.now().UTC()
		cp.Status = model.RunStatusCompleted
		cp.CompletedAt = &now
	})
	if err != nil {
		return o.fail(ctx, st, err)
	}
	o.setRunStatus(ctx, st, model.RunStatusCompleted)

	cp := st.snapshot()
	st.log.Info("pipeline: run completed",
		zap.Int64("input_tokens", cp.TotalInputTokens),
		zap.Int64("output_tokens", cp.TotalOutputTokens),
		zap.Float64("estimated_cost_usd", cp.EstimatedCostUSD),
		zap.Int("warnings", len(cp.Warnings)),
	)
	o.dispatch(ctx, st, notify.EventRunCompleted, map[string]any{"warnings": len(cp.Warnings)})
	return o.result(st, false), nil
}

// pause persists progress and leaves the run resumable. It also handles a
// cancelled context, so writes are detached from ctx. A pause with a unit
// still failing counts towards pipeline.max_run_retries; any other pause
// resets the count.
func (o *Orchestrator) pause(ctx context.Context, st *runState) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	err := o.update(ctx, st, func(cp *model.Checkpoint) {
		cp.Status = model.RunStatusPaused
		if len(st.failing) > 0 {
			cp.StalledPauses++
		} else {
			cp.StalledPauses = 0
		}
	})
	if err != nil {
		return o.fail(ctx, st, err)
	}
	o.setRunStatus(ctx, st, model.RunStatusPaused)

	cp := st.snapshot()
	st.log.Info("pipeline: run paused",
		zap.Int("pass", cp.CurrentPass),
		zap.Int("documents_processed", cp.DocumentsProcessed),
		zap.Int("stalled_pauses", cp.StalledPauses),
	)
	o.dispatch(ctx, st, notify.EventRunPaused, nil)
	return o.result(st, false), nil
}

func (o *Orchestrator) fail(ctx context.Context, st *runState, cause error) (*Result, error) {
	ctx = context.WithoutCancel(ctx)
	st.log.Error("pipeline: run failed", zap.Error(cause))

	if err := o.update(ctx, st, func(cp *model.Checkpoint) {
		cp.Status = model.RunStatusFailed
		cp.LastError = cause.Error()
	}); err != nil {
		st.log.Error("pipeline: failed to persist failure", zap.Error(err))
	}
	o.setRunStatus(ctx, st, model.RunStatusFailed)
	o.dispatch(ctx, st, notify.EventRunFailed, map[string]any{"error": cause.Error()})
	return o.result(st, false), eris.Wrapf(ErrRunFailed, "pipeline: run %s: %v", st.run.ID, cause)
}

// abandon fails a paused run that has stalled on failing units more than
// pipeline.max_run_retries times in a row.
func (o *Orchestrator) abandon(ctx context.Context, st *runState) (*Result, error) {
	cp := st.snapshot()
	return o.fail(ctx, st, eris.Errorf("abandoned after %d stalled invocations (max %d): %s",
		cp.StalledPauses, o.cfg.Pipeline.MaxRunRetries, cp.LastError))
}

func (o *Orchestrator) result(st *runState, noop bool) *Result {
	cp := st.snapshot()
	return &Result{
		RunID:      st.run.ID,
		Status:     cp.Status,
		Pass:       cp.CurrentPass,
		NoOp:       noop,
		Checkpoint: cp,
	}
}

func (o *Orchestrator) concurrency() int {
	if o.cfg.Pipeline.Concurrency < 1 {
		return 1
	}
	return o.cfg.Pipeline.Concurrency
}
