package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/diligence-cli/internal/blob"
	"github.com/sells-group/diligence-cli/internal/docparse"
	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/resilience"
	"github.com/sells-group/diligence-cli/pkg/anthropic"
)

// forEachUnit runs fn over units with bounded parallelism. A unit that
// fails is left unprocessed while its siblings finish; the pass then fails.
// No new unit starts once the deadline is near, which pauses the pass.
func (o *Orchestrator) forEachUnit(ctx context.Context, st *runState, pass int, units []string, fn func(ctx context.Context, unit string) error) error {
	if len(units) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency())

	var (
		mu      sync.Mutex
		failed  []string
		lastErr error
		paused  bool
	)
	for _, unit := range units {
		if gCtx.Err() != nil || st.outOfTime(o.now()) {
			paused = true
			break
		}
		g.Go(func() error {
			if err := fn(gCtx, unit); err != nil {
				if gCtx.Err() == nil {
					st.log.Error("pipeline: unit failed",
						zap.Int("pass", pass),
						zap.String("unit", unit),
						zap.Error(err),
					)
				}
				mu.Lock()
				failed = append(failed, unit)
				lastErr = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if paused || ctx.Err() != nil {
		return errPaused
	}
	if len(failed) > 0 {
		return eris.Wrapf(lastErr, "pipeline: %s: %d unit(s) failed [%s]",
			model.PassName(pass), len(failed), strings.Join(failed, ", "))
	}
	return nil
}

// call sends one prompt for unit using the model the run's tier selects for
// pass. Transient errors are retried up to pipeline.max_unit_attempts; each
// failed attempt is counted on the checkpoint. Token usage and cost are
// added to the checkpoint on success, which also clears the unit's failing mark.
func (o *Orchestrator) call(ctx context.Context, st *runState, pass int, unit string, system []anthropic.SystemBlock, prompt string) (string, error) {
	modelID := o.selector.Select(st.run.ModelTier, pass)

	rc := resilience.FromConfig(o.cfg.Pipeline.MaxUnitAttempts, o.cfg.Retry)
	logRetry := resilience.RetryLogger("anthropic", model.PassName(pass))
	rc.OnRetry = func(attempt int, err error) {
		logRetry(attempt, err)
		o.recordAttemptFailure(ctx, st, unit, err)
	}

	resp, err := resilience.DoVal(ctx, rc, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.Guard(ctx, o.breakers.For(modelID), func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return o.ai.CreateMessage(ctx, anthropic.MessageRequest{
				Model:     modelID,
				MaxTokens: o.maxTokens(),
				System:    system,
				Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
			})
		})
	})
	if err != nil {
		if ctx.Err() == nil {
			o.recordAttemptFailure(ctx, st, unit, err)
		}
		return "", eris.Wrapf(err, "pipeline: %s %s", model.PassName(pass), unit)
	}

	if resp.Truncated() {
		st.log.Warn("pipeline: reply hit the token limit", zap.String("unit", unit), zap.Int64("max_tokens", o.maxTokens()))
	}

	u := resp.Usage
	u.Cost = o.costCalc.Price(modelID, u)
	anthropic.LogUsage(modelID, model.PassName(pass), u)

	st.mu.Lock()
	delete(st.failing, unit)
	st.cp.AddUsage(modelID, u.InputTokens+u.CacheCreationTokens+u.CacheReadTokens, u.OutputTokens, u.Cost)
	st.mu.Unlock()

	return resp.Text(), nil
}

func (o *Orchestrator) maxTokens() int64 {
	if o.cfg.Anthropic.MaxTokens > 0 {
		return o.cfg.Anthropic.MaxTokens
	}
	return 4096
}

// loadText fetches and extracts a document. Missing blobs and unreadable
// payloads are structural; unsupported types keep docparse.ErrUnsupported.
func (o *Orchestrator) loadText(ctx context.Context, doc model.Document) (*model.DocumentText, error) {
	data, err := o.blobs.Get(ctx, doc.BlobKey)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, resilience.NewStructuralError(doc.ID, err)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: fetch document %s", doc.ID)
	}
	text, err := o.extractor.Extract(ctx, doc.MimeType, data)
	switch {
	case errors.Is(err, docparse.ErrUnsupported):
		return nil, err
	case err != nil && ctx.Err() == nil:
		return nil, resilience.NewStructuralError(doc.ID, err)
	case err != nil:
		return nil, err
	}
	return text, nil
}

func (o *Orchestrator) setDocStatus(ctx context.Context, st *runState, docID string, status model.ProcessingStatus, pages int) {
	if err := o.store.SetDocumentStatus(ctx, docID, status, pages); err != nil {
		st.log.Warn("pipeline: failed to update document status",
			zap.String("document_id", docID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
