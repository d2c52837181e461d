package pipeline

import (
	"context"
	"errors"
	"slices"

	"github.com/sells-group/diligence-cli/internal/docparse"
	"github.com/sells-group/diligence-cli/internal/graph"
	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/resilience"
)

// analyzePass reviews each document not yet in the pass cursor.
func (o *Orchestrator) analyzePass(ctx context.Context, st *runState) error {
	byID := make(map[string]model.Document, len(st.docs))
	var pending []string

	st.mu.Lock()
	for _, d := range st.docs {
		byID[d.ID] = d
		if !st.cp.DocumentDone(d.ID) {
			pending = append(pending, d.ID)
		}
	}
	st.mu.Unlock()

	return o.forEachUnit(ctx, st, model.PassAnalyze, pending, func(ctx context.Context, id string) error {
		return o.analyzeDocument(ctx, st, byID[id])
	})
}

// analyzeDocument produces candidates for doc, buffers them in the
// checkpoint, promotes them to findings and then advances the cursor. A
// buffered candidate set from an interrupted attempt is promoted without
// asking the model again.
func (o *Orchestrator) analyzeDocument(ctx context.Context, st *runState, doc model.Document) error {
	st.mu.Lock()
	cands, buffered := st.cp.Pass2Findings.Get(doc.ID)
	own, _ := st.cp.Pass1Extractions.Get(doc.ID)
	related := relatedExtractions(st.cp, own, o.cfg.Pipeline.RelatedContextDocs)
	st.mu.Unlock()

	if !buffered {
		if own.Empty {
			return o.finishAnalysis(ctx, st, doc.ID)
		}

		text, err := o.loadText(ctx, doc)
		switch {
		case errors.Is(err, docparse.ErrUnsupported), resilience.IsStructural(err):
			o.warn(st, doc.ID, err)
			return o.finishAnalysis(ctx, st, doc.ID)
		case err != nil:
			return err
		}
		if text.Empty() {
			return o.finishAnalysis(ctx, st, doc.ID)
		}

		raw, err := o.call(ctx, st, model.PassAnalyze, doc.ID,
			o.system(st, analyzeInstructions),
			analyzePrompt(doc, text, own, related, o.cfg.Pipeline.MaxDocumentChars))
		if err != nil {
			return err
		}

		var reply candidateReply
		if err := decodeReply(raw, &reply); err != nil {
			o.warn(st, doc.ID, resilience.NewStructuralError("analyze", err))
			return o.finishAnalysis(ctx, st, doc.ID)
		}
		cands = reply.Findings
		if cands == nil {
			cands = []model.FindingCandidate{}
		}
		if err := o.update(ctx, st, func(cp *model.Checkpoint) {
			cp.Pass2Findings.Set(doc.ID, cands)
		}); err != nil {
			return err
		}
	}

	promos := make([]promotion, len(cands))
	for i, c := range cands {
		promos[i] = promotion{candidate: c, docID: doc.ID}
	}
	if err := o.promote(ctx, st, model.PassAnalyze, doc.ID, promos); err != nil {
		return err
	}
	return o.finishAnalysis(ctx, st, doc.ID)
}

// finishAnalysis marks doc processed and drops its resume buffer.
func (o *Orchestrator) finishAnalysis(ctx context.Context, st *runState, docID string) error {
	return o.update(ctx, st, func(cp *model.Checkpoint) {
		cp.MarkDocument(docID)
		cp.Pass2Findings.Delete(docID)
		cp.CurrentStage = "analyze"
	})
}

// relatedExtractions picks up to limit other documents sharing a party or
// entity with own, most shared names first.
func relatedExtractions(cp *model.Checkpoint, own model.DocumentExtraction, limit int) []model.DocumentExtraction {
	if limit <= 0 {
		return nil
	}
	names := make(map[string]bool)
	for _, n := range append(slices.Clone(own.Parties), own.Entities...) {
		if k := graph.NormalizeName(n); k != "" {
			names[k] = true
		}
	}
	if len(names) == 0 {
		return nil
	}

	type scored struct {
		ex    model.DocumentExtraction
		score int
	}
	var matches []scored
	for _, id := range cp.Pass1Extractions.Keys() {
		if id == own.DocumentID {
			continue
		}
		ex, _ := cp.Pass1Extractions.Get(id)
		score := 0
		for _, n := range append(slices.Clone(ex.Parties), ex.Entities...) {
			if names[graph.NormalizeName(n)] {
				score++
			}
		}
		if score > 0 {
			matches = append(matches, scored{ex, score})
		}
	}
	slices.SortStableFunc(matches, func(a, b scored) int { return b.score - a.score })

	out := make([]model.DocumentExtraction, 0, min(limit, len(matches)))
	for _, m := range matches {
		if len(out) == limit {
			break
		}
		out = append(out, m.ex)
	}
	return out
}
