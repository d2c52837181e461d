package pipeline

import (
	"context"
	"errors"

	"github.com/sells-group/diligence-cli/internal/docparse"
	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/resilience"
)

// extractPass indexes every document without a Pass 1 extraction.
// Extractions are only ever appended.
func (o *Orchestrator) extractPass(ctx context.Context, st *runState) error {
	byID := make(map[string]model.Document, len(st.docs))
	var pending []string

	st.mu.Lock()
	for _, d := range st.docs {
		byID[d.ID] = d
		if st.cp.Pass1Extractions.Has(d.ID) {
			st.cp.MarkDocument(d.ID)
			continue
		}
		pending = append(pending, d.ID)
	}
	st.mu.Unlock()

	return o.forEachUnit(ctx, st, model.PassExtract, pending, func(ctx context.Context, id string) error {
		return o.extractDocument(ctx, st, byID[id])
	})
}

func (o *Orchestrator) extractDocument(ctx context.Context, st *runState, doc model.Document) error {
	o.setDocStatus(ctx, st, doc.ID, model.DocInProgress, 0)

	ex := model.DocumentExtraction{DocumentID: doc.ID, Title: doc.Name}

	text, err := o.loadText(ctx, doc)
	switch {
	case errors.Is(err, docparse.ErrUnsupported):
		ex.Empty = true
		ex.Warning = "unsupported document type " + doc.MimeType
		o.warn(st, doc.ID, err)
		return o.recordExtraction(ctx, st, ex, model.DocUnsupported)
	case resilience.IsStructural(err):
		ex.Empty = true
		ex.Warning = err.Error()
		o.warn(st, doc.ID, err)
		return o.recordExtraction(ctx, st, ex, model.DocFailed)
	case err != nil:
		o.setDocStatus(ctx, st, doc.ID, model.DocFailed, 0)
		return err
	}

	ex.PageCount = len(text.Pages)
	if text.Empty() {
		ex.Empty = true
		return o.recordExtraction(ctx, st, ex, model.DocComplete)
	}

	raw, err := o.call(ctx, st, model.PassExtract, doc.ID,
		o.system(st, extractInstructions),
		extractPrompt(doc, text, o.cfg.Pipeline.MaxDocumentChars))
	if err != nil {
		if ctx.Err() == nil {
			o.setDocStatus(ctx, st, doc.ID, model.DocFailed, 0)
		}
		return err
	}

	var parsed model.DocumentExtraction
	if err := decodeReply(raw, &parsed); err != nil {
		o.warn(st, doc.ID, resilience.NewStructuralError("extract", err))
		ex.Warning = err.Error()
	} else {
		if parsed.Title == "" {
			parsed.Title = doc.Name
		}
		parsed.DocumentID = doc.ID
		parsed.PageCount = ex.PageCount
		ex = parsed
	}
	return o.recordExtraction(ctx, st, ex, model.DocComplete)
}

// recordExtraction appends ex, advances the cursor and then marks the
// document's processing status.
func (o *Orchestrator) recordExtraction(ctx context.Context, st *runState, ex model.DocumentExtraction, status model.ProcessingStatus) error {
	err := o.update(ctx, st, func(cp *model.Checkpoint) {
		if !cp.Pass1Extractions.Has(ex.DocumentID) {
			cp.Pass1Extractions.Set(ex.DocumentID, ex)
		}
		cp.MarkDocument(ex.DocumentID)
		cp.CurrentStage = "extract"
	})
	if err != nil {
		return err
	}
	o.setDocStatus(ctx, st, ex.DocumentID, status, ex.PageCount)
	return nil
}
