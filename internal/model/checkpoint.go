package model

import (
	"encoding/json"
	"slices"
	"time"
)

// PassCursor is the resume cursor of a single pass: the units already
// completed while that pass is active. A cursor belongs to exactly one pass
// and is replaced, not reinterpreted, when the pipeline advances.
type PassCursor struct {
	Pass int       `json:"pass"`
	IDs  StringSet `json:"ids"`
}

// Checkpoint is the durable pipeline state of one analysis run.
type Checkpoint struct {
	RunID        string    `json:"run_id"`
	CurrentPass  int       `json:"current_pass"`
	CurrentStage string    `json:"current_stage"`
	Status       RunStatus `json:"status"`

	Pass1Extractions OrderedMap[DocumentExtraction] `json:"pass1_extractions"`
	Pass2Findings    OrderedMap[[]FindingCandidate] `json:"pass2_findings"`
	Pass4Sections    OrderedMap[json.RawMessage]    `json:"pass4_sections"`

	ProcessedDocs      PassCursor `json:"processed_doc_ids"`
	DocumentsProcessed int        `json:"documents_processed"`
	TotalDocuments     int        `json:"total_documents"`
	ClustersProcessed  StringSet  `json:"clusters_processed"`
	QuestionsProcessed int        `json:"questions_processed"`
	TotalQuestions     int        `json:"total_questions"`

	TotalInputTokens  int64               `json:"total_input_tokens"`
	TotalOutputTokens int64               `json:"total_output_tokens"`
	EstimatedCostUSD  float64             `json:"estimated_cost_usd"`
	CostByModel       OrderedMap[float64] `json:"cost_by_model"`

	GraphVertices int      `json:"graph_vertices"`
	GraphEdges    int      `json:"graph_edges"`
	Warnings      []string `json:"warnings,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	// StalledPauses counts consecutive invocations that paused while a unit
	// was still failing. A pause with every failure recovered resets it.
	StalledPauses int `json:"stalled_pauses"`

	// Version is bumped by the store on every successful save.
	Version int64 `json:"version"`

	// unsaved is the usage added since the last successful save.
	unsaved usageDelta
}

type usageDelta struct {
	inputTokens  int64
	outputTokens int64
	costUSD      float64
	byModel      OrderedMap[float64]
}

// NewCheckpoint returns a fresh checkpoint at pass 1, status pending.
func NewCheckpoint(runID string) *Checkpoint {
	return &Checkpoint{
		RunID:         runID,
		CurrentPass:   PassExtract,
		Status:        RunStatusPending,
		ProcessedDocs: PassCursor{Pass: PassExtract},
		LastUpdated:   time.Now().UTC(),
	}
}

// DocumentDone reports whether id is complete in the active pass.
func (c *Checkpoint) DocumentDone(id string) bool {
	return c.ProcessedDocs.Pass == c.CurrentPass && c.ProcessedDocs.IDs.Has(id)
}

// MarkDocument records id as complete in the active pass and keeps
// DocumentsProcessed equal to the cursor size.
func (c *Checkpoint) MarkDocument(id string) bool {
	if c.ProcessedDocs.Pass != c.CurrentPass {
		c.ProcessedDocs = PassCursor{Pass: c.CurrentPass}
	}
	added := c.ProcessedDocs.IDs.Add(id)
	c.DocumentsProcessed = c.ProcessedDocs.IDs.Len()
	return added
}

// PruneDocuments drops cursor entries for documents outside docs and returns them.
func (c *Checkpoint) PruneDocuments(docs StringSet) []string {
	dropped := c.ProcessedDocs.IDs.Retain(docs.Has)
	c.DocumentsProcessed = c.ProcessedDocs.IDs.Len()
	return dropped
}

// AdvancePass moves to pass next with an empty cursor.
func (c *Checkpoint) AdvancePass(next int) {
	c.CurrentPass = next
	c.CurrentStage = ""
	c.ProcessedDocs = PassCursor{Pass: next}
	c.DocumentsProcessed = 0
}

// AddUsage accumulates token and cost counters. Negative values are ignored
// so the counters never decrease.
func (c *Checkpoint) AddUsage(model string, inputTokens, outputTokens int64, costUSD float64) {
	inputTokens, outputTokens, costUSD = max(inputTokens, 0), max(outputTokens, 0), max(costUSD, 0)
	c.TotalInputTokens += inputTokens
	c.TotalOutputTokens += outputTokens
	c.unsaved.inputTokens += inputTokens
	c.unsaved.outputTokens += outputTokens
	if costUSD == 0 {
		return
	}
	prev, _ := c.CostByModel.Get(model)
	c.CostByModel.Set(model, prev+costUSD)
	c.EstimatedCostUSD += costUSD
	prev, _ = c.unsaved.byModel.Get(model)
	c.unsaved.byModel.Set(model, prev+costUSD)
	c.unsaved.costUSD += costUSD
}

// MarkSaved records that every usage counter has been persisted.
func (c *Checkpoint) MarkSaved() {
	c.unsaved = usageDelta{}
}

// AddWarning appends a unit-level warning once.
func (c *Checkpoint) AddWarning(msg string) {
	if slices.Contains(c.Warnings, msg) {
		return
	}
	c.Warnings = append(c.Warnings, msg)
}

// ClearFailure prepares a failed checkpoint for another attempt.
func (c *Checkpoint) ClearFailure() {
	c.Status = RunStatusPending
	c.LastError = ""
	c.RetryCount = 0
	c.StalledPauses = 0
	c.CompletedAt = nil
}

// ClearProgress discards all pass progress but keeps the cost counters.
func (c *Checkpoint) ClearProgress() {
	c.ClearFailure()
	c.CurrentPass = PassExtract
	c.CurrentStage = ""
	c.Pass1Extractions.Clear()
	c.Pass2Findings.Clear()
	c.Pass4Sections.Clear()
	c.ProcessedDocs = PassCursor{Pass: PassExtract}
	c.DocumentsProcessed = 0
	c.ClustersProcessed = StringSet{}
	c.QuestionsProcessed = 0
	c.TotalQuestions = 0
	c.GraphVertices = 0
	c.GraphEdges = 0
	c.Warnings = nil
}

// Merge folds the progress of c into latest, the most recently persisted
// state, so that neither copy loses completed work. Sets are unioned and
// counters take the larger value. Usage c has not yet saved is added on top
// of latest, since latest may hold another invocation's spend. latest keeps
// its version.
func (c *Checkpoint) Merge(latest *Checkpoint) *Checkpoint {
	out := *latest

	switch {
	case c.CurrentPass > latest.CurrentPass:
		out.CurrentPass = c.CurrentPass
		out.CurrentStage = c.CurrentStage
		out.ProcessedDocs = c.ProcessedDocs
		out.DocumentsProcessed = c.DocumentsProcessed
	case c.CurrentPass == latest.CurrentPass && c.ProcessedDocs.Pass == latest.ProcessedDocs.Pass:
		ids := NewStringSet(latest.ProcessedDocs.IDs.Sorted()...)
		ids.Union(c.ProcessedDocs.IDs)
		out.ProcessedDocs = PassCursor{Pass: latest.ProcessedDocs.Pass, IDs: ids}
		out.DocumentsProcessed = ids.Len()
		if c.CurrentStage != "" {
			out.CurrentStage = c.CurrentStage
		}
	}

	out.Pass1Extractions = OrderedMap[DocumentExtraction]{}
	for _, k := range latest.Pass1Extractions.Keys() {
		v, _ := latest.Pass1Extractions.Get(k)
		out.Pass1Extractions.Set(k, v)
	}
	for _, k := range c.Pass1Extractions.Keys() {
		if !out.Pass1Extractions.Has(k) {
			v, _ := c.Pass1Extractions.Get(k)
			out.Pass1Extractions.Set(k, v)
		}
	}

	out.Pass2Findings = OrderedMap[[]FindingCandidate]{}
	for _, src := range []*Checkpoint{latest, c} {
		for _, k := range src.Pass2Findings.Keys() {
			if out.Pass2Findings.Has(k) || (out.CurrentPass == PassAnalyze && out.ProcessedDocs.IDs.Has(k)) {
				continue
			}
			v, _ := src.Pass2Findings.Get(k)
			out.Pass2Findings.Set(k, v)
		}
	}

	out.Pass4Sections = OrderedMap[json.RawMessage]{}
	for _, src := range []*Checkpoint{latest, c} {
		for _, k := range src.Pass4Sections.Keys() {
			if !out.Pass4Sections.Has(k) {
				v, _ := src.Pass4Sections.Get(k)
				out.Pass4Sections.Set(k, v)
			}
		}
	}

	clusters := NewStringSet(latest.ClustersProcessed.Sorted()...)
	clusters.Union(c.ClustersProcessed)
	if clusters.Len() == 0 {
		clusters = StringSet{}
	}
	out.ClustersProcessed = clusters

	out.TotalDocuments = max(c.TotalDocuments, latest.TotalDocuments)
	out.QuestionsProcessed = max(c.QuestionsProcessed, latest.QuestionsProcessed)
	out.TotalQuestions = max(c.TotalQuestions, latest.TotalQuestions)
	out.TotalInputTokens = max(c.TotalInputTokens, latest.TotalInputTokens+c.unsaved.inputTokens)
	out.TotalOutputTokens = max(c.TotalOutputTokens, latest.TotalOutputTokens+c.unsaved.outputTokens)
	out.EstimatedCostUSD = max(c.EstimatedCostUSD, latest.EstimatedCostUSD+c.unsaved.costUSD)
	out.GraphVertices = max(c.GraphVertices, latest.GraphVertices)
	out.GraphEdges = max(c.GraphEdges, latest.GraphEdges)
	out.RetryCount = max(c.RetryCount, latest.RetryCount)
	out.StalledPauses = max(c.StalledPauses, latest.StalledPauses)

	out.CostByModel = OrderedMap[float64]{}
	for _, k := range latest.CostByModel.Keys() {
		v, _ := latest.CostByModel.Get(k)
		d, _ := c.unsaved.byModel.Get(k)
		out.CostByModel.Set(k, v+d)
	}
	for _, src := range []OrderedMap[float64]{c.unsaved.byModel, c.CostByModel} {
		for _, k := range src.Keys() {
			v, _ := src.Get(k)
			prev, ok := out.CostByModel.Get(k)
			if !ok || v > prev {
				out.CostByModel.Set(k, v)
			}
		}
	}
	out.unsaved = c.unsaved

	out.Warnings = slices.Clone(latest.Warnings)
	for _, w := range c.Warnings {
		if !slices.Contains(out.Warnings, w) {
			out.Warnings = append(out.Warnings, w)
		}
	}

	if c.LastError != "" {
		out.LastError = c.LastError
	}
	if out.StartedAt == nil {
		out.StartedAt = c.StartedAt
	}
	if c.Status != "" {
		out.Status = c.Status
	}
	if c.CompletedAt != nil {
		out.CompletedAt = c.CompletedAt
	}
	return &out
}
