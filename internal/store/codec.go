package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/diligence-cli/internal/model"
)

// findingBody is the JSON column holding a finding's structured
// classification. Scalar fields that are filtered or updated on their own
// (status, deal impact, risk) live in dedicated columns.
type findingBody struct {
	Exposure       *model.FinancialExposure  `json:"exposure,omitempty"`
	Materiality    model.Materiality         `json:"materiality"`
	Confidence     model.Confidence          `json:"confidence"`
	Statutory      *model.StatutoryReference `json:"statutory,omitempty"`
	Resolution     *model.ResolutionPlan     `json:"resolution,omitempty"`
	Clause         *model.ClauseReference    `json:"clause,omitempty"`
	Source         model.SourcePointer       `json:"source"`
	CrossDocSource []string                  `json:"cross_doc_source,omitempty"`
	Reasoning      model.OrderedMap[string]  `json:"reasoning"`
}

func encodeFindingBody(f *model.Finding) ([]byte, error) {
	b, err := json.Marshal(findingBody{
		Exposure:       f.Exposure,
		Materiality:    f.Materiality,
		Confidence:     f.Confidence,
		Statutory:      f.Statutory,
		Resolution:     f.Resolution,
		Clause:         f.Clause,
		Source:         f.Source,
		CrossDocSource: f.CrossDocSource,
		Reasoning:      f.Reasoning,
	})
	return b, eris.Wrap(err, "store: marshal finding body")
}

func decodeFindingBody(data []byte, f *model.Finding) error {
	var body findingBody
	if err := json.Unmarshal(data, &body); err != nil {
		return eris.Wrap(err, "store: unmarshal finding body")
	}
	f.Exposure = body.Exposure
	f.Materiality = body.Materiality
	f.Confidence = body.Confidence
	f.Statutory = body.Statutory
	f.Resolution = body.Resolution
	f.Clause = body.Clause
	f.Source = body.Source
	f.CrossDocSource = body.CrossDocSource
	f.Reasoning = body.Reasoning
	return nil
}

// findingColumns is the column order shared by both backends.
var findingColumns = []string{
	"id", "run_id", "risk_id", "pass", "category", "detail",
	"status", "deal_impact", "body", "created_at", "updated_at",
}

// findingRow flattens f into findingColumns order, filling defaults for a
// newly promoted finding.
func findingRow(f *model.Finding, now time.Time) ([]any, error) {
	if f.Status == "" {
		f.Status = model.FindingNew
	}
	if f.DealImpact == "" {
		f.DealImpact = model.ImpactNone
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}
	body, err := encodeFindingBody(f)
	if err != nil {
		return nil, err
	}
	return []any{
		f.ID, f.RunID, f.RiskID, f.Pass, f.Category, f.Detail,
		string(f.Status), string(f.DealImpact), body, f.CreatedAt, f.UpdatedAt,
	}, nil
}

// encodeCheckpoint stamps cp with the next version and update time and
// returns the JSON stored in the checkpoints row.
func encodeCheckpoint(cp *model.Checkpoint, version int64, now time.Time) ([]byte, error) {
	snapshot := *cp
	snapshot.Version = version
	snapshot.LastUpdated = now
	data, err := json.Marshal(&snapshot)
	return data, eris.Wrap(err, "store: marshal checkpoint")
}

func decodeCheckpoint(data []byte, version int64) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal checkpoint")
	}
	cp.Version = version
	return &cp, nil
}

func encodeSynthesis(data *model.SynthesisData) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	return b, eris.Wrap(err, "store: marshal synthesis")
}

func decodeSynthesis(data []byte) (*model.SynthesisData, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var sd model.SynthesisData
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal synthesis")
	}
	return &sd, nil
}

func decodeVersion(v *model.ReportVersion, content, changes []byte) error {
	if err := json.Unmarshal(content, &v.Content); err != nil {
		return eris.Wrap(err, "store: unmarshal version content")
	}
	if len(changes) > 0 {
		if err := json.Unmarshal(changes, &v.Changes); err != nil {
			return eris.Wrap(err, "store: unmarshal version changes")
		}
	}
	return nil
}

func encodeVersion(v *model.ReportVersion) (content, changes []byte, err error) {
	content, err = json.Marshal(v.Content)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal version content")
	}
	if v.Changes == nil {
		v.Changes = model.Changes{}
	}
	changes, err = json.Marshal(v.Changes)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal version changes")
	}
	return content, changes, nil
}

// progressFromCounts folds per-status document counts into a Progress.
func progressFromCounts(counts map[model.ProcessingStatus]int) model.Progress {
	total := 0
	for _, n := range counts {
		total += n
	}
	return model.NewProgress(total, counts[model.DocComplete], counts[model.DocUnsupported], counts[model.DocInProgress])
}
