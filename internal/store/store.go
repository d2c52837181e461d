package store

import (
	"context"
	"errors"

	"github.com/sells-group/diligence-cli/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would break a uniqueness or
	// lifecycle rule (deleting a processing run, a second processing run
	// for a case, a duplicate checkpoint).
	ErrConflict = errors.New("conflict")
	// ErrStaleCheckpoint is returned by SaveCheckpoint when the persisted
	// checkpoint has moved past the caller's version.
	ErrStaleCheckpoint = errors.New("stale checkpoint")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	CaseID string          `json:"case_id,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// FindingFilter specifies criteria for listing findings.
type FindingFilter struct {
	RunID  string              `json:"run_id"`
	RiskID string              `json:"risk_id,omitempty"`
	Status model.FindingStatus `json:"status,omitempty"`
}

// Store defines the persistence interface for the analysis pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, caseID, name string, tier model.ModelTier) (*model.AnalysisRun, error)
	GetRun(ctx context.Context, runID string) (*model.AnalysisRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisRun, error)
	ClaimRun(ctx context.Context, runID string) error
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	SetSynthesis(ctx context.Context, runID string, data *model.SynthesisData) error
	DeleteRun(ctx context.Context, runID string) error

	// Checkpoints
	LoadCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error)
	CreateCheckpoint(ctx context.Context, cp *model.Checkpoint) error
	SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error

	// Documents
	AddDocument(ctx context.Context, doc *model.Document) error
	ListDocuments(ctx context.Context, caseID string) ([]model.Document, error)
	SetDocumentStatus(ctx context.Context, docID string, status model.ProcessingStatus, pageCount int) error
	DocumentProgress(ctx context.Context, caseID string) (model.Progress, error)

	// Risks
	UpsertRisk(ctx context.Context, risk *model.Risk) error
	GetRisk(ctx context.Context, riskID string) (*model.Risk, error)
	EditRiskDetail(ctx context.Context, riskID, detail string) ([]string, error)

	// Findings
	InsertFindings(ctx context.Context, findings []model.Finding) (int64, error)
	UpdateFinding(ctx context.Context, f *model.Finding) error
	GetFinding(ctx context.Context, findingID string) (*model.Finding, error)
	ListFindings(ctx context.Context, filter FindingFilter) ([]model.Finding, error)
	UpdateFindingStatus(ctx context.Context, findingID string, status model.FindingStatus) error

	// Report versions
	CreateReportVersion(ctx context.Context, v *model.ReportVersion) error
	ListReportVersions(ctx context.Context, runID string) ([]model.ReportVersion, error)
	GetCurrentReportVersion(ctx context.Context, runID string) (*model.ReportVersion, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
