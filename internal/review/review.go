// Package review holds the reviewer-facing operations on a run's findings:
// status changes and risk detail edits.
package review

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/diligence-cli/internal/model"
	"github.com/sells-group/diligence-cli/internal/notify"
	"github.com/sells-group/diligence-cli/internal/store"
)

var (
	// ErrInvalidStatus is returned for a status outside New, Red, Amber, Deleted.
	ErrInvalidStatus = errors.New("review: invalid finding status")
	// ErrEmptyDetail is returned when a risk detail edit has no text.
	ErrEmptyDetail = errors.New("review: risk detail is empty")
)

var statuses = []model.FindingStatus{model.FindingNew, model.FindingRed, model.FindingAmber, model.FindingDeleted}

// ParseStatus resolves a status name case-insensitively.
func ParseStatus(s string) (model.FindingStatus, error) {
	s = strings.TrimSpace(s)
	for _, st := range statuses {
		if strings.EqualFold(string(st), s) {
			return st, nil
		}
	}
	return "", eris.Wrapf(ErrInvalidStatus, "review: %q", s)
}

// Service applies reviewer changes. Pipeline writes to the same findings
// never touch status, so last writer wins on it.
type Service struct {
	store    store.Store
	notifier notify.Dispatcher
}

// New creates a review Service. A nil notifier logs events.
func New(st store.Store, notifier notify.Dispatcher) *Service {
	if notifier == nil {
		notifier = notify.Log{}
	}
	return &Service{store: st, notifier: notifier}
}

// ChangeStatus moves a finding to status. Any status may follow any other.
func (s *Service) ChangeStatus(ctx context.Context, findingID string, status model.FindingStatus) (*model.Finding, error) {
	if !status.Valid() {
		return nil, eris.Wrapf(ErrInvalidStatus, "review: %q", status)
	}
	if err := s.store.UpdateFindingStatus(ctx, findingID, status); err != nil {
		return nil, eris.Wrap(err, "review: change status")
	}
	f, err := s.store.GetFinding(ctx, findingID)
	if err != nil {
		return nil, eris.Wrap(err, "review: reload finding")
	}
	zap.L().Info("review: finding status changed",
		zap.String("finding_id", findingID),
		zap.String("status", string(status)),
	)
	return f, nil
}

// EditResult is the outcome of a risk detail edit.
type EditResult struct {
	Risk        *model.Risk `json:"risk" yaml:"risk"`
	Invalidated []string    `json:"invalidated_finding_ids" yaml:"invalidated_finding_ids"`
}

// EditRiskDetail replaces a risk's detail and soft-deletes every finding of
// the risk in the same transaction, then signals that the risk needs
// re-processing.
func (s *Service) EditRiskDetail(ctx context.Context, riskID, detail string) (*EditResult, error) {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return nil, ErrEmptyDetail
	}

	ids, err := s.store.EditRiskDetail(ctx, riskID, detail)
	if err != nil {
		return nil, eris.Wrap(err, "review: edit risk detail")
	}
	if ids == nil {
		ids = []string{}
	}
	risk, err := s.store.GetRisk(ctx, riskID)
	if err != nil {
		return nil, eris.Wrap(err, "review: reload risk")
	}

	log := zap.L().With(zap.String("risk_id", riskID), zap.String("run_id", risk.RunID))
	log.Info("review: risk detail edited", zap.Int("invalidated", len(ids)))

	ev := notify.NewEvent(notify.EventRiskDetailEdited, riskID, map[string]any{
		"risk_id":                 riskID,
		"run_id":                  risk.RunID,
		"category":                risk.Category,
		"invalidated_finding_ids": ids,
	})
	if err := s.notifier.Dispatch(ctx, ev); err != nil {
		log.Warn("review: notify failed", zap.Error(err))
	}
	return &EditResult{Risk: risk, Invalidated: ids}, nil
}
