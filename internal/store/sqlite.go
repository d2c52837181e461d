package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/diligence-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// A single connection serializes writers and keeps the pragmas below
	// in effect for every statement.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	case_id        TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	model_tier     TEXT NOT NULL DEFAULT 'balanced',
	synthesis_data TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_case_id ON runs(case_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_processing ON runs(case_id) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id       TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
	status       TEXT NOT NULL,
	current_pass INTEGER NOT NULL,
	data         TEXT NOT NULL,
	version      INTEGER NOT NULL DEFAULT 1,
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS documents (
	id                TEXT PRIMARY KEY,
	case_id           TEXT NOT NULL,
	name              TEXT NOT NULL,
	mime_type         TEXT NOT NULL,
	blob_key          TEXT NOT NULL,
	processing_status TEXT NOT NULL DEFAULT 'pending',
	page_count        INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_documents_case_id ON documents(case_id);

CREATE TABLE IF NOT EXISTS risks (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	category   TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (run_id, category)
);

CREATE TABLE IF NOT EXISTS findings (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	risk_id     TEXT NOT NULL REFERENCES risks(id) ON DELETE CASCADE,
	pass        INTEGER NOT NULL,
	category    TEXT NOT NULL,
	detail      TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'New',
	deal_impact TEXT NOT NULL DEFAULT 'none',
	body        TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_findings_run_id ON findings(run_id);
CREATE INDEX IF NOT EXISTS idx_findings_risk_id ON findings(risk_id);

CREATE TABLE IF NOT EXISTS report_versions (
	id                TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	version           INTEGER NOT NULL,
	content           TEXT NOT NULL,
	refinement_prompt TEXT NOT NULL DEFAULT '',
	changes           TEXT NOT NULL,
	is_current        INTEGER NOT NULL DEFAULT 0,
	change_summary    TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (run_id, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_report_versions_current ON report_versions(run_id) WHERE is_current = 1;
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, caseID, name string, tier model.ModelTier) (*model.AnalysisRun, error) {
	now := time.Now().UTC()
	r := &model.AnalysisRun{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		Name:      name,
		Status:    model.RunStatusPending,
		ModelTier: tier,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, case_id, name, status, model_tier, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CaseID, r.Name, string(r.Status), string(r.ModelTier), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return r, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.AnalysisRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, case_id, name, status, model_tier, synthesis_data, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisRun, error) {
	query := `SELECT id, case_id, name, status, model_tier, synthesis_data, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.CaseID != "" {
		query += ` AND case_id = ?`
		args = append(args, filter.CaseID)
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.AnalysisRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) ClaimRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'processing', updated_at = ?
		 WHERE id = ? AND NOT EXISTS (
			SELECT 1 FROM runs other
			WHERE other.case_id = runs.case_id AND other.status = 'processing' AND other.id <> runs.id
		 )`,
		time.Now().UTC(), runID,
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrConflict, "sqlite: claim run %s: case busy", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: claim run %s", runID)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	return eris.Wrapf(ErrConflict, "sqlite: claim run %s: case busy", runID)
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) SetSynthesis(ctx context.Context, runID string, data *model.SynthesisData) error {
	payload, err := encodeSynthesis(data)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET synthesis_data = ?, updated_at = ? WHERE id = ?`,
		nullText(payload), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set synthesis %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: delete run: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: delete run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete run %s", runID)
	}
	if model.RunStatus(status) == model.RunStatusProcessing {
		return eris.Wrapf(ErrConflict, "sqlite: delete run %s: run is processing", runID)
	}

	for _, q := range []string{
		`DELETE FROM report_versions WHERE run_id = ?`,
		`DELETE FROM findings WHERE run_id = ?`,
		`DELETE FROM risks WHERE run_id = ?`,
		`DELETE FROM checkpoints WHERE run_id = ?`,
		`DELETE FROM runs WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, runID); err != nil {
			return eris.Wrapf(err, "sqlite: delete run %s", runID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: delete run: commit")
}

// --- Checkpoints ---

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	var data string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM checkpoints WHERE run_id = ?`, runID,
	).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load checkpoint")
	}
	return decodeCheckpoint([]byte(data), version)
}

func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	now := time.Now().UTC()
	data, err := encodeCheckpoint(cp, 1, now)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, status, current_pass, data, version, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT (run_id) DO NOTHING`,
		cp.RunID, string(cp.Status), cp.CurrentPass, string(data), now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create checkpoint %s", cp.RunID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrConflict, "sqlite: create checkpoint %s: already exists", cp.RunID)
	}
	cp.Version = 1
	cp.LastUpdated = now
	return nil
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	now := time.Now().UTC()
	next := cp.Version + 1
	data, err := encodeCheckpoint(cp, next, now)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET data = ?, status = ?, current_pass = ?, version = ?, updated_at = ?
		 WHERE run_id = ? AND version = ?`,
		string(data), string(cp.Status), cp.CurrentPass, next, now, cp.RunID, cp.Version,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save checkpoint %s", cp.RunID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrStaleCheckpoint, "sqlite: save checkpoint %s at version %d", cp.RunID, cp.Version)
	}
	cp.Version = next
	cp.LastUpdated = now
	return nil
}

// --- Documents ---

func (s *SQLiteStore) AddDocument(ctx context.Context, doc *model.Document) error {
	now := time.Now().UTC()
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.ProcessingStatus == "" {
		doc.ProcessingStatus = model.DocPending
	}
	doc.CreatedAt, doc.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, case_id, name, mime_type, blob_key, processing_status, page_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.CaseID, doc.Name, doc.MimeType, doc.BlobKey, string(doc.ProcessingStatus), doc.PageCount, now, now,
	)
	return eris.Wrap(err, "sqlite: insert document")
}

func (s *SQLiteStore) ListDocuments(ctx context.Context, caseID string) ([]model.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, case_id, name, mime_type, blob_key, processing_status, page_count, created_at, updated_at
		 FROM documents WHERE case_id = ? ORDER BY id`,
		caseID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		if err := rows.Scan(&d.ID, &d.CaseID, &d.Name, &d.MimeType, &d.BlobKey,
			&d.ProcessingStatus, &d.PageCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan document")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "sqlite: list documents iterate")
}

func (s *SQLiteStore) SetDocumentStatus(ctx context.Context, docID string, status model.ProcessingStatus, pageCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET processing_status = ?, page_count = MAX(page_count, ?), updated_at = ? WHERE id = ?`,
		string(status), pageCount, time.Now().UTC(), docID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set document status %s", docID)
	}
	return checkRowsAffected(res, "document", docID)
}

func (s *SQLiteStore) DocumentProgress(ctx context.Context, caseID string) (model.Progress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT processing_status, COUNT(*) FROM documents WHERE case_id = ? GROUP BY processing_status`,
		caseID,
	)
	if err != nil {
		return model.Progress{}, eris.Wrap(err, "sqlite: document progress")
	}
	defer rows.Close()

	counts := make(map[model.ProcessingStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return model.Progress{}, eris.Wrap(err, "sqlite: scan document progress")
		}
		counts[model.ProcessingStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return model.Progress{}, eris.Wrap(err, "sqlite: document progress iterate")
	}
	return progressFromCounts(counts), nil
}

// --- Risks ---

func (s *SQLiteStore) UpsertRisk(ctx context.Context, risk *model.Risk) error {
	now := time.Now().UTC()
	if risk.CreatedAt.IsZero() {
		risk.CreatedAt = now
	}
	risk.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO risks (id, run_id, category, detail, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		risk.ID, risk.RunID, risk.Category, risk.Detail, risk.CreatedAt, risk.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert risk %s", risk.ID)
}

func (s *SQLiteStore) GetRisk(ctx context.Context, riskID string) (*model.Risk, error) {
	var r model.Risk
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, category, detail, created_at, updated_at FROM risks WHERE id = ?`,
		riskID,
	).Scan(&r.ID, &r.RunID, &r.Category, &r.Detail, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get risk %s", riskID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get risk %s", riskID)
	}
	return &r, nil
}

func (s *SQLiteStore) EditRiskDetail(ctx context.Context, riskID, detail string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: edit risk: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE risks SET detail = ?, updated_at = ? WHERE id = ?`, detail, now, riskID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: edit risk %s", riskID)
	}
	if err := checkRowsAffected(res, "risk", riskID); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM findings WHERE risk_id = ? ORDER BY id`, riskID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: select findings of risk %s", riskID)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan finding id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: select findings iterate")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE findings SET status = ?, updated_at = ? WHERE risk_id = ?`,
		string(model.FindingDeleted), now, riskID,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: invalidate findings of risk %s", riskID)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: edit risk: commit")
	}
	return ids, nil
}

// --- Findings ---

func (s *SQLiteStore) InsertFindings(ctx context.Context, findings []model.Finding) (int64, error) {
	if len(findings) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert findings: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO findings (`+strings.Join(findingColumns, ", ")+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert findings: prepare")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	var inserted int64
	for i := range findings {
		row, err := findingRow(&findings[i], now)
		if err != nil {
			return 0, err
		}
		row[8] = string(row[8].([]byte))
		res, err := stmt.ExecContext(ctx, row...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert finding %s", findings[i].ID)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert findings: commit")
	}
	return inserted, nil
}

func (s *SQLiteStore) UpdateFinding(ctx context.Context, f *model.Finding) error {
	body, err := encodeFindingBody(f)
	if err != nil {
		return err
	}
	f.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE findings SET detail = ?, deal_impact = ?, body = ?, updated_at = ? WHERE id = ?`,
		f.Detail, string(f.DealImpact), string(body), f.UpdatedAt, f.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update finding %s", f.ID)
	}
	return checkRowsAffected(res, "finding", f.ID)
}

const sqliteSelectFindings = `SELECT id, run_id, risk_id, pass, category, detail, status, deal_impact, body, created_at, updated_at FROM findings`

func (s *SQLiteStore) GetFinding(ctx context.Context, findingID string) (*model.Finding, error) {
	f, err := scanFinding(s.db.QueryRowContext(ctx, sqliteSelectFindings+` WHERE id = ?`, findingID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get finding %s", findingID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get finding %s", findingID)
	}
	return f, nil
}

func (s *SQLiteStore) ListFindings(ctx context.Context, filter FindingFilter) ([]model.Finding, error) {
	query := sqliteSelectFindings + ` WHERE run_id = ?`
	args := []any{filter.RunID}
	if filter.RiskID != "" {
		query += ` AND risk_id = ?`
		args = append(args, filter.RiskID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY pass, created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list findings")
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan finding")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list findings iterate")
}

func (s *SQLiteStore) UpdateFindingStatus(ctx context.Context, findingID string, status model.FindingStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE findings SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), findingID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update finding status %s", findingID)
	}
	return checkRowsAffected(res, "finding", findingID)
}

// --- Report versions ---

func (s *SQLiteStore) CreateReportVersion(ctx context.Context, v *model.ReportVersion) error {
	content, changes, err := encodeVersion(v)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: create version: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var latest int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM report_versions WHERE run_id = ?`, v.RunID,
	).Scan(&latest); err != nil {
		return eris.Wrap(err, "sqlite: create version: max version")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE report_versions SET is_current = 0 WHERE run_id = ? AND is_current = 1`, v.RunID,
	); err != nil {
		return eris.Wrap(err, "sqlite: create version: clear current")
	}

	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.Version = latest + 1
	v.IsCurrent = true
	v.CreatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO report_versions (id, run_id, version, content, refinement_prompt, changes, is_current, change_summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		v.ID, v.RunID, v.Version, string(content), v.RefinementPrompt, string(changes), v.ChangeSummary, v.CreatedAt,
	); err != nil {
		return eris.Wrap(err, "sqlite: create version: insert")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET synthesis_data = ?, updated_at = ? WHERE id = ?`,
		string(content), v.CreatedAt, v.RunID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: create version: update run synthesis")
	}
	if err := checkRowsAffected(res, "run", v.RunID); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: create version: commit")
}

const sqliteSelectVersions = `SELECT id, run_id, version, content, refinement_prompt, changes, is_current, change_summary, created_at FROM report_versions`

func (s *SQLiteStore) ListReportVersions(ctx context.Context, runID string) ([]model.ReportVersion, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelectVersions+` WHERE run_id = ? ORDER BY version DESC`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list versions")
	}
	defer rows.Close()

	var out []model.ReportVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan version")
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list versions iterate")
}

func (s *SQLiteStore) GetCurrentReportVersion(ctx context.Context, runID string) (*model.ReportVersion, error) {
	v, err := scanVersion(s.db.QueryRowContext(ctx, sqliteSelectVersions+` WHERE run_id = ? AND is_current = 1`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get current version")
	}
	return v, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func isSQLiteUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullText(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.AnalysisRun, error) {
	var r model.AnalysisRun
	var synthesis sql.NullString
	if err := row.Scan(&r.ID, &r.CaseID, &r.Name, &r.Status, &r.ModelTier, &synthesis, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if synthesis.Valid {
		sd, err := decodeSynthesis([]byte(synthesis.String))
		if err != nil {
			return nil, err
		}
		r.SynthesisData = sd
	}
	return &r, nil
}

func scanFinding(row scannable) (*model.Finding, error) {
	var f model.Finding
	var body []byte
	if err := row.Scan(&f.ID, &f.RunID, &f.RiskID, &f.Pass, &f.Category, &f.Detail,
		&f.Status, &f.DealImpact, &body, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeFindingBody(body, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func scanVersion(row scannable) (*model.ReportVersion, error) {
	var v model.ReportVersion
	var content, changes []byte
	if err := row.Scan(&v.ID, &v.RunID, &v.Version, &content, &v.RefinementPrompt,
		&changes, &v.IsCurrent, &v.ChangeSummary, &v.CreatedAt); err != nil {
		return nil, err
	}
	if err := decodeVersion(&v, content, changes); err != nil {
		return nil, err
	}
	return &v, nil
}
