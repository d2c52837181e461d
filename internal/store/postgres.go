package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/diligence-cli/internal/db"
	"github.com/sells-group/diligence-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const (
	pgGetRun = `SELECT id, case_id, name, status, model_tier, synthesis_data, created_at, updated_at FROM runs WHERE id = $1`

	pgUpdateRunStatus = `UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`

	pgClaimRun = `UPDATE runs SET status = 'processing', updated_at = $2
		WHERE id = $1 AND NOT EXISTS (
			SELECT 1 FROM runs other
			WHERE other.case_id = runs.case_id AND other.status = 'processing' AND other.id <> runs.id
		)`

	pgLoadCheckpoint = `SELECT data, version FROM checkpoints WHERE run_id = $1`

	pgSaveCheckpoint = `UPDATE checkpoints SET data = $1, status = $2, current_pass = $3, version = $4, updated_at = $5
		WHERE run_id = $6 AND version = $7`

	pgSetDocumentStatus = `UPDATE documents SET processing_status = $1, page_count = GREATEST(page_count, $2), updated_at = $3 WHERE id = $4`

	pgSelectFindings = `SELECT id, run_id, risk_id, pass, category, detail, status, deal_impact, body, created_at, updated_at FROM findings`

	pgSelectVersions = `SELECT id, run_id, version, content, refinement_prompt, changes, is_current, change_summary, created_at FROM report_versions`
)

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"get_run":             pgGetRun,
	"update_run_status":   pgUpdateRunStatus,
	"load_checkpoint":     pgLoadCheckpoint,
	"save_checkpoint":     pgSaveCheckpoint,
	"set_document_status": pgSetDocumentStatus,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// The checkpoint and report payloads use JSON rather than JSONB so that the
// stored text, including map key order, round-trips exactly.
const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	case_id        TEXT NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	model_tier     TEXT NOT NULL DEFAULT 'balanced',
	synthesis_data JSON,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_case_id ON runs(case_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_processing ON runs(case_id) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id       TEXT PRIMARY KEY REFERENCES runs(id) ON DELETE CASCADE,
	status       TEXT NOT NULL,
	current_pass INTEGER NOT NULL,
	data         JSON NOT NULL,
	version      BIGINT NOT NULL DEFAULT 1,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS documents (
	id                TEXT PRIMARY KEY,
	case_id           TEXT NOT NULL,
	name              TEXT NOT NULL,
	mime_type         TEXT NOT NULL,
	blob_key          TEXT NOT NULL,
	processing_status TEXT NOT NULL DEFAULT 'pending',
	page_count        INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_documents_case_id ON documents(case_id);

CREATE TABLE IF NOT EXISTS risks (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	category   TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	body        JSON NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_findings_run_id ON findings(run_id);
CREATE INDEX IF NOT EXISTS idx_findings_risk_id ON findings(risk_id);

CREATE TABLE IF NOT EXISTS report_versions (
	id                TEXT PRIMARY KEY,
	run_id            TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	version           INTEGER NOT NULL,
	content           JSON NOT NULL,
	refinement_prompt TEXT NOT NULL DEFAULT '',
	changes           JSON NOT NULL,
	is_current        BOOLEAN NOT NULL DEFAULT false,
	change_summary    TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, version)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_report_versions_current ON report_versions(run_id) WHERE is_current;
`

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, caseID, name string, tier model.ModelTier) (*model.AnalysisRun, error) {
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, case_id, name, status, model_tier, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.CaseID, r.Name, string(r.Status), string(r.ModelTier), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return r, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.AnalysisRun, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx, pgGetRun, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisRun, error) {
	query := `SELECT id, case_id, name, status, model_tier, synthesis_data, created_at, updated_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.CaseID != "" {
		query += fmt.Sprintf(` AND case_id = $%d`, argIdx)
		args = append(args, filter.CaseID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.AnalysisRun
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) ClaimRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, pgClaimRun, runID, time.Now().UTC())
	if isUniqueViolation(err) {
		return eris.Wrapf(ErrConflict, "postgres: claim run %s: case busy", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: claim run %s", runID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	return eris.Wrapf(ErrConflict, "postgres: claim run %s: case busy", runID)
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx, pgUpdateRunStatus, string(status), time.Now().UTC(), runID)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	return pgRowsAffected(tag, "run", runID)
}

func (s *PostgresStore) SetSynthesis(ctx context.Context, runID string, data *model.SynthesisData) error {
	payload, err := encodeSynthesis(data)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET synthesis_data = $1, updated_at = $2 WHERE id = $3`,
		payload, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set synthesis %s", runID)
	}
	return pgRowsAffected(tag, "run", runID)
}

func (s *PostgresStore) DeleteRun(ctx context.Context, runID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: delete run: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: delete run %s", runID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: delete run %s", runID)
	}
	if model.RunStatus(status) == model.RunStatusProcessing {
		return eris.Wrapf(ErrConflict, "postgres: delete run %s: run is processing", runID)
	}

	for _, q := range []string{
		`DELETE FROM report_versions WHERE run_id = $1`,
		`DELETE FROM findings WHERE run_id = $1`,
		`DELETE FROM risks WHERE run_id = $1`,
		`DELETE FROM checkpoints WHERE run_id = $1`,
		`DELETE FROM runs WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, runID); err != nil {
			return eris.Wrapf(err, "postgres: delete run %s", runID)
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: delete run: commit")
}

// --- Checkpoints ---

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	var data []byte
	var version int64
	err := s.pool.QueryRow(ctx, pgLoadCheckpoint, runID).Scan(&data, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: load checkpoint")
	}
	return decodeCheckpoint(data, version)
}

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	now := time.Now().UTC()
	data, err := encodeCheckpoint(cp, 1, now)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (run_id, status, current_pass, data, version, updated_at)
		 VALUES ($1, $2, $3, $4, 1, $5)
		 ON CONFLICT (run_id) DO NOTHING`,
		cp.RunID, string(cp.Status), cp.CurrentPass, data, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: create checkpoint %s", cp.RunID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "postgres: create checkpoint %s: already exists", cp.RunID)
	}
	cp.Version = 1
	cp.LastUpdated = now
	return nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	now := time.Now().UTC()
	next := cp.Version + 1
	data, err := encodeCheckpoint(cp, next, now)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, pgSaveCheckpoint,
		data, string(cp.Status), cp.CurrentPass, next, now, cp.RunID, cp.Version,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save checkpoint %s", cp.RunID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStaleCheckpoint, "postgres: save checkpoint %s at version %d", cp.RunID, cp.Version)
	}
	cp.Version = next
	cp.LastUpdated = now
	return nil
}

// --- Documents ---

func (s *PostgresStore) AddDocument(ctx context.Context, doc *model.Document) error {
	now := time.Now().UTC()
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	if doc.ProcessingStatus == "" {
		doc.ProcessingStatus = model.DocPending
	}
	doc.CreatedAt, doc.UpdatedAt = now, now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, case_id, name, mime_type, blob_key, processing_status, page_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		doc.ID, doc.CaseID, doc.Name, doc.MimeType, doc.BlobKey, string(doc.ProcessingStatus), doc.PageCount, now, now,
	)
	return eris.Wrap(err, "postgres: insert document")
}

func (s *PostgresStore) ListDocuments(ctx context.Context, caseID string) ([]model.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, case_id, name, mime_type, blob_key, processing_status, page_count, created_at, updated_at
		 FROM documents WHERE case_id = $1 ORDER BY id`,
		caseID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list documents")
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		if err := rows.Scan(&d.ID, &d.CaseID, &d.Name, &d.MimeType, &d.BlobKey,
			&d.ProcessingStatus, &d.PageCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "postgres: list documents iterate")
}

func (s *PostgresStore) SetDocumentStatus(ctx context.Context, docID string, status model.ProcessingStatus, pageCount int) error {
	tag, err := s.pool.Exec(ctx, pgSetDocumentStatus, string(status), pageCount, time.Now().UTC(), docID)
	if err != nil {
		return eris.Wrapf(err, "postgres: set document status %s", docID)
	}
	return pgRowsAffected(tag, "document", docID)
}

func (s *PostgresStore) DocumentProgress(ctx context.Context, caseID string) (model.Progress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT processing_status, COUNT(*) FROM documents WHERE case_id = $1 GROUP BY processing_status`,
		caseID,
	)
	if err != nil {
		return model.Progress{}, eris.Wrap(err, "postgres: document progress")
	}
	defer rows.Close()

	counts := make(map[model.ProcessingStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return model.Progress{}, eris.Wrap(err, "postgres: scan document progress")
		}
		counts[model.ProcessingStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return model.Progress{}, eris.Wrap(err, "postgres: document progress iterate")
	}
	return progressFromCounts(counts), nil
}

// --- Risks ---

func (s *PostgresStore) UpsertRisk(ctx context.Context, risk *model.Risk) error {
	now := time.Now().UTC()
	if risk.CreatedAt.IsZero() {
		risk.CreatedAt = now
	}
	risk.UpdatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risks (id, run_id, category, detail, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		risk.ID, risk.RunID, risk.Category, risk.Detail, risk.CreatedAt, risk.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: upsert risk %s", risk.ID)
}

func (s *PostgresStore) GetRisk(ctx context.Context, riskID string) (*model.Risk, error) {
	var r model.Risk
	err := s.pool.QueryRow(ctx,
		`SELECT id, run_id, category, detail, created_at, updated_at FROM risks WHERE id = $1`,
		riskID,
	).Scan(&r.ID, &r.RunID, &r.Category, &r.Detail, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get risk %s", riskID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get risk %s", riskID)
	}
	return &r, nil
}

func (s *PostgresStore) EditRiskDetail(ctx context.Context, riskID, detail string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: edit risk: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `UPDATE risks SET detail = $1, updated_at = $2 WHERE id = $3`, detail, now, riskID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: edit risk %s", riskID)
	}
	if err := pgRowsAffected(tag, "risk", riskID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`UPDATE findings SET status = 'Deleted', updated_at = $1 WHERE risk_id = $2 RETURNING id`,
		now, riskID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: invalidate findings of risk %s", riskID)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan invalidated finding")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: invalidate findings iterate")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: edit risk: commit")
	}
	return ids, nil
}

// --- Findings ---

func (s *PostgresStore) InsertFindings(ctx context.Context, findings []model.Finding) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(findings))
	for i := range findings {
		row, err := findingRow(&findings[i], now)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	n, err := db.InsertNew(ctx, s.pool, db.Batch{
		Table:   "findings",
		Columns: findingColumns,
		Key:     []string{"id"},
		Rows:    rows,
	})
	return n, eris.Wrap(err, "postgres: insert findings")
}

func (s *PostgresStore) UpdateFinding(ctx context.Context, f *model.Finding) error {
	body, err := encodeFindingBody(f)
	if err != nil {
		return err
	}
	f.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE findings SET detail = $1, deal_impact = $2, body = $3, updated_at = $4 WHERE id = $5`,
		f.Detail, string(f.DealImpact), body, f.UpdatedAt, f.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update finding %s", f.ID)
	}
	return pgRowsAffected(tag, "finding", f.ID)
}

func (s *PostgresStore) GetFinding(ctx context.Context, findingID string) (*model.Finding, error) {
	f, err := scanFinding(s.pool.QueryRow(ctx, pgSelectFindings+` WHERE id = $1`, findingID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get finding %s", findingID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get finding %s", findingID)
	}
	return f, nil
}

func (s *PostgresStore) ListFindings(ctx context.Context, filter FindingFilter) ([]model.Finding, error) {
	query := pgSelectFindings + ` WHERE run_id = $1`
	args := []any{filter.RunID}
	argIdx := 2

	if filter.RiskID != "" {
		query += fmt.Sprintf(` AND risk_id = $%d`, argIdx)
		args = append(args, filter.RiskID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY pass, created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list findings")
	}
	defer rows.Close()

	var out []model.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan finding")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list findings iterate")
}

func (s *PostgresStore) UpdateFindingStatus(ctx context.Context, findingID string, status model.FindingStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE findings SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), findingID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update finding status %s", findingID)
	}
	return pgRowsAffected(tag, "finding", findingID)
}

// --- Report versions ---

func (s *PostgresStore) CreateReportVersion(ctx context.Context, v *model.ReportVersion) error {
	content, changes, err := encodeVersion(v)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: create version: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Lock the run row so concurrent refinements number versions serially.
	var runID string
	err = tx.QueryRow(ctx, `SELECT id FROM runs WHERE id = $1 FOR UPDATE`, v.RunID).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: create version: run %s", v.RunID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: create version: lock run %s", v.RunID)
	}

	var latest int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM report_versions WHERE run_id = $1`, v.RunID,
	).Scan(&latest); err != nil {
		return eris.Wrap(err, "postgres: create version: max version")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE report_versions SET is_current = false WHERE run_id = $1 AND is_current`, v.RunID,
	); err != nil {
		return eris.Wrap(err, "postgres: create version: clear current")
	}

	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	v.Version = latest + 1
	v.IsCurrent = true
	v.CreatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`INSERT INTO report_versions (id, run_id, version, content, refinement_prompt, changes, is_current, change_summary, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, true, $7, $8)`,
		v.ID, v.RunID, v.Version, content, v.RefinementPrompt, changes, v.ChangeSummary, v.CreatedAt,
	); err != nil {
		return eris.Wrap(err, "postgres: create version: insert")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE runs SET synthesis_data = $1, updated_at = $2 WHERE id = $3`,
		content, v.CreatedAt, v.RunID,
	); err != nil {
		return eris.Wrap(err, "postgres: create version: update run synthesis")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: create version: commit")
}

func (s *PostgresStore) ListReportVersions(ctx context.Context, runID string) ([]model.ReportVersion, error) {
	rows, err := s.pool.Query(ctx, pgSelectVersions+` WHERE run_id = $1 ORDER BY version DESC`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list versions")
	}
	defer rows.Close()

	var out []model.ReportVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan version")
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list versions iterate")
}

func (s *PostgresStore) GetCurrentReportVersion(ctx context.Context, runID string) (*model.ReportVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx, pgSelectVersions+` WHERE run_id = $1 AND is_current`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get current version")
	}
	return v, nil
}

// --- helpers ---

func pgRowsAffected(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanPgRun(row scannable) (*model.AnalysisRun, error) {
	var r model.AnalysisRun
	var synthesis []byte
	if err := row.Scan(&r.ID, &r.CaseID, &r.Name, &r.Status, &r.ModelTier, &synthesis, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	sd, err := decodeSynthesis(synthesis)
	if err != nil {
		return nil, err
	}
	r.SynthesisData = sd
	return &r, nil
}
