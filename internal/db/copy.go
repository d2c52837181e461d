package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Batch is a set of rows bound for one table through COPY.
type Batch struct {
	Table   string
	Columns []string
	// Key is the unique column set. Rows whose key already exists are
	// skipped.
	Key  []string
	Rows [][]any
}

// InsertNew copies b into a transaction-scoped staging table and moves the
// rows whose key is not yet present into b.Table. It returns the number of
// rows inserted.
func InsertNew(ctx context.Context, pool Pool, b Batch) (int64, error) {
	if len(b.Rows) == 0 {
		return 0, nil
	}
	if len(b.Columns) == 0 || len(b.Key) == 0 {
		return 0, eris.Errorf("db: insert into %s: columns and key are required", b.Table)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	staging := stagingTable(b.Table)
	create := "CREATE TEMP TABLE " + pgx.Identifier{staging}.Sanitize() +
		" (LIKE " + qualified(b.Table) + " INCLUDING DEFAULTS) ON COMMIT DROP"
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: stage %s", b.Table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, b.Columns, pgx.CopyFromRows(b.Rows)); err != nil {
		return 0, eris.Wrapf(err, "db: copy %s", b.Table)
	}
	tag, err := tx.Exec(ctx, InsertNewSQL(b))
	if err != nil {
		return 0, eris.Wrapf(err, "db: insert into %s", b.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: commit")
	}
	return tag.RowsAffected(), nil
}

// InsertNewSQL is the statement that moves staged rows into the table.
func InsertNewSQL(b Batch) string {
	cols := identList(b.Columns)
	return "INSERT INTO " + qualified(b.Table) + " (" + cols + ") SELECT " + cols +
		" FROM " + pgx.Identifier{stagingTable(b.Table)}.Sanitize() +
		" ON CONFLICT (" + identList(b.Key) + ") DO NOTHING"
}

func stagingTable(table string) string {
	return "_stage_" + strings.ReplaceAll(table, ".", "_")
}

// qualified quotes an optionally schema-qualified table name.
func qualified(table string) string {
	return pgx.Identifier(strings.SplitN(table, ".", 2)).Sanitize()
}

func identList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = pgx.Identifier{n}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
