// Package diagsql records the SQL queries made while serving a request as
// query metrics in the request's diagnostics container.
package diagsql

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/peterbourgon/diag"
)

// SkipSuffix marks a statement that shouldn't be recorded. It's appended to
// the EXPLAIN statements run by this package, so they don't record
// themselves.
const SkipSuffix = "/* diag:skip */"

// DB wraps a database handle, recording every statement made through it in
// the diagnostics container of the request in the context. When the request
// has explain enabled, the query plan of each statement is captured too.
type DB struct {
	db *sql.DB
}

// Wrap returns a recording DB which uses db.
func Wrap(db *sql.DB) *DB {
	return &DB{db: db}
}

// Unwrap returns the underlying database handle.
func (db *DB) Unwrap() *sql.DB {
	return db.db
}

// ExecContext executes a statement, and records it.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := db.db.ExecContext(ctx, query, args...)
	db.record(ctx, query, args, start, time.Now())
	return res, err
}

// QueryContext executes a query, and records it.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := db.db.QueryContext(ctx, query, args...)
	db.record(ctx, query, args, start, time.Now())
	return rows, err
}

// QueryRowContext executes a query that returns at most one row, and records
// it.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := db.db.QueryRowContext(ctx, query, args...)
	db.record(ctx, query, args, start, time.Now())
	return row
}

func (db *DB) record(ctx context.Context, query string, args []any, start, stop time.Time) {
	if Skipped(query) {
		return
	}

	c := diag.FromContext(ctx)
	if !c.Active() {
		return
	}

	var explain any
	if req, ok := diag.RequestFromContext(ctx); ok && req.ExplainEnabled() {
		explain = db.explain(ctx, query, args)
	}

	c.AddQuery(diag.QueryClassSQL, Kind(query), query, start, stop, true, explain)
}

// explain returns the rows of the query plan, or nil if it can't be
// produced.
func (db *DB) explain(ctx context.Context, query string, args []any) any {
	rows, err := db.db.QueryContext(ctx, "EXPLAIN "+query+" "+SkipSuffix, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil
	}

	plan := [][]any{}
	for rows.Next() {
		var (
			values = make([]any, len(columns))
			ptrs   = make([]any, len(columns))
		)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		plan = append(plan, values)
	}

	if rows.Err() != nil {
		return nil
	}

	return plan
}

// Skipped returns true if the statement ends with SkipSuffix.
func Skipped(query string) bool {
	return strings.HasSuffix(strings.TrimSpace(query), SkipSuffix)
}

// Kind returns the first keyword of the statement, upper-cased, e.g. SELECT.
func Kind(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
