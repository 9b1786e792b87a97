package diagstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
	"github.com/peterbourgon/diag"
)

// Dialect is a supported SQL database.
type Dialect string

// Supported dialects, named after their database/sql drivers.
const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "pgx"
)

// SQL is a store backed by a single table in a SQL database. Expiry is
// checked on read, and expired rows are removed by Sweep. SQL doesn't
// implement diag.ListAppender.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	table   string
	now     func() time.Time
}

var _ diag.Store = (*SQL)(nil)

// DefaultTable is the table used by SQL stores.
const DefaultTable = "diag_kv"

// OpenSQL opens a database with the driver for the given dialect, and
// returns a store using it.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQL, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", dialect)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1) // sqlite allows one writer
	}

	s, err := NewSQL(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// NewSQL returns a store using the given database, creating its table if it
// doesn't exist.
func NewSQL(ctx context.Context, db *sql.DB, dialect Dialect) (*SQL, error) {
	var blob string
	switch dialect {
	case DialectSQLite:
		blob = "BLOB"
	case DialectPostgres:
		blob = "BYTEA"
	default:
		return nil, errors.Newf("unsupported dialect %q", dialect)
	}

	s := &SQL{
		db:      db,
		dialect: dialect,
		table:   DefaultTable,
		now:     time.Now,
	}

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, value %s NOT NULL, expires_at BIGINT NOT NULL)`, s.table, blob)
	if _, err := db.ExecContext(ctx, create); err != nil {
		return nil, errors.Wrap(err, "create table")
	}

	return s, nil
}

// Get implements diag.Store.
func (s *SQL) Get(ctx context.Context, key string) ([]byte, bool, error) {
	query := s.rebind(fmt.Sprintf(`SELECT value FROM %s WHERE name = ? AND expires_at > ?`, s.table))

	var value []byte
	err := s.db.QueryRowContext(ctx, query, key, s.now().UnixNano()).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, errors.Wrapf(err, "get %s", key)
	default:
		return value, true, nil
	}
}

// Set implements diag.Store.
func (s *SQL) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := s.rebind(fmt.Sprintf(`INSERT INTO %s (name, value, expires_at) VALUES (?, ?, ?) ON CONFLICT (name) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`, s.table))

	if _, err := s.db.ExecContext(ctx, query, key, value, s.now().Add(ttl).UnixNano()); err != nil {
		return errors.Wrapf(err, "set %s", key)
	}

	return nil
}

// Sweep deletes expired rows, and returns the number deleted.
func (s *SQL) Sweep(ctx context.Context) (int, error) {
	query := s.rebind(fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, s.table))

	res, err := s.db.ExecContext(ctx, query, s.now().UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "sweep")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}

	return int(n), nil
}

// Close the underlying database.
func (s *SQL) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *SQL) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var (
		buf = make([]byte, 0, len(query)+8)
		n   int
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			buf = fmt.Appendf(buf, "$%d", n)
			continue
		}
		buf = append(buf, query[i])
	}
	return string(buf)
}
