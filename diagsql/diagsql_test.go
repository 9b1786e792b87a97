package diagsql_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "github.com/mattn/go-sqlite3"
	"github.com/peterbourgon/diag"
	"github.com/peterbourgon/diag/diagsql"
	"github.com/peterbourgon/diag/diagstore"
)

func TestRecording(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		explain bool
	}{
		{"plain", false},
		{"explain", true},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			db := openDB(t)
			o, err := diag.NewOrchestrator(diag.Config{
				Store:          diagstore.NewMemory(),
				Eligibility:    always{},
				ExplainEnabled: func(diag.RequestMeta) bool { return tc.explain },
			})
			if err != nil {
				t.Fatal(err)
			}

			ctx, req := o.Begin(context.Background(), diag.RequestMeta{Method: "GET", Path: "/"})

			if _, err := db.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "a", "1"); err != nil {
				t.Fatal(err)
			}
			var v string
			if err := db.QueryRowContext(ctx, "SELECT v FROM kv WHERE k = ?", "a").Scan(&v); err != nil {
				t.Fatal(err)
			}
			if _, err := db.ExecContext(ctx, "DELETE FROM kv WHERE k = 'zzz' "+diagsql.SkipSuffix); err != nil {
				t.Fatal(err)
			}
			if _, err := db.QueryContext(ctx, "SELECT nope FROM nowhere"); err == nil {
				t.Fatal("want error from invalid query")
			}

			var (
				kinds    []string
				explains []bool
			)
			for _, m := range req.Container().Metrics() {
				if m.Kind != diag.KindQuery {
					continue
				}
				kinds = append(kinds, m.Query.Kind)
				explains = append(explains, m.Query.Explain != nil)
				if !m.Query.NeedsFormat {
					t.Errorf("%s: NeedsFormat should be set", m.Query.Text)
				}
			}

			if want, have := []string{"INSERT", "SELECT", "SELECT"}, kinds; !cmp.Equal(want, have) {
				t.Fatal(cmp.Diff(want, have))
			}

			// The invalid query can't be explained, and the failure is
			// swallowed.
			if want, have := []bool{tc.explain, tc.explain, false}, explains; !cmp.Equal(want, have) {
				t.Fatal(cmp.Diff(want, have))
			}

			o.End(ctx, req, diag.ResponseMeta{Status: 200})
		})
	}
}

func TestNoRequest(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	if _, err := db.ExecContext(context.Background(), "INSERT INTO kv (k, v) VALUES (?, ?)", "a", "1"); err != nil {
		t.Fatal(err)
	}
}

func TestKind(t *testing.T) {
	t.Parallel()

	for input, want := range map[string]string{
		"select 1":              "SELECT",
		"  \n update t set x=1": "UPDATE",
		"":                      "",
	} {
		if have := diagsql.Kind(input); want != have {
			t.Errorf("%q: want %q, have %q", input, want, have)
		}
	}

	if !diagsql.Skipped("SELECT 1 /* diag:skip */\n") {
		t.Errorf("trailing whitespace should be ignored")
	}
}

func openDB(t *testing.T) *diagsql.DB {
	t.Helper()

	sqldb, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqldb.Close() })

	if _, err := sqldb.Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)"); err != nil {
		t.Fatal(err)
	}

	return diagsql.Wrap(sqldb)
}

type always struct{}

func (always) IsEligible(diag.RequestMeta) bool            { return true }
func (always) ClientToken(diag.RequestMeta) (string, bool) { return "", false }
