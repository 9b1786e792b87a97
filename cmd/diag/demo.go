package main

import (
	"context"
	"database/sql"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"github.com/peterbourgon/diag"
	"github.com/peterbourgon/diag/diaghttp"
	"github.com/peterbourgon/diag/diaglog"
	"github.com/peterbourgon/diag/diagsql"
	"go.uber.org/zap"
)

// demo is a small instrumented app, for trying out the diagnostics system
// without integrating it into a real one.
type demo struct {
	orchestrator *diag.Orchestrator
	eligibility  *diaghttp.CookieEligibility
	db           *diagsql.DB
	logger       *zap.Logger
}

func newDemo(ctx context.Context, o *diag.Orchestrator, e *diaghttp.CookieEligibility, logger *zap.Logger) (*demo, error) {
	dsn := fmt.Sprintf("file:demo-%s?mode=memory&cache=shared", diag.NewCorrelationID())
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS items (id INTEGER PRIMARY KEY, name TEXT NOT NULL, price INTEGER NOT NULL)`,
		`INSERT INTO items (name, price) VALUES ('widget', 250), ('gadget', 1200), ('gizmo', 75)`,
	} {
		if _, err := sqldb.ExecContext(ctx, stmt); err != nil {
			sqldb.Close()
			return nil, errors.Wrap(err, "initialize database")
		}
	}

	return &demo{
		orchestrator: o,
		eligibility:  e,
		db:           diagsql.Wrap(sqldb),
		logger:       logger.With(zap.String("component", "demo")),
	}, nil
}

func (d *demo) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /login", d.route("login", d.handleLogin))
	mux.Handle("GET /items", d.route("items", d.handleItems))
	mux.Handle("GET /slow", d.route("slow", d.handleSlow))
	return diaghttp.Middleware(d.orchestrator, diaghttp.MiddlewareConfig{Logger: d.logger})(mux)
}

func (d *demo) route(name string, fn http.HandlerFunc) http.Handler {
	return diaghttp.WithHandler(d.orchestrator, diag.HandlerDescriptor{
		Name:   "demo." + name,
		Params: []string{"w", "r"},
		File:   "cmd/diag/demo.go",
	}, fn)
}

func (d *demo) close() error {
	return d.db.Unwrap().Close()
}

// handleLogin issues a signed client token cookie, which makes subsequent
// requests from the client eligible for diagnostics.
func (d *demo) handleLogin(w http.ResponseWriter, r *http.Request) {
	token := diag.NewCorrelationID()
	http.SetCookie(w, d.eligibility.Cookie(token))
	diaglog.Logger(r.Context(), d.logger).Info("issued client token")
	fmt.Fprintf(w, "client token: %s\n", token)
}

func (d *demo) handleItems(w http.ResponseWriter, r *http.Request) {
	var (
		ctx      = r.Context()
		logger   = diaglog.Logger(ctx, d.logger)
		maxPrice = r.URL.Query().Get("max")
		query    = `SELECT name, price FROM items ORDER BY price`
		args     []any
	)

	if maxPrice != "" {
		query = `SELECT name, price FROM items WHERE price <= ? ORDER BY price`
		args = append(args, maxPrice)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		logger.Error("query items", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer rows.Close()

	var items []string
	for rows.Next() {
		var (
			name  string
			price int
		)
		if err := rows.Scan(&name, &price); err != nil {
			logger.Error("scan item", zap.Error(err))
			continue
		}
		items = append(items, fmt.Sprintf("<li>%s: %d</li>", html.EscapeString(name), price))
	}

	logger.Info("listed items", zap.Int("count", len(items)), zap.String("max", maxPrice))

	diag.FromContext(ctx).AddAnalyticsAction(map[string]any{
		"actions": []string{"list_items"},
		"count":   len(items),
	})

	w.Header().Set("content-type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<html><head><title>items</title></head><body><ul>%s</ul></body></html>", strings.Join(items, ""))
}

// handleSlow burns CPU for a while, so the profiler has something to see.
func (d *demo) handleSlow(w http.ResponseWriter, r *http.Request) {
	var (
		deadline = time.Now().Add(100 * time.Millisecond)
		n        uint64
	)
	for time.Now().Before(deadline) {
		n = n*31 + 7
	}
	diaglog.Logger(r.Context(), d.logger).Debug("slow finished", zap.Uint64("n", n))
	fmt.Fprintf(w, "%d\n", n)
}
