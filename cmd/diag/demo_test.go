package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/diag"
	"github.com/peterbourgon/diag/diaghttp"
	"github.com/peterbourgon/diag/diagstore"
	"go.uber.org/zap/zaptest"
)

func TestDemo(t *testing.T) {
	t.Parallel()

	var (
		ctx         = context.Background()
		logger      = zaptest.NewLogger(t)
		eligibility = &diaghttp.CookieEligibility{Key: []byte("secret"), AllowInsecure: true}
	)

	o, err := diag.NewOrchestrator(diag.Config{
		Store:          diagstore.NewMemory(),
		Eligibility:    eligibility,
		ExplainEnabled: func(diag.RequestMeta) bool { return true },
		Logger:         logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	d, err := newDemo(ctx, o, eligibility, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.close() })

	handler := d.handler()

	// Not logged in: inactive, no headers.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/items", nil))
	if want, have := http.StatusOK, rec.Code; want != have {
		t.Fatalf("status: want %d, have %d", want, have)
	}
	if have := rec.Header().Get(diaghttp.HeaderID); have != "" {
		t.Fatalf("inactive request got correlation ID %q", have)
	}

	// Log in, and use the cookie.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/login", nil))
	cookies := rec.Result().Cookies()
	if want, have := 1, len(cookies); want != have {
		t.Fatalf("cookies: want %d, have %d", want, have)
	}

	req := httptest.NewRequest("GET", "/items?max=300", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	id := rec.Header().Get(diaghttp.HeaderID)
	if id == "" {
		t.Fatalf("active request has no correlation ID")
	}
	if body := rec.Body.String(); !strings.Contains(body, `<meta name="correlation_id" value="`+id+`">`) {
		t.Errorf("correlation ID not injected: %s", body)
	}

	session, err := o.Publisher().Session(ctx, id)
	if err != nil {
		t.Fatal(err)
	}

	if want, have := any("demo.items(w, r)"), session.Singular[diag.MetricView]; !cmp.Equal(want, have) {
		t.Error(cmp.Diff(want, have))
	}

	queries := session.Queries[diag.QueryClassSQL]
	if want, have := 1, len(queries); want != have {
		t.Fatalf("queries: want %d, have %d", want, have)
	}
	if want, have := "SELECT", queries[0].Kind; want != have {
		t.Errorf("query kind: want %q, have %q", want, have)
	}
	if queries[0].Explain == nil {
		t.Errorf("query has no explain")
	}

	if want, have := 1, len(session.Freeform[diag.MetricLogLines]); want != have {
		t.Errorf("loglines: want %d, have %d", want, have)
	}
	if want, have := 1, len(session.Freeform[diag.MetricAnalytics]); want != have {
		t.Errorf("analytics: want %d, have %d", want, have)
	}
}

func TestServeValidate(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		cfg  serveConfig
		want string
	}{
		{"memory", serveConfig{storeKind: "memory", retention: 1, sweepInterval: 1}, ""},
		{"sqlite without DSN", serveConfig{storeKind: "sqlite", retention: 1, sweepInterval: 1}, "store sqlite requires a DSN"},
		{"zero durations", serveConfig{storeKind: "memory"}, "retention must be positive; sweep interval must be positive"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var have string
			if err := tc.cfg.validate(); err != nil {
				have = err.Error()
			}
			if (tc.want == "" && have != "") || !strings.HasSuffix(have, tc.want) {
				t.Errorf("want %q, have %q", tc.want, have)
			}
		})
	}
}

func TestSessionCommandErrors(t *testing.T) {
	t.Parallel()

	publisher, err := diag.NewPublisher(diag.PublisherConfig{Store: diagstore.NewMemory()})
	if err != nil {
		t.Fatal(err)
	}
	server, err := diaghttp.NewServer(diaghttp.ServerConfig{Reader: publisher})
	if err != nil {
		t.Fatal(err)
	}
	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)

	cfg := &sessionConfig{rootConfig: &rootConfig{
		stdout: io.Discard,
		uri:    httpServer.URL,
		output: "text",
		logger: zaptest.NewLogger(t),
	}}

	if err := cfg.Exec(context.Background(), nil); err == nil {
		t.Errorf("want error without correlation ID, have none")
	}

	err = cfg.Exec(context.Background(), []string{"missing"})
	if !errors.Is(err, diag.ErrNotFound) {
		t.Errorf("want %v, have %v", diag.ErrNotFound, err)
	}
	if want, have := "fetch session: ", err.Error(); !strings.HasPrefix(have, want) {
		t.Errorf("want prefix %q, have %q", want, have)
	}
}
