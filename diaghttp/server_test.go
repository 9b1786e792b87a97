package diaghttp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/peterbourgon/diag"
	"github.com/peterbourgon/diag/diaghttp"
)

func TestServerClient(t *testing.T) {
	t.Parallel()

	var (
		ctx = context.Background()
		o   = newOrchestrator(t, always("abc123"))
	)

	server, err := diaghttp.NewServer(diaghttp.ServerConfig{Reader: o.Publisher(), Subscriber: o})
	AssertNoError(t, err)

	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)

	client := diaghttp.NewClient(http.DefaultClient, httpServer.URL)

	reqctx, req := o.Begin(ctx, diag.RequestMeta{Method: "GET", Path: "/foo"})
	diag.FromContext(reqctx).AddSingular("custom", "value")
	o.End(reqctx, req, diag.ResponseMeta{Status: 200})

	session, err := client.Session(ctx, req.CorrelationID())
	AssertNoError(t, err)
	AssertEqual(t, req.CorrelationID(), session.CorrelationID)
	AssertEqual[any](t, "value", session.Singular["custom"])

	history, err := client.History(ctx, "abc123")
	AssertNoError(t, err)
	AssertEqual(t, 1, len(history))
	AssertEqual(t, req.CorrelationID(), history[0].CorrelationID)

	history, err = client.History(ctx, "nobody")
	AssertNoError(t, err)
	AssertEqual(t, 0, len(history))

	_, err = client.Session(ctx, "nope")
	AssertTrue(t, errors.Is(err, diag.ErrNotFound), "want ErrNotFound, have %v", err)
}

func TestServerGzip(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(t, always(""))
	server, err := diaghttp.NewServer(diaghttp.ServerConfig{Reader: o.Publisher()})
	AssertNoError(t, err)

	ctx, req := o.Begin(context.Background(), diag.RequestMeta{Method: "GET", Path: "/"})
	for i := 0; i < 100; i++ {
		diag.FromContext(ctx).AddFreeform(diag.MetricLogLines, []string{"INFO", "a fairly repetitive log line"})
	}
	o.End(ctx, req, diag.ResponseMeta{Status: 200})

	r := httptest.NewRequest("GET", "/sessions/"+req.CorrelationID(), nil)
	r.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, r)

	AssertEqual(t, http.StatusOK, rec.Code)
	AssertEqual(t, "gzip", rec.Header().Get("Content-Encoding"))
}

func TestServerHTML(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(t, always("abc123"))
	server, err := diaghttp.NewServer(diaghttp.ServerConfig{Reader: o.Publisher()})
	AssertNoError(t, err)

	ctx, req := o.Begin(context.Background(), diag.RequestMeta{Method: "GET", Path: "/html"})
	diag.FromContext(ctx).AddQuery(diag.QueryClassSQL, "SELECT", "SELECT <1>", time.Now(), time.Now(), true, nil)
	o.End(ctx, req, diag.ResponseMeta{Status: 200})

	get := func(path, accept string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("GET", path, nil)
		r.Header.Set("Accept", accept)
		rec := httptest.NewRecorder()
		server.ServeHTTP(rec, r)
		return rec
	}

	{
		rec := get("/sessions/"+req.CorrelationID(), "text/html")
		AssertEqual(t, http.StatusOK, rec.Code)
		AssertEqual(t, "text/html; charset=utf-8", rec.Header().Get("content-type"))
		body := rec.Body.String()
		AssertTrue(t, strings.Contains(body, "<h1>"+req.CorrelationID()+"</h1>"), "missing correlation ID: %s", body)
		AssertTrue(t, strings.Contains(body, "SELECT &lt;1&gt;"), "query not escaped: %s", body)
	}

	{
		rec := get("/sessions/"+req.CorrelationID()+"?json", "text/html")
		AssertEqual(t, "application/json; charset=utf-8", rec.Header().Get("content-type"))
	}

	{
		rec := get("/history/abc123", "text/html")
		AssertEqual(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		AssertTrue(t, strings.Contains(body, `href="../sessions/`+req.CorrelationID()+`"`), "missing session link: %s", body)
	}
}

func TestServerStream(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(t, always("abc123"))
	server, err := diaghttp.NewServer(diaghttp.ServerConfig{Reader: o.Publisher(), Subscriber: o, Heartbeat: time.Second})
	AssertNoError(t, err)

	httpServer := httptest.NewServer(server)
	t.Cleanup(httpServer.Close)

	{
		resp, err := http.Get(httpServer.URL + "/stream")
		AssertNoError(t, err)
		resp.Body.Close()
		AssertEqual(t, http.StatusBadRequest, resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		summaryc = make(chan diag.SessionSummary, 10)
		errc     = make(chan error, 1)
		client   = &diaghttp.StreamClient{URI: httpServer.URL, Token: "abc123"}
	)
	go func() { errc <- client.Stream(ctx, summaryc) }()

	var summary diag.SessionSummary
	for summary.CorrelationID == "" {
		reqctx, req := o.Begin(context.Background(), diag.RequestMeta{Method: "PUT", Path: "/baz"})
		o.End(reqctx, req, diag.ResponseMeta{Status: 204})

		select {
		case summary = <-summaryc:
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("timeout waiting for stream")
		}
	}

	AssertEqual(t, "PUT", summary.Method)
	AssertEqual(t, "/baz", summary.Path)
	AssertEqual(t, 204, summary.Status)

	cancel()
	AssertNoError(t, <-errc)
}

func TestStreamClientStatus(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"no content", http.StatusNoContent, false},
		{"forbidden", http.StatusForbidden, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			t.Cleanup(server.Close)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			client := &diaghttp.StreamClient{URI: server.URL}
			err := client.Stream(ctx, make(chan diag.SessionSummary))
			AssertEqual(t, tc.wantErr, err != nil)
			AssertNoError(t, ctx.Err())
		})
	}
}

func TestStreamClientCancelWhileRetrying(t *testing.T) {
	t.Parallel()

	hits := make(chan struct{}, 100)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case hits <- struct{}{}:
		default:
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		client = &diaghttp.StreamClient{URI: server.URL, RetryInterval: time.Minute}
		errc   = make(chan error, 1)
	)
	go func() { errc <- client.Stream(ctx, make(chan diag.SessionSummary)) }()

	select {
	case <-hits:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for connect")
	}
	cancel()

	select {
	case err := <-errc:
		AssertNoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream didn't stop after cancel")
	}
}

func TestPermissionsClient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CorrelationID string `json:"correlation_id"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.CorrelationID != "abc" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"request_entity_perms": []any{"user:1", "org:2"}})
	}))
	t.Cleanup(server.Close)

	client := diaghttp.NewPermissionsClient(nil, server.URL)

	perms, err := client.RequestPermissions(context.Background(), "abc")
	AssertNoError(t, err)
	AssertEqual(t, []any{"user:1", "org:2"}, perms)

	_, err = client.RequestPermissions(context.Background(), "def")
	AssertTrue(t, err != nil, "want error")
}
