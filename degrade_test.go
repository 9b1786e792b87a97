package diag_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/peterbourgon/diag"
)

func TestDegradeUnderBudget(t *testing.T) {
	t.Parallel()

	c := diag.NewContainer("id", true)
	text := "SELECT /* hint */ " + strings.Repeat("x", 100)
	c.AddQuery(diag.QueryClassSQL, "SELECT", text, t0, t1, true, []any{"plan"})
	c.AddFreeform(diag.MetricLogLines, []string{"INFO", "hello"})

	AssertEqual(t, diag.DegradeNone, c.Degrade(diag.MaxSessionBytes))

	m := queries(c)[0]
	AssertEqual(t, text, m.Query.Text)
	AssertEqual[any](t, []any{"plan"}, m.Query.Explain)
}

func TestDegradeTruncate(t *testing.T) {
	t.Parallel()

	c := diag.NewContainer("id", true)
	c.AddTimed("cache", "get", t0, t1)
	for i := 0; i < 3; i++ {
		c.AddQuery(diag.QueryClassSQL, "SELECT", fmt.Sprintf("SELECT /* caller %d */ %s", i, strings.Repeat("ä", 200)), t0, t1, true, []any{"plan"})
	}
	c.AddQuery("Redis", "GET", strings.Repeat("k", 200), t1, t2, false, nil)
	for i := 0; i < 1000; i++ {
		c.AddFreeform(diag.MetricLogLines, []string{"INFO", strings.Repeat("l", 100)})
	}

	budget := 20_000
	AssertTrue(t, c.Size() > budget, "setup: size %d should exceed budget", c.Size())
	AssertEqual(t, diag.DegradeTruncate, c.Degrade(budget))
	AssertTrue(t, c.Size() <= budget, "size %d should fit budget %d", c.Size(), budget)

	for _, m := range queries(c) {
		if m.Name != diag.QueryClassSQL {
			AssertEqual(t, 200, len(m.Query.Text))
			continue
		}
		AssertTrue(t, utf8.RuneCountInString(m.Query.Text) <= 53, "query too long: %q", m.Query.Text)
		AssertTrue(t, !strings.Contains(m.Query.Text, "/*"), "comment not stripped: %q", m.Query.Text)
		AssertTrue(t, strings.HasSuffix(m.Query.Text, "..."), "missing ellipsis: %q", m.Query.Text)
		AssertEqual[any](t, nil, m.Query.Explain)
		AssertEqual(t, diag.SpanOf(t0, t1), m.Span)
	}

	var loglines []any
	for _, m := range c.Metrics() {
		switch {
		case m.Kind == diag.KindFreeform && m.Name == diag.MetricLogLines:
			loglines = append(loglines, m.Value)
		case m.Kind == diag.KindTimed:
			AssertEqual(t, diag.SpanOf(t0, t1), m.Span)
		}
	}
	AssertEqual(t, []any{[]string{"ERROR", "Logs too big for storage"}}, loglines)
}

func TestDegradeTruncateWithoutLogLines(t *testing.T) {
	t.Parallel()

	c := diag.NewContainer("id", true)
	c.AddQuery(diag.QueryClassSQL, "SELECT", "SELECT /* c */ 1", t0, t1, false, nil)
	for i := 0; i < 40; i++ {
		c.AddQuery(diag.QueryClassSQL, "SELECT", "SELECT "+strings.Repeat("z", 500), t0, t1, true, []any{"plan"})
	}

	budget := 10_000
	AssertTrue(t, c.Size() > budget, "setup: size %d should exceed budget", c.Size())
	AssertEqual(t, diag.DegradeTruncate, c.Degrade(budget))

	AssertEqual(t, "SELECT  1...", queries(c)[0].Query.Text)

	var loglines []any
	for _, m := range c.Metrics() {
		if m.Kind == diag.KindFreeform && m.Name == diag.MetricLogLines {
			loglines = append(loglines, m.Value)
		}
	}
	AssertEqual(t, []any{[]string{"ERROR", "Logs too big for storage"}}, loglines)
}

func TestDegradeBlank(t *testing.T) {
	t.Parallel()

	c := diag.NewContainer("id", true)
	for i := 0; i < 100; i++ {
		c.AddQuery(diag.QueryClassSQL, "SELECT", strings.Repeat("q", 200), t0, t1, true, []any{"plan"})
	}

	AssertEqual(t, diag.DegradeBlank, c.Degrade(1))

	for _, m := range queries(c) {
		AssertEqual(t, "", m.Query.Text)
		AssertEqual[any](t, nil, m.Query.Explain)
		AssertEqual(t, diag.SpanOf(t0, t1), m.Span)
	}
}

func TestDegradeIdempotentMonotonic(t *testing.T) {
	t.Parallel()

	c := diag.NewContainer("id", true)
	for i := 0; i < 50; i++ {
		c.AddQuery(diag.QueryClassSQL, "SELECT", "SELECT "+strings.Repeat("c", 100), t0, t1, false, nil)
		c.AddFreeform(diag.MetricLogLines, []string{"WARN", strings.Repeat("w", 100)})
	}

	sizes := []int{c.Size()}
	for _, budget := range []int{4000, 4000, 1, 1} {
		c.Degrade(budget)
		sizes = append(sizes, c.Size())
	}

	for i := 1; i < len(sizes); i++ {
		AssertTrue(t, sizes[i] <= sizes[i-1], "size grew: %v", sizes)
	}
	AssertEqual(t, sizes[1], sizes[2])
	AssertEqual(t, sizes[3], sizes[4])

	before := c.Metrics()
	AssertEqual(t, diag.DegradeBlank, c.Degrade(1))
	AssertEqual(t, before, c.Metrics())
}

func TestDegradeAndPublishOnce(t *testing.T) {
	t.Parallel()

	var (
		ctx = context.Background()
		c   = diag.NewContainer("abc", true)
		p   = &capturePublisher{}
	)
	c.AddSingular("a", 1)

	report, err := c.DegradeAndPublish(ctx, p)
	AssertNoError(t, err)
	AssertEqual(t, diag.DegradeNone, report.Stage)
	AssertEqual(t, len(p.payloads["abc"]), report.Bytes)

	_, err = c.DegradeAndPublish(ctx, p)
	AssertTrue(t, errors.Is(err, diag.ErrAlreadyPublished), "want ErrAlreadyPublished, have %v", err)
	AssertEqual(t, 1, p.calls)
}

func TestDegradeAndPublishInactive(t *testing.T) {
	t.Parallel()

	p := &capturePublisher{}
	_, err := diag.NewContainer("abc", false).DegradeAndPublish(context.Background(), p)
	AssertNoError(t, err)
	AssertEqual(t, 0, p.calls)
}

func queries(c *diag.Container) []diag.Metric {
	var res []diag.Metric
	for _, m := range c.Metrics() {
		if m.Kind == diag.KindQuery {
			res = append(res, m)
		}
	}
	return res
}
