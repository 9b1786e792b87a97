package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/cockroachdb/errors"
	"github.com/peterbourgon/diag"
	"github.com/peterbourgon/diag/internal/diagutil"
	"go.uber.org/zap"
)

type sessionConfig struct {
	*rootConfig
}

func (cfg *sessionConfig) Exec(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("session requires exactly one correlation ID")
	}
	correlationID := args[0]

	cfg.logger.Debug("fetching session", zap.String("uri", cfg.uri), zap.String("correlation_id", correlationID))

	s, err := cfg.client().Session(ctx, correlationID)
	if err != nil {
		return errors.Wrap(err, "fetch session")
	}

	if cfg.output != "text" {
		return cfg.encode(s)
	}

	return writeSession(cfg.stdout, s)
}

func writeSession(w io.Writer, s *diag.Session) error {
	tw := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "correlation_id\t%s\n", s.CorrelationID)
	fmt.Fprintf(tw, "active\t%v\n", s.Active)

	for _, name := range sortedKeys(s.Singular) {
		fmt.Fprintf(tw, "%s\t%v\n", name, s.Singular[name])
	}

	for _, name := range sortedKeys(s.Timed) {
		for _, tv := range s.Timed[name] {
			fmt.Fprintf(tw, "%s\t%v\t%s\n", name, tv.Value, diagutil.HumanizeDuration(tv.Span.Duration()))
		}
	}

	for _, class := range sortedKeys(s.Queries) {
		for _, q := range s.Queries[class] {
			fmt.Fprintf(tw, "%s %s\t%s\t%s\n", class, q.Kind, q.Text, diagutil.HumanizeDuration(q.Span.Duration()))
		}
	}

	for _, name := range sortedKeys(s.Freeform) {
		fmt.Fprintf(tw, "%s\t%d entries\n", name, len(s.Freeform[name]))
	}

	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
