package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/peterbourgon/diag/internal/diagutil"
	"go.uber.org/zap"
)

type historyConfig struct {
	*rootConfig
}

func (cfg *historyConfig) Exec(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("history requires exactly one client token")
	}
	token := args[0]

	cfg.logger.Debug("fetching history", zap.String("uri", cfg.uri))

	entries, err := cfg.client().History(ctx, token)
	if err != nil {
		return errors.Wrap(err, "fetch history")
	}

	cfg.logger.Debug("fetched history", zap.Int("count", len(entries)))

	switch cfg.output {
	case "ndjson":
		for _, e := range entries {
			if err := cfg.encode(e); err != nil {
				return err
			}
		}
		return nil

	case "prettyjson":
		return cfg.encode(entries)
	}

	tw := tabwriter.NewWriter(cfg.stdout, 0, 2, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "START\tMETHOD\tPATH\tSTATUS\tDURATION\tCORRELATION ID\n")
	for i := len(entries) - 1; i >= 0; i-- { // newest first
		e := entries[i]
		start := time.Unix(0, int64(e.Start*float64(time.Second))).Format(time.RFC3339)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", start, e.Method, e.Path, e.Status, diagutil.HumanizeSeconds(e.Duration), e.CorrelationID)
	}

	return nil
}
