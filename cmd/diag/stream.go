package main

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/peterbourgon/diag"
	"github.com/peterbourgon/diag/diaghttp"
	"github.com/peterbourgon/diag/internal/diagutil"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"go.uber.org/zap"
)

type streamConfig struct {
	*rootConfig

	token         string
	recvBuf       int
	retryInterval time.Duration
}

func (cfg *streamConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 't', LongName: "token" /*          */, Value: ffval.NewValue(&cfg.token) /*                               */, Usage: "only sessions of this client token", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "recv-buffer" /*    */, Value: ffval.NewValueDefault(&cfg.recvBuf, 100) /*                 */, Usage: "local receive buffer size"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "retry-interval" /* */, Value: ffval.NewValueDefault(&cfg.retryInterval, 3*time.Second) /* */, Usage: "connection retry interval"})
}

func (cfg *streamConfig) Exec(ctx context.Context, args []string) error {
	cfg.logger.Info("streaming", zap.String("uri", cfg.uri), zap.Bool("filtered", cfg.token != ""))

	summaries := make(chan diag.SessionSummary, cfg.recvBuf)

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		client := &diaghttp.StreamClient{
			URI:           cfg.uri,
			Token:         cfg.token,
			RetryInterval: cfg.retryInterval,
		}
		g.Add(func() error {
			return client.Stream(ctx, summaries)
		}, func(error) {
			cancel()
		})
	}

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return cfg.writeSummaries(ctx, summaries)
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	return g.Run()
}

func (cfg *streamConfig) writeSummaries(ctx context.Context, summaries <-chan diag.SessionSummary) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case s := <-summaries:
			switch cfg.output {
			case "ndjson", "prettyjson":
				if err := cfg.encode(s); err != nil {
					return err
				}
			default:
				fmt.Fprintf(cfg.stdout, "%s %s %s %d %s %s stage=%d\n",
					s.CorrelationID,
					s.Method,
					s.Path,
					s.Status,
					diagutil.HumanizeDuration(s.Duration),
					diagutil.HumanizeBytes(s.Bytes),
					s.Stage,
				)
			}
		}
	}
}
