// Package diaglog captures the log entries written while serving a request
// as log lines in the request's diagnostics container.
package diaglog

import (
	"context"
	"strings"

	"github.com/peterbourgon/diag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger returns a logger which writes to base and, if the request in the
// context is active, also records every entry as a log line. Inactive
// requests get base unchanged.
func Logger(ctx context.Context, base *zap.Logger) *zap.Logger {
	c := diag.FromContext(ctx)
	if !c.Active() {
		return base
	}
	return base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, NewCore(c, zapcore.DebugLevel))
	}))
}

// NewCore returns a core which records entries at or above the given level
// in the container, as [LEVEL, message and fields] pairs under the loglines
// freeform metric.
func NewCore(c *diag.Container, enab zapcore.LevelEnabler) zapcore.Core {
	return &core{
		LevelEnabler: enab,
		c:            c,
		enc: zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			MessageKey:     "msg",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
		}),
	}
}

type core struct {
	zapcore.LevelEnabler
	c   *diag.Container
	enc zapcore.Encoder
}

func (co *core) With(fields []zapcore.Field) zapcore.Core {
	clone := &core{
		LevelEnabler: co.LevelEnabler,
		c:            co.c,
		enc:          co.enc.Clone(),
	}
	for i := range fields {
		fields[i].AddTo(clone.enc)
	}
	return clone
}

func (co *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if co.Enabled(ent.Level) {
		return ce.AddCore(ent, co)
	}
	return ce
}

func (co *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := co.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	defer buf.Free()

	line := strings.TrimSuffix(buf.String(), zapcore.DefaultLineEnding)
	co.c.AddFreeform(diag.MetricLogLines, []string{ent.Level.CapitalString(), line})
	return nil
}

func (co *core) Sync() error {
	return nil
}
