// diag is a CLI tool for serving and reading request diagnostics.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	var (
		ctx    = context.Background()
		stdin  = os.Stdin
		stdout = os.Stdout
		stderr = os.Stderr
		args   = os.Args[1:]
	)
	err := exec(ctx, stdin, stdout, stderr, args)
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.As(err, &(run.SignalError{})):
		os.Exit(0)
	case err != nil:
		fmt.Fprintf(stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func exec(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) (err error) {
	rootConfig := &rootConfig{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}

	rootFlags := ff.NewFlagSet("diag")
	rootConfig.register(rootFlags)

	rootCommand := &ff.Command{
		Name:      "diag",
		ShortHelp: "serve and read request diagnostics",
		Flags:     rootFlags,
	}

	// Config for `diag serve`.
	serveConfig := &serveConfig{rootConfig: rootConfig}
	serveFlags := ff.NewFlagSet("serve").SetParent(rootFlags)
	serveConfig.register(serveFlags)
	serveCommand := &ff.Command{
		Name:      "serve",
		ShortHelp: "run the viewer API over a diagnostics store",
		LongHelp:  "Serve published sessions and client histories from the configured store, optionally with an instrumented demo app.",
		Flags:     serveFlags,
		Exec:      serveConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, serveCommand)

	// Config for `diag session`.
	sessionConfig := &sessionConfig{rootConfig: rootConfig}
	sessionFlags := ff.NewFlagSet("session").SetParent(rootFlags)
	sessionCommand := &ff.Command{
		Name:      "session",
		Usage:     "diag session [FLAGS] <correlation ID>",
		ShortHelp: "fetch a published session",
		Flags:     sessionFlags,
		Exec:      sessionConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, sessionCommand)

	// Config for `diag history`.
	historyConfig := &historyConfig{rootConfig: rootConfig}
	historyFlags := ff.NewFlagSet("history").SetParent(rootFlags)
	historyCommand := &ff.Command{
		Name:      "history",
		Usage:     "diag history [FLAGS] <client token>",
		ShortHelp: "fetch the recent sessions of a client",
		Flags:     historyFlags,
		Exec:      historyConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, historyCommand)

	// Config for `diag stream`.
	streamConfig := &streamConfig{rootConfig: rootConfig}
	streamFlags := ff.NewFlagSet("stream").SetParent(rootFlags)
	streamConfig.register(streamFlags)
	streamCommand := &ff.Command{
		Name:      "stream",
		ShortHelp: "print summaries of sessions as they're published",
		Flags:     streamFlags,
		Exec:      streamConfig.Exec,
	}
	rootCommand.Subcommands = append(rootCommand.Subcommands, streamCommand)

	// Print help when appropriate.
	showHelp := true
	defer func() {
		errHelp := errors.Is(err, ff.ErrHelp) || errors.Is(err, ff.ErrNoExec)
		if showHelp || errHelp {
			fmt.Fprintf(stderr, "\n%s\n", ffhelp.Command(rootCommand))
		}
		if errHelp {
			err = nil
		}
	}()

	// Initial parsing.
	if err := rootCommand.Parse(args, ff.WithEnvVarPrefix("DIAG")); err != nil {
		return err
	}

	// Validation and set-up.
	{
		var level zapcore.Level
		switch rootConfig.logLevel {
		case "n", "none":
			rootConfig.logger = zap.NewNop()
		case "i", "info":
			level = zapcore.InfoLevel
		case "d", "debug":
			level = zapcore.DebugLevel
		default:
			return errors.Newf("invalid log level %q", rootConfig.logLevel)
		}
		if rootConfig.logger == nil {
			encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
			rootConfig.logger = zap.New(zapcore.NewCore(encoder, zapcore.AddSync(stderr), level))
		}
	}
	defer rootConfig.logger.Sync()

	// Run errors shouldn't show help by default.
	showHelp = false

	// Run the selected command.
	return rootCommand.Run(ctx)
}
