package main

import (
	"context"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/felixge/fgprof"
	"github.com/oklog/run"
	"github.com/peterbourgon/diag"
	"github.com/peterbourgon/diag/diaghttp"
	"github.com/peterbourgon/diag/diagstore"
	"github.com/peterbourgon/diag/internal/diagutil"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/unixtransport/unixproxy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type serveConfig struct {
	*rootConfig

	listenAddr     string
	storeKind      string
	storeDSN       string
	retention      time.Duration
	sweepInterval  time.Duration
	demo           bool
	cookieKey      string
	allowInsecure  bool
	profiler       bool
	explain        bool
	permissionsURI string
}

func (cfg *serveConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		LongName: "listen-addr",
		Value:    ffval.NewValueDefault(&cfg.listenAddr, "localhost:8001"),
		Usage:    "HTTP listen address, or unix socket URI",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "store",
		Value:       ffval.NewEnum(&cfg.storeKind, "memory", "badger", "sqlite", "postgres"),
		Usage:       "session store: memory, badger, sqlite, postgres",
		Placeholder: "STORE",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "store-dsn",
		Value:       ffval.NewValue(&cfg.storeDSN),
		NoDefault:   true,
		Usage:       "badger directory (empty for in-memory), or SQL data source name",
		Placeholder: "DSN",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName: "retention",
		Value:    ffval.NewValueDefault(&cfg.retention, diag.DefaultRetention),
		Usage:    "how long published sessions are kept",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName: "sweep-interval",
		Value:    ffval.NewValueDefault(&cfg.sweepInterval, time.Minute),
		Usage:    "how often expired sessions are removed from the store",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:  "demo",
		Value:     ffval.NewValue(&cfg.demo),
		NoDefault: true,
		Usage:     "serve an instrumented demo app under /demo/",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "cookie-key",
		Value:       ffval.NewValue(&cfg.cookieKey),
		NoDefault:   true,
		Usage:       "key for signing client token cookies (random if empty)",
		Placeholder: "KEY",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:  "allow-insecure",
		Value:     ffval.NewValue(&cfg.allowInsecure),
		NoDefault: true,
		Usage:     "allow diagnostics for requests over plain HTTP",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:  "profiler",
		Value:     ffval.NewValue(&cfg.profiler),
		NoDefault: true,
		Usage:     "sample the stacks of instrumented requests",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:  "explain",
		Value:     ffval.NewValue(&cfg.explain),
		NoDefault: true,
		Usage:     "capture the query plans of instrumented requests",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "permissions-uri",
		Value:       ffval.NewValue(&cfg.permissionsURI),
		NoDefault:   true,
		Usage:       "permissions service URI, enables permissions lookups",
		Placeholder: "URI",
	})
}

func (cfg *serveConfig) Exec(ctx context.Context, args []string) error {
	logger := cfg.logger

	if err := cfg.validate(); err != nil {
		return err
	}

	store, closeStore, err := cfg.openStore(ctx)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer closeStore()

	logger.Info("store opened", zap.String("store", cfg.storeKind), zap.Duration("retention", cfg.retention))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eligibility := cfg.eligibility()

	orchestrator, err := diag.NewOrchestrator(cfg.orchestratorConfig(store, eligibility, registry))
	if err != nil {
		return errors.Wrap(err, "create orchestrator")
	}

	viewer, err := diaghttp.NewServer(diaghttp.ServerConfig{
		Reader:     orchestrator.Publisher(),
		Subscriber: orchestrator,
		Logger:     logger,
	})
	if err != nil {
		return errors.Wrap(err, "create viewer server")
	}

	mux := http.NewServeMux()
	mux.Handle("/diag/", http.StripPrefix("/diag", viewer))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/debug/fgprof", fgprof.Handler())

	if cfg.demo {
		demo, err := newDemo(ctx, orchestrator, eligibility, logger)
		if err != nil {
			return errors.Wrap(err, "create demo")
		}
		defer demo.close()
		mux.Handle("/demo/", http.StripPrefix("/demo", demo.handler()))
		logger.Info("demo enabled", zap.String("path", "/demo/"))
	}

	ln, err := unixproxy.ListenURI(ctx, cfg.listenAddr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}

	logger.Info("listening", zap.String("addr", cfg.listenAddr))

	var g run.Group

	{
		server := &http.Server{Handler: mux}
		g.Add(func() error {
			return server.Serve(ln)
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(ctx)
		})
	}

	if sweeper, ok := store.(interface {
		Sweep(context.Context) (int, error)
	}); ok {
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			ticker := time.NewTicker(cfg.sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					n, err := sweeper.Sweep(ctx)
					if err != nil {
						logger.Warn("sweep failed", zap.Error(err))
						continue
					}
					logger.Debug("swept", zap.Int("removed", n))
				}
			}
		}, func(error) {
			cancel()
		})
	}

	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	return g.Run()
}

func (cfg *serveConfig) validate() error {
	var errs []error
	if cfg.retention <= 0 {
		errs = append(errs, errors.New("retention must be positive"))
	}
	if cfg.sweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive"))
	}
	if (cfg.storeKind == "sqlite" || cfg.storeKind == "postgres") && cfg.storeDSN == "" {
		errs = append(errs, errors.Newf("store %s requires a DSN", cfg.storeKind))
	}
	if problems := diagutil.FlattenErrors(errs...); len(problems) > 0 {
		return errors.Newf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (cfg *serveConfig) openStore(ctx context.Context) (diag.Store, func() error, error) {
	switch cfg.storeKind {
	case "", "memory":
		return diagstore.NewMemory(), func() error { return nil }, nil

	case "badger":
		s, err := diagstore.NewBadger(diagstore.BadgerConfig{Dir: cfg.storeDSN, Logger: cfg.logger})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "sqlite", "postgres":
		dialect := diagstore.DialectSQLite
		if cfg.storeKind == "postgres" {
			dialect = diagstore.DialectPostgres
		}
		s, err := diagstore.OpenSQL(ctx, dialect, cfg.storeDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	default:
		return nil, nil, errors.Newf("unknown store %q", cfg.storeKind)
	}
}

func (cfg *serveConfig) eligibility() *diaghttp.CookieEligibility {
	key := cfg.cookieKey
	if key == "" {
		key = diag.NewCorrelationID() // cookies don't survive restarts
	}
	return &diaghttp.CookieEligibility{
		Key:           []byte(key),
		AllowInsecure: cfg.allowInsecure,
		Activate:      func(diag.RequestMeta) bool { return true },
	}
}

func (cfg *serveConfig) orchestratorConfig(store diag.Store, eligibility *diaghttp.CookieEligibility, reg prometheus.Registerer) diag.Config {
	c := diag.Config{
		Store:          store,
		Retention:      cfg.retention,
		Eligibility:    eligibility,
		EnableProfiler: cfg.profiler,
		Logger:         cfg.logger,
		Registerer:     reg,
	}

	if cfg.explain {
		c.ExplainEnabled = func(diag.RequestMeta) bool { return true }
	}

	if cfg.permissionsURI != "" {
		c.DebugPermissions = true
		c.PermissionsLookup = diaghttp.NewPermissionsClient(&http.Client{Transport: &diaghttp.DebugTransport{}}, cfg.permissionsURI)
	}

	return c
}
