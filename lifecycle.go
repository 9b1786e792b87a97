package diag

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/peterbourgon/diag/internal/diagpubsub"
	"github.com/peterbourgon/diag/internal/diagusage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Eligibility decides which requests record diagnostics. Implementations
// typically check a signed cookie, a feature flag, and whether the request
// was made over TLS.
type Eligibility interface {
	// IsEligible returns true if diagnostics should be recorded for the
	// request.
	IsEligible(meta RequestMeta) bool

	// ClientToken returns the token identifying the viewer client which
	// made the request, if any. Published sessions are added to the history
	// of that client.
	ClientToken(meta RequestMeta) (string, bool)
}

// Activator is an optional interface for an Eligibility, which reports
// whether an ineligible request comes from a client that could opt in to
// diagnostics.
type Activator interface {
	CanActivate(meta RequestMeta) bool
}

// PermissionsLookup fetches the authorization entities that an external
// permissions service evaluated while serving a request.
type PermissionsLookup interface {
	RequestPermissions(ctx context.Context, correlationID string) ([]any, error)
}

// NeverEligible is an Eligibility that rejects every request.
type NeverEligible struct{}

// IsEligible implements Eligibility.
func (NeverEligible) IsEligible(RequestMeta) bool { return false }

// ClientToken implements Eligibility.
func (NeverEligible) ClientToken(RequestMeta) (string, bool) { return "", false }

// DefaultRelease is the value of the release metric when none is configured.
const DefaultRelease = "master"

// Config captures the configuration parameters for an orchestrator.
type Config struct {
	// Store is where sessions and histories are published. Required.
	Store Store

	// Retention is how long published sessions and histories are kept.
	// Default is DefaultRetention.
	Retention time.Duration

	// Eligibility decides which requests record diagnostics. Default is
	// NeverEligible.
	Eligibility Eligibility

	// ExplainEnabled decides whether the query layer should capture query
	// plans for an eligible request. Default is never.
	ExplainEnabled func(RequestMeta) bool

	// EnableProfiler starts a stack sampler for every eligible request.
	EnableProfiler bool

	// ProfileInterval is the interval between stack samples. Default is
	// DefaultSampleInterval.
	ProfileInterval time.Duration

	// NewProfiler constructs the profiler for an eligible request. Default
	// is a Sampler with the configured ProfileInterval.
	NewProfiler func() Profiler

	// DebugPermissions enables the permissions lookup for eligible
	// requests. Ignored if PermissionsLookup is nil.
	DebugPermissions bool

	// PermissionsLookup is used when DebugPermissions is true.
	PermissionsLookup PermissionsLookup

	// Release is recorded with every session. Default is DefaultRelease.
	Release string

	// MaxSessionBytes is the size budget for published sessions. Default is
	// MaxSessionBytes.
	MaxSessionBytes int

	// NewID generates correlation IDs. Default is NewCorrelationID.
	NewID func() string

	// Logger is used for diagnostic output. Default is a no-op logger.
	Logger *zap.Logger

	// Registerer is where metrics are registered. Default is a new, private
	// registry.
	Registerer prometheus.Registerer

	// Strict makes invalid lifecycle calls panic, rather than being logged
	// and ignored. Useful in tests.
	Strict bool
}

// ResponseMeta is the information about a response that's needed to
// finalize a request.
type ResponseMeta struct {
	Status   int
	Suppress bool // skip history and body decoration
}

// Outcome describes how the response to a finalized request should be
// decorated.
type Outcome struct {
	CorrelationID string
	Active        bool
	Duration      time.Duration

	// Decorate means the response should carry the diagnostics headers.
	Decorate bool

	// Inject means HTML responses should be rewritten to include the viewer.
	Inject bool

	// Available means the request wasn't eligible, but the client could opt
	// in to diagnostics.
	Available bool
}

// SessionSummary is broadcast to subscribers whenever a session is
// published.
type SessionSummary struct {
	CorrelationID string        `json:"correlation_id"`
	Method        string        `json:"method"`
	Path          string        `json:"path"`
	Status        int           `json:"status"`
	Start         time.Time     `json:"start"`
	Duration      time.Duration `json:"duration"`
	Bytes         int           `json:"bytes"`
	Stage         int           `json:"stage"`
	ClientToken   string        `json:"-"`
}

// Orchestrator drives the lifecycle of request diagnostics: it creates a
// request when the request begins, records the handler when it's
// dispatched, and collects, publishes, and clears everything when the
// request ends.
type Orchestrator struct {
	cfg       Config
	publisher *Publisher
	broker    *diagpubsub.Broker[SessionSummary]
	logger    *zap.Logger
	metrics   *instrumentation
}

// NewOrchestrator returns a new orchestrator for the given config.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	publisher, err := NewPublisher(PublisherConfig{
		Store:     cfg.Store,
		Retention: cfg.Retention,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create publisher")
	}

	if cfg.Eligibility == nil {
		cfg.Eligibility = NeverEligible{}
	}

	if cfg.ProfileInterval <= 0 {
		cfg.ProfileInterval = DefaultSampleInterval
	}

	if cfg.NewProfiler == nil {
		interval := cfg.ProfileInterval
		cfg.NewProfiler = func() Profiler { return NewSampler(interval) }
	}

	if cfg.Release == "" {
		cfg.Release = DefaultRelease
	}

	if cfg.MaxSessionBytes <= 0 {
		cfg.MaxSessionBytes = MaxSessionBytes
	}

	if cfg.NewID == nil {
		cfg.NewID = NewCorrelationID
	}

	return &Orchestrator{
		cfg:       cfg,
		publisher: publisher,
		broker:    diagpubsub.NewBroker[SessionSummary](),
		logger:    cfg.Logger.With(zap.String("component", "orchestrator")),
		metrics:   newInstrumentation(cfg.Registerer),
	}, nil
}

// Publisher returns the publisher used by the orchestrator, which can also
// be used to read published sessions and histories.
func (o *Orchestrator) Publisher() *Publisher {
	return o.publisher
}

// Subscribe forwards a summary of every published session which passes the
// allow func to ch, until the context is canceled. Summaries are dropped if
// ch isn't ready to receive them.
func (o *Orchestrator) Subscribe(ctx context.Context, allow func(SessionSummary) bool, ch chan<- SessionSummary) error {
	stats, err := o.broker.Subscribe(ctx, allow, ch)
	o.logger.Debug("subscription ended", zap.Stringer("stats", stats))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Begin starts a request, and returns a context carrying it. Every request
// gets a correlation ID, but only eligible requests record diagnostics.
// Every request must be finalized with End.
func (o *Orchestrator) Begin(ctx context.Context, meta RequestMeta) (context.Context, *Request) {
	req := &Request{
		id:       o.cfg.NewID(),
		meta:     meta,
		begin:    time.Now(),
		maxBytes: o.cfg.MaxSessionBytes,
	}

	if !o.isEligible(meta) {
		req.available = o.canActivate(meta)
	} else {
		req.active = true
		req.token, _ = o.cfg.Eligibility.ClientToken(meta)
		req.explain = o.cfg.ExplainEnabled != nil && o.cfg.ExplainEnabled(meta)
		req.baseline = diagusage.Read()
		if o.cfg.EnableProfiler {
			req.profiler = o.cfg.NewProfiler()
			req.profiler.Start()
		}
	}

	o.metrics.requestSeen(req.active)

	return NewContext(ctx, req), req
}

// Dispatch records the handler which will serve the request.
func (o *Orchestrator) Dispatch(req *Request, h HandlerDescriptor) {
	if req == nil || !req.active {
		return
	}
	req.Container().SetHandler(h)
}

// End finalizes the request. For active requests, it records resource usage
// and stack samples, publishes the container, and appends the session to the
// client's history. In all cases, the request is cleared from every context
// which carries it. Calling End more than once for the same request is an
// error.
func (o *Orchestrator) End(ctx context.Context, req *Request, resp ResponseMeta) Outcome {
	if req == nil {
		return Outcome{}
	}

	if !req.finalized.CompareAndSwap(false, true) {
		o.misuse(errors.AssertionFailedf("request %s ended more than once", req.id))
		return Outcome{CorrelationID: req.id, Active: req.active}
	}

	defer req.Clear()

	stop := time.Now()
	outcome := Outcome{
		CorrelationID: req.id,
		Active:        req.active,
		Duration:      stop.Sub(req.begin),
	}

	if !req.active {
		outcome.Available = req.available
		return outcome
	}

	if req.profiler != nil {
		req.profiler.Stop()
	}

	// Store calls shouldn't be aborted by a client that's gone away.
	ctx = context.WithoutCancel(ctx)

	o.collect(ctx, req, stop)

	report, err := req.Container().DegradeAndPublish(ctx, o.publisher)
	o.metrics.published(report, err)
	switch {
	case errors.Is(err, ErrAlreadyPublished):
		o.misuse(errors.AssertionFailedf("request %s published more than once", req.id))
	case err != nil:
		o.metrics.storeErrors.WithLabelValues("publish").Inc()
		o.logger.Warn("publish failed", zap.String("correlation_id", req.id), zap.Error(err))
	}

	token, hasToken := req.ClientToken()
	if hasToken && !resp.Suppress {
		entry := HistoryEntry{
			Duration:      outcome.Duration.Seconds(),
			Start:         unixSeconds(req.begin),
			Path:          req.meta.Path,
			CorrelationID: req.id,
			Method:        req.meta.Method,
			Status:        resp.Status,
		}
		if err := o.publisher.AppendHistory(ctx, token, entry); err != nil {
			o.metrics.storeErrors.WithLabelValues("history").Inc()
			o.logger.Warn("append history failed", zap.String("correlation_id", req.id), zap.Error(err))
		}
	}

	if err == nil {
		o.broker.Publish(SessionSummary{
			CorrelationID: req.id,
			Method:        req.meta.Method,
			Path:          req.meta.Path,
			Status:        resp.Status,
			Start:         req.begin,
			Duration:      outcome.Duration,
			Bytes:         report.Bytes,
			Stage:         report.Stage,
			ClientToken:   token,
		})
	}

	outcome.Decorate = true
	outcome.Inject = !resp.Suppress

	return outcome
}

func (o *Orchestrator) collect(ctx context.Context, req *Request, stop time.Time) {
	var (
		c     = req.Container()
		now   = diagusage.Read()
		delta = diagusage.Since(req.baseline, now)
	)

	c.AddTimed(metricTotalTime, req.meta.Method+" "+req.meta.Path, req.begin, stop)
	c.AddSingular(metricTotalTime, Timing{Span: SpanOf(req.begin, stop)})
	c.AddSingular(metricUserCPU, Timing{Span: Span{Start: req.baseline.UserCPU.Seconds(), Stop: now.UserCPU.Seconds()}})
	c.AddSingular(metricSystemCPU, Timing{Span: Span{Start: req.baseline.SystemCPU.Seconds(), Stop: now.SystemCPU.Seconds()}})
	c.AddSingular(metricRSSGrowth, delta.MaxRSSGrowMB)
	c.AddSingular(metricRelease, o.cfg.Release)
	c.AddSingular(metricRequestPath, req.meta.Path)
	c.AddSingular(metricGoroutines, now.Goroutines)
	c.AddSingular(metricNumThreads, now.Threads)

	if req.profiler != nil {
		c.AddStackSamples(req.profiler.OutputStats())
		o.metrics.samples.Observe(float64(req.profiler.SampleCount()))
	}

	if o.cfg.DebugPermissions && o.cfg.PermissionsLookup != nil {
		c.AddPermissions(o.lookupPermissions(ctx, req.id))
	}
}

func (o *Orchestrator) lookupPermissions(ctx context.Context, id string) (perms []any) {
	defer func() {
		if x := recover(); x != nil {
			o.logger.Warn("permissions lookup panicked", zap.String("correlation_id", id), zap.String("panic", fmt.Sprint(x)))
			perms = nil
		}
	}()
	perms, err := o.cfg.PermissionsLookup.RequestPermissions(ctx, id)
	if err != nil {
		o.logger.Debug("permissions lookup failed", zap.String("correlation_id", id), zap.Error(err))
		return nil
	}
	return perms
}

func (o *Orchestrator) isEligible(meta RequestMeta) (eligible bool) {
	defer func() {
		if x := recover(); x != nil {
			o.logger.Warn("eligibility check panicked", zap.String("panic", fmt.Sprint(x)))
			eligible = false
		}
	}()
	return o.cfg.Eligibility.IsEligible(meta)
}

func (o *Orchestrator) canActivate(meta RequestMeta) (ok bool) {
	a, isActivator := o.cfg.Eligibility.(Activator)
	if !isActivator {
		return false
	}
	defer func() {
		if x := recover(); x != nil {
			ok = false
		}
	}()
	return a.CanActivate(meta)
}

func (o *Orchestrator) misuse(err error) {
	o.metrics.misuse.Inc()
	if o.cfg.Strict {
		panic(err)
	}
	o.logger.Error("invalid lifecycle call", zap.Error(err))
}
