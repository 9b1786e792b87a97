package diag

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// MaxSessionBytes is the default size budget for an encoded session. Sessions
// larger than this are degraded before being published.
const MaxSessionBytes = 1000 * 1024

// Well-known metric names and query classes.
const (
	MetricLogLines      = "loglines"
	MetricStackSamples  = "stack_samples"
	MetricPermissions   = "request_entity_permissions"
	MetricAnalytics     = "analytics"
	MetricAnalyticsRaw  = "analytics_raw"
	MetricView          = "view"
	MetricViewFilepath  = "view_filepath"
	QueryClassSQL       = "SQL"
	metricStackSampleN  = "stack_sample_count"
	metricTotalTime     = "total_time"
	metricUserCPU       = "user_cpu"
	metricSystemCPU     = "system_cpu"
	metricRSSGrowth     = "rss_growth"
	metricRelease       = "release"
	metricRequestPath   = "request_path"
	metricGoroutines    = "goroutines"
	metricNumThreads    = "num_threads"
)

// Container accumulates the metrics of a single request. Metrics are stored
// in insertion order as tagged variants; singular metrics are overwritten in
// place. Inactive containers accept every call and record nothing.
//
// Containers are safe for concurrent use, so that helper goroutines spawned
// by a request handler can record metrics too.
type Container struct {
	mtx       sync.Mutex
	id        string
	active    bool
	metrics   []Metric
	singular  map[string]int // name to index in metrics
	maxBytes  int
	degraded  int
	published bool
}

// NewContainer returns an empty container for the given correlation ID.
func NewContainer(correlationID string, active bool) *Container {
	return &Container{
		id:       correlationID,
		active:   active,
		singular: map[string]int{},
		maxBytes: MaxSessionBytes,
	}
}

// CorrelationID of the request that owns the container.
func (c *Container) CorrelationID() string {
	return c.id // immutable
}

// Active returns true if the container records metrics.
func (c *Container) Active() bool {
	return c.active // immutable
}

// AddSingular sets the singular metric name to value, replacing any previous
// value.
func (c *Container) AddSingular(name string, value any) {
	if !c.active {
		return
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if i, ok := c.singular[name]; ok {
		c.metrics[i].Value = value
		return
	}

	c.singular[name] = len(c.metrics)
	c.metrics = append(c.metrics, Metric{Kind: KindSingular, Name: name, Value: value})
}

// AddTimed appends a timed metric.
func (c *Container) AddTimed(name string, value any, start, stop time.Time) {
	c.add(Metric{Kind: KindTimed, Name: name, Value: value, Span: SpanOf(start, stop)})
}

// AddQuery appends a query metric to the given query class. A nil explain
// means there's no explain payload.
func (c *Container) AddQuery(class, kind, text string, start, stop time.Time, needsFormat bool, explain any) {
	c.add(Metric{
		Kind: KindQuery,
		Name: class,
		Span: SpanOf(start, stop),
		Query: Query{
			Kind:        kind,
			Text:        text,
			NeedsFormat: needsFormat,
			Explain:     explain,
		},
	})
}

// AddFreeform appends an opaque value to the freeform metric name.
func (c *Container) AddFreeform(name string, value any) {
	c.add(Metric{Kind: KindFreeform, Name: name, Value: value})
}

func (c *Container) add(m Metric) {
	if !c.active {
		return
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.metrics = append(c.metrics, m)
}

// HandlerDescriptor describes the handler which served a request. It's
// provided by the routing layer.
type HandlerDescriptor struct {
	Name   string   // e.g. "UserHandler.Get"
	Params []string // declared parameters, e.g. ["ctx context.Context", "id int"]
	File   string   // source file, optional
}

// String renders the descriptor as a signature, e.g. "Get(ctx, id)".
func (h HandlerDescriptor) String() string {
	return h.Name + "(" + strings.Join(h.Params, ", ") + ")"
}

// SetHandler records the handler that served the request.
func (c *Container) SetHandler(h HandlerDescriptor) {
	c.AddSingular(MetricView, h.String())
	if h.File != "" {
		c.AddSingular(MetricViewFilepath, fileSubpath(h.File))
	}
}

// AddStackSamples records the stack samples taken over the life of the
// request, along with the total sample count.
func (c *Container) AddStackSamples(samples SampleSet) {
	var count int
	for _, n := range samples {
		count += n
	}
	c.AddSingular(MetricStackSamples, samples)
	c.AddSingular(metricStackSampleN, count)
}

// AddPermissions records the authorization entities evaluated during the
// request, as reported by an external permissions service.
func (c *Container) AddPermissions(perms []any) {
	if perms == nil {
		perms = []any{}
	}
	c.AddSingular(MetricPermissions, perms)
}

// AddAnalyticsAction records an analytics event emitted during the request.
// The data should have an "actions" key whose value is a list with the name
// of the action as its first element. A readable rendering of the data is
// appended to the analytics metric, and the raw data to analytics_raw.
func (c *Container) AddAnalyticsAction(data map[string]any) {
	var name string
	switch actions := data["actions"].(type) {
	case []string:
		if len(actions) > 0 {
			name = actions[0]
		}
	case []any:
		if len(actions) > 0 {
			name = fmt.Sprint(actions[0])
		}
	}

	c.AddFreeform(MetricAnalytics, []string{name, formatLines(data)})
	c.AddFreeform(MetricAnalyticsRaw, map[string]any{name: data})
}

// Metrics returns a copy of the recorded metrics, in insertion order.
func (c *Container) Metrics() []Metric {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	res := make([]Metric, len(c.metrics))
	copy(res, c.metrics)
	return res
}

// Singular returns the value of the singular metric name, if it exists.
func (c *Container) Singular(name string) (any, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	i, ok := c.singular[name]
	if !ok {
		return nil, false
	}
	return c.metrics[i].Value, true
}

// formatLines renders a map as sorted "key: value" lines.
func formatLines(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = fmt.Sprintf("%s: %v", k, data[k])
	}
	return strings.Join(lines, "\n")
}

// fileSubpath trims a source file path to its last two elements, which is
// usually package/file.go.
func fileSubpath(file string) string {
	file = path.Clean(strings.ReplaceAll(file, `\`, "/"))
	lastSep := strings.LastIndex(file, "/")
	if lastSep == -1 {
		return file
	}
	return file[strings.LastIndex(file[:lastSep], "/")+1:]
}
