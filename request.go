package diag

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peterbourgon/diag/internal/diagusage"
)

// RequestMeta is the transport-level metadata about a request which the
// orchestrator and its collaborators need. It's typically derived from an
// [http.Request] by the HTTP layer.
type RequestMeta struct {
	Method     string
	Path       string // including any query string
	Secure     bool
	RemoteAddr string
	Header     http.Header
}

// Request represents a single request being served by the application, as
// seen by the diagnostics system. Every request has a correlation ID; only
// active requests record metrics. Requests are created by [Orchestrator.Begin]
// and must be finalized by [Orchestrator.End].
type Request struct {
	id        string
	meta      RequestMeta
	active    bool
	available bool
	explain   bool
	token     string
	begin     time.Time
	maxBytes  int
	baseline  diagusage.Usage
	profiler  Profiler
	finalized atomic.Bool
	cleared   atomic.Bool

	mtx       sync.Mutex
	container *Container
}

// CorrelationID of the request.
func (r *Request) CorrelationID() string {
	return r.id // immutable
}

// Meta returns the metadata the request was started with.
func (r *Request) Meta() RequestMeta {
	return r.meta // immutable
}

// Active returns true if diagnostics are being recorded for the request.
func (r *Request) Active() bool {
	return r.active // immutable
}

// Available returns true if the request isn't active, but the client which
// made it could opt in to diagnostics.
func (r *Request) Available() bool {
	return r.available // immutable
}

// ExplainEnabled returns true if the query layer should capture query plans
// for the request.
func (r *Request) ExplainEnabled() bool {
	return r.active && r.explain
}

// ClientToken returns the token identifying the viewer client which made the
// request, if any.
func (r *Request) ClientToken() (string, bool) {
	return r.token, r.token != ""
}

// Container returns the diagnostics container of the request. Active requests
// create their container on first access, and return the same container
// thereafter. Inactive requests return a fresh inactive container, which
// records nothing.
func (r *Request) Container() *Container {
	if !r.active {
		return NewContainer(r.id, false)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.container == nil {
		r.container = NewContainer(r.id, true)
		r.container.maxBytes = r.maxBytes
	}

	return r.container
}

// Clear detaches the request from every context that carries it, so that
// subsequent lookups via [RequestFromContext] find nothing. It's safe to call
// multiple times, and on a nil request.
func (r *Request) Clear() {
	if r == nil {
		return
	}
	r.cleared.Store(true)
}
