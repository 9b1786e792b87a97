package diag

import (
	"context"
)

type requestContextKey struct{}

var requestContextVal requestContextKey

// NewContext returns a new context containing the given request. If the
// context already contained a request, it becomes shadowed by the new one.
func NewContext(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, requestContextVal, req)
}

// RequestFromContext returns the request in the context, if it exists and
// hasn't been cleared, with true as the second return value. Otherwise, it
// returns nil and false.
func RequestFromContext(ctx context.Context) (*Request, bool) {
	req, ok := ctx.Value(requestContextVal).(*Request)
	if !ok || req == nil || req.cleared.Load() {
		return nil, false
	}
	return req, true
}

// FromContext returns the diagnostics container for the request in the
// context. If there is no request, or the request isn't active, an inactive
// container is returned, which accepts and discards all metrics. Callers can
// therefore always add metrics to the result without checking.
func FromContext(ctx context.Context) *Container {
	if req, ok := RequestFromContext(ctx); ok {
		return req.Container()
	}
	return NewContainer(noRequestCorrelationID, false)
}

const noRequestCorrelationID = "no-correlation-id-because-no-request"
