package diaghttp

import (
	"net/http"

	"github.com/peterbourgon/diag"
)

// HeaderDebugPermissions asks a downstream service to report the
// authorization entities it evaluates for the request.
const HeaderDebugPermissions = "X-Debug-Permissions"

// DebugTransport is an http.RoundTripper which adds the debug permissions
// header to outbound requests made on behalf of active diagnostics requests,
// i.e. requests whose context carries an active request.
type DebugTransport struct {
	// Base is the underlying transport. Default is http.DefaultTransport.
	Base http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *DebugTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	if req, ok := diag.RequestFromContext(r.Context()); ok && req.Active() {
		r = r.Clone(r.Context())
		r.Header.Set(HeaderDebugPermissions, "true")
	}

	return base.RoundTrip(r)
}
