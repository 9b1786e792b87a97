// Package diaghttp connects request diagnostics to net/http.
//
// Middleware begins and ends diagnostics for every request, and decorates
// the responses of active requests with the correlation ID, the request
// duration, and (for HTML) a snippet which loads the viewer. WithHandler
// records which handler served a request. CookieEligibility is a default
// eligibility policy based on a signed cookie. DebugTransport marks outbound
// requests made on behalf of active requests.
//
// Server and Client implement the viewer's HTTP API, for reading published
// sessions and client histories, and for streaming summaries of sessions as
// they're published.
package diaghttp
