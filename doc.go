// Package diag provides per-request diagnostics: timing, resource usage,
// queries, and sampled call stacks, collected for selected requests and
// published to a shared store so that a separate viewer can retrieve them.
//
// The basic idea is that every request served by an application is stamped
// with a correlation ID and registered in its context by an [Orchestrator].
// Requests that an external eligibility policy selects become "active", and
// for those requests a [Container] accumulates metrics: singular values,
// timed values, queries (optionally with query plans), and freeform lists.
// Arbitrary code that has access to the request context can add metrics via
// [FromContext], without knowing whether the request is active.
//
// When the request ends, the orchestrator records resource deltas and stack
// samples, and the container is encoded as JSON and written to a [Store]
// under a key derived from the correlation ID, with a short TTL. If the
// encoded session would be too large for the store, the container degrades
// its contents in a deterministic way until it fits. A capped list of recent
// sessions is also maintained per client token, so a viewer can show a
// client their most recent requests.
//
// There are a few caveats. Sessions are retained only for a short window.
// Per-client history is updated with a read-modify-write cycle against the
// store, unless the store implements [ListAppender], so concurrent requests
// from the same client can occasionally lose a history entry. That's
// acceptable, as the history is advisory.
//
// Most applications should not use the orchestrator directly, and should
// instead use [github.com/peterbourgon/diag/diaghttp], which provides an HTTP
// middleware and a viewer server.
package diag
