// Package diagstore provides implementations of the diag.Store interface.
//
// Memory is useful for tests and single-process deployments, where the
// viewer runs in the same process as the instrumented service. Badger and SQL
// are shared stores, for deployments where the viewer reads sessions that
// were published by other processes.
package diagstore
