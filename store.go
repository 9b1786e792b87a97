package diag

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// Store is a shared key-value store with per-key expiry, e.g. a cache that's
// reachable by every process serving requests as well as the viewer.
type Store interface {
	// Get returns the value of key, and false if the key doesn't exist or
	// has expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes value to key, replacing any existing value. The key expires
	// after ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ListAppender is an optional interface for stores which can atomically
// append to a capped JSON list. Stores which don't implement it get a
// non-atomic read-modify-write, where concurrent appends to the same key can
// lose updates.
type ListAppender interface {
	// AppendCapped appends value to the JSON array stored at key, keeps only
	// the last max elements, and refreshes the expiry to ttl.
	AppendCapped(ctx context.Context, key string, value []byte, max int, ttl time.Duration) error
}

// ErrNotFound is returned when a session or history doesn't exist, or has
// expired.
var ErrNotFound = errors.New("not found")

// Defaults for publishing.
const (
	DefaultRetention  = 10 * time.Minute
	DefaultHistoryMax = 15
)

const (
	sessionKeyPrefix = "diagnostics:session:"
	historyKeyPrefix = "diagnostics:history:"
)

// SessionKey returns the store key for a session.
func SessionKey(correlationID string) string {
	return sessionKeyPrefix + correlationID
}

// HistoryKey returns the store key for the history of a viewer client.
func HistoryKey(clientToken string) string {
	return historyKeyPrefix + clientToken
}

// HistoryEntry is a summary of a published session, kept in the history of
// the viewer client which made the request.
type HistoryEntry struct {
	Duration      float64 `json:"d"` // seconds
	Start         float64 `json:"t"` // unix seconds
	Path          string  `json:"u"`
	CorrelationID string  `json:"c"`
	Method        string  `json:"v"`
	Status        int     `json:"s"`
}

// CapJSONList appends value to the JSON array in current, and returns the
// array with only its last max elements. A nil or corrupt current is treated
// as an empty array.
func CapJSONList(current, value []byte, max int) ([]byte, error) {
	if !json.Valid(value) {
		return nil, errors.Newf("invalid list element")
	}

	var list []json.RawMessage
	if len(current) > 0 {
		if err := json.Unmarshal(current, &list); err != nil {
			list = nil
		}
	}

	list = append(list, json.RawMessage(value))
	if max > 0 && len(list) > max {
		list = list[len(list)-max:]
	}

	buf, err := json.Marshal(list)
	if err != nil {
		return nil, errors.Wrap(err, "encode list")
	}

	return buf, nil
}
