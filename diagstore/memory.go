package diagstore

import (
	"context"
	"sync"
	"time"

	"github.com/peterbourgon/diag"
)

// Memory is an in-process store. Expired keys are removed lazily, on access
// or by Sweep. Memory doesn't implement diag.ListAppender.
type Memory struct {
	mtx     sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

var _ diag.Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: map[string]memoryEntry{},
		now:     time.Now,
	}
}

// Get implements diag.Store.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}

	if !e.expires.After(m.now()) {
		delete(m.entries, key)
		return nil, false, nil
	}

	return append([]byte(nil), e.value...), true, nil
}

// Set implements diag.Store.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.entries[key] = memoryEntry{
		value:   append([]byte(nil), value...),
		expires: m.now().Add(ttl),
	}

	return nil
}

// Sweep removes expired keys, and returns the number removed.
func (m *Memory) Sweep(ctx context.Context) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var (
		now = m.now()
		n   int
	)
	for key, e := range m.entries {
		if !e.expires.After(now) {
			delete(m.entries, key)
			n++
		}
	}

	return n, nil
}

// Len returns the number of keys in the store, including expired keys which
// haven't been swept.
func (m *Memory) Len() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return len(m.entries)
}
