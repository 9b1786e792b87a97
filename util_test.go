package diag_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/diag"
)

func AssertEqual[X any](t *testing.T, want, have X, opts ...cmp.Option) {
	t.Helper()
	if !cmp.Equal(want, have, opts...) {
		t.Fatal(cmp.Diff(want, have, opts...))
	}
}

func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("error %v", err)
	}
}

func AssertTrue(t *testing.T, b bool, format string, args ...any) {
	t.Helper()
	if !b {
		t.Fatalf(format, args...)
	}
}

type capturePublisher struct {
	mtx      sync.Mutex
	payloads map[string][]byte
	calls    int
}

func (p *capturePublisher) PublishSession(ctx context.Context, id string, payload []byte) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.payloads == nil {
		p.payloads = map[string][]byte{}
	}
	p.payloads[id] = payload
	p.calls++
	return nil
}

type countingStore struct {
	diag.Store

	mtx  sync.Mutex
	gets int
	sets int
}

func (s *countingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mtx.Lock()
	s.gets++
	s.mtx.Unlock()
	return s.Store.Get(ctx, key)
}

func (s *countingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mtx.Lock()
	s.sets++
	s.mtx.Unlock()
	return s.Store.Set(ctx, key, value, ttl)
}

func (s *countingStore) counts() (gets, sets int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.gets, s.sets
}

var (
	t0 = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	t1 = t0.Add(100 * time.Millisecond)
	t2 = t0.Add(200 * time.Millisecond)
)
