package diag_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/peterbourgon/diag"
	"github.com/peterbourgon/diag/diagstore"
)

func TestHistoryCap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, err := diag.NewPublisher(diag.PublisherConfig{Store: diagstore.NewMemory()})
	AssertNoError(t, err)

	for i := 1; i <= 16; i++ {
		entry := diag.HistoryEntry{CorrelationID: fmt.Sprintf("id-%d", i), Method: "GET", Path: "/", Status: 200}
		AssertNoError(t, p.AppendHistory(ctx, "abc123", entry))

		entries, err := p.History(ctx, "abc123")
		AssertNoError(t, err)
		AssertTrue(t, len(entries) <= diag.DefaultHistoryMax, "history too long: %d", len(entries))
	}

	entries, err := p.History(ctx, "abc123")
	AssertNoError(t, err)
	AssertEqual(t, 15, len(entries))
	AssertEqual(t, "id-2", entries[0].CorrelationID)
	AssertEqual(t, "id-16", entries[14].CorrelationID)
}

func TestPublisherNotFound(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p, err := diag.NewPublisher(diag.PublisherConfig{Store: diagstore.NewMemory()})
	AssertNoError(t, err)

	_, err = p.Session(ctx, "nope")
	AssertTrue(t, errors.Is(err, diag.ErrNotFound), "session: want ErrNotFound, have %v", err)

	_, err = p.History(ctx, "nope")
	AssertTrue(t, errors.Is(err, diag.ErrNotFound), "history: want ErrNotFound, have %v", err)
}

func TestPublisherRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := diag.NewPublisher(diag.PublisherConfig{})
	AssertTrue(t, err != nil, "want error")
}

func TestCapJSONList(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name    string
		current string
		value   string
		max     int
		want    string
	}{
		{"empty", ``, `1`, 3, `[1]`},
		{"append", `[1,2]`, `3`, 3, `[1,2,3]`},
		{"cap", `[1,2,3]`, `4`, 3, `[2,3,4]`},
		{"corrupt", `{nope`, `1`, 3, `[1]`},
		{"not a list", `{"a":1}`, `1`, 3, `[1]`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			have, err := diag.CapJSONList([]byte(tc.current), []byte(tc.value), tc.max)
			AssertNoError(t, err)
			AssertEqual(t, tc.want, string(have))
		})
	}

	_, err := diag.CapJSONList(nil, []byte(`{bad`), 3)
	AssertTrue(t, err != nil, "want error for invalid element")
}

func TestKeys(t *testing.T) {
	t.Parallel()

	AssertEqual(t, "diagnostics:session:abc", diag.SessionKey("abc"))
	AssertEqual(t, "diagnostics:history:abc123", diag.HistoryKey("abc123"))
}
