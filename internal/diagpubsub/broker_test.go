package diagpubsub_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/peterbourgon/diag/internal/diagpubsub"
)

func TestBroker(t *testing.T) {
	t.Parallel()

	var (
		ctx, cancel = context.WithCancel(context.Background())
		broker      = diagpubsub.NewBroker[string]()
		ch          = make(chan string, 2)
		done        = make(chan diagpubsub.Stats)
	)

	broker.Publish("nobody listening")

	go func() {
		stats, _ := broker.Subscribe(ctx, func(s string) bool { return strings.HasPrefix(s, "ok") }, ch)
		done <- stats
	}()

	waitSubscribed(t, broker, ch)

	broker.Publish("ok 1")
	broker.Publish("skip me")
	broker.Publish("ok 2")
	broker.Publish("ok 3") // buffer full, dropped

	cancel()
	stats := <-done

	if want, have := (diagpubsub.Stats{Skips: 1, Sends: 2, Drops: 1}), stats; !cmp.Equal(want, have) {
		t.Fatal(cmp.Diff(want, have))
	}
	if want, have := []string{"ok 1", "ok 2"}, []string{<-ch, <-ch}; !cmp.Equal(want, have) {
		t.Fatal(cmp.Diff(want, have))
	}
}

func TestBrokerDoubleSubscribe(t *testing.T) {
	t.Parallel()

	var (
		ctx, cancel = context.WithCancel(context.Background())
		broker      = diagpubsub.NewBroker[int]()
		ch          = make(chan int)
		done        = make(chan struct{})
	)
	defer func() { cancel(); <-done }()

	go func() {
		defer close(done)
		broker.Subscribe(ctx, nil, ch)
	}()

	waitSubscribed(t, broker, ch)

	if _, err := broker.Subscribe(ctx, nil, ch); err == nil {
		t.Fatal("expected error on double subscribe")
	}
}

func waitSubscribed[T any](t *testing.T, b *diagpubsub.Broker[T], ch chan T) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := b.Stats(ch); err == nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(errors.New("subscription never became active"))
}
