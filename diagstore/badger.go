package diagstore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"github.com/peterbourgon/diag"
	"go.uber.org/zap"
)

const maxAppendAttempts = 32

// Badger is a store backed by an embedded badger database, which uses
// badger's native per-key TTL. History appends run in a transaction, so
// Badger implements diag.ListAppender.
type Badger struct {
	db     *badger.DB
	logger *zap.Logger
}

var (
	_ diag.Store        = (*Badger)(nil)
	_ diag.ListAppender = (*Badger)(nil)
)

// BadgerConfig captures the configuration parameters for a badger store.
type BadgerConfig struct {
	// Dir is where the database is stored. If empty, the database is kept
	// in memory.
	Dir string

	// Logger is used for diagnostic output. Default is a no-op logger.
	Logger *zap.Logger
}

// NewBadger opens a badger store.
func NewBadger(cfg BadgerConfig) (*Badger, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}

	return &Badger{
		db:     db,
		logger: cfg.Logger.With(zap.String("component", "badger")),
	}, nil
}

// Get implements diag.Store.
func (b *Badger) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		v, err := badgerGet(txn, key)
		value = v
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, errors.Wrapf(err, "get %s", key)
	default:
		return value, true, nil
	}
}

// Set implements diag.Store.
func (b *Badger) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), value).WithTTL(ttl))
	})
	if err != nil {
		return errors.Wrapf(err, "set %s", key)
	}
	return nil
}

// AppendCapped implements diag.ListAppender. Conflicting transactions are
// retried a bounded number of times.
func (b *Badger) AppendCapped(ctx context.Context, key string, value []byte, max int, ttl time.Duration) error {
	for attempt := 1; ; attempt++ {
		err := b.db.Update(func(txn *badger.Txn) error {
			current, err := badgerGet(txn, key)
			if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			next, err := diag.CapJSONList(current, value, max)
			if err != nil {
				return err
			}

			return txn.SetEntry(badger.NewEntry([]byte(key), next).WithTTL(ttl))
		})

		switch {
		case err == nil:
			return nil
		case errors.Is(err, badger.ErrConflict) && attempt < maxAppendAttempts:
			b.logger.Debug("append conflict, retrying", zap.String("key", key), zap.Int("attempt", attempt))
			if err := ctx.Err(); err != nil {
				return err
			}
			continue
		default:
			return errors.Wrapf(err, "append %s", key)
		}
	}
}

// Sweep runs badger's value log garbage collection, which reclaims the space
// used by expired keys. It returns the number of value log files rewritten.
func (b *Badger) Sweep(ctx context.Context) (int, error) {
	var n int
	for ctx.Err() == nil {
		if err := b.db.RunValueLogGC(0.5); err != nil {
			if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) || errors.Is(err, badger.ErrGCInMemoryMode) {
				break
			}
			return n, errors.Wrap(err, "value log gc")
		}
		n++
	}
	return n, nil
}

// Close the underlying database.
func (b *Badger) Close() error {
	return b.db.Close()
}

func badgerGet(txn *badger.Txn, key string) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}
