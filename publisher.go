package diag

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// PublisherConfig captures the configuration parameters for a publisher.
type PublisherConfig struct {
	// Store is where sessions and histories are written. Required.
	Store Store

	// Retention is how long published sessions and histories are kept.
	// Default is DefaultRetention.
	Retention time.Duration

	// HistoryMax is the maximum number of entries kept in each client
	// history. Default is DefaultHistoryMax.
	HistoryMax int

	// Logger is used for diagnostic output. Default is a no-op logger.
	Logger *zap.Logger
}

// Publisher writes sessions and client histories to a store, and reads them
// back for the viewer.
type Publisher struct {
	store     Store
	retention time.Duration
	max       int
	logger    *zap.Logger
}

var _ SessionPublisher = (*Publisher)(nil)

// NewPublisher returns a new publisher writing to the configured store.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}

	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	if cfg.HistoryMax <= 0 {
		cfg.HistoryMax = DefaultHistoryMax
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Publisher{
		store:     cfg.Store,
		retention: cfg.Retention,
		max:       cfg.HistoryMax,
		logger:    cfg.Logger.With(zap.String("component", "publisher")),
	}, nil
}

// Retention returns the TTL applied to published keys.
func (p *Publisher) Retention() time.Duration {
	return p.retention
}

// PublishSession writes the encoded session, replacing any previous session
// with the same correlation ID.
func (p *Publisher) PublishSession(ctx context.Context, correlationID string, payload []byte) error {
	if err := p.store.Set(ctx, SessionKey(correlationID), payload, p.retention); err != nil {
		return errors.Wrapf(err, "set session %s", correlationID)
	}
	p.logger.Debug("published session", zap.String("correlation_id", correlationID), zap.Int("bytes", len(payload)))
	return nil
}

// AppendHistory appends an entry to the history of a client, dropping the
// oldest entries beyond the cap, and refreshes the history's expiry.
func (p *Publisher) AppendHistory(ctx context.Context, clientToken string, entry HistoryEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "encode history entry")
	}

	key := HistoryKey(clientToken)

	if a, ok := p.store.(ListAppender); ok {
		if err := a.AppendCapped(ctx, key, value, p.max, p.retention); err != nil {
			return errors.Wrap(err, "append history")
		}
		return nil
	}

	// Concurrent appends for the same client can lose entries here.
	current, _, err := p.store.Get(ctx, key)
	if err != nil {
		return errors.Wrap(err, "get history")
	}

	next, err := CapJSONList(current, value, p.max)
	if err != nil {
		return err
	}

	if err := p.store.Set(ctx, key, next, p.retention); err != nil {
		return errors.Wrap(err, "set history")
	}

	return nil
}

// SessionBytes returns the encoded session with the given correlation ID.
func (p *Publisher) SessionBytes(ctx context.Context, correlationID string) ([]byte, error) {
	buf, ok, err := p.store.Get(ctx, SessionKey(correlationID))
	switch {
	case err != nil:
		return nil, errors.Wrapf(err, "get session %s", correlationID)
	case !ok:
		return nil, errors.Wrapf(ErrNotFound, "session %s", correlationID)
	default:
		return buf, nil
	}
}

// Session returns the decoded session with the given correlation ID.
func (p *Publisher) Session(ctx context.Context, correlationID string) (*Session, error) {
	buf, err := p.SessionBytes(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	return DecodeSession(buf)
}

// History returns the history of the given client, oldest first.
func (p *Publisher) History(ctx context.Context, clientToken string) ([]HistoryEntry, error) {
	buf, ok, err := p.store.Get(ctx, HistoryKey(clientToken))
	switch {
	case err != nil:
		return nil, errors.Wrap(err, "get history")
	case !ok:
		return nil, errors.Wrap(ErrNotFound, "history")
	}

	var entries []HistoryEntry
	if err := json.Unmarshal(buf, &entries); err != nil {
		return nil, errors.Wrap(err, "decode history")
	}

	return entries, nil
}
