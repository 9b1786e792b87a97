package diag

import (
	"context"
	"regexp"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// Degradation stages, applied in order until a session fits its budget.
const (
	// DegradeNone means the session was published as recorded.
	DegradeNone = 0

	// DegradeTruncate replaces log lines with a single sentinel entry, which
	// is added even if there were no log lines, truncates SQL query text,
	// and drops SQL explain payloads.
	DegradeTruncate = 1

	// DegradeBlank removes SQL query text entirely.
	DegradeBlank = 2
)

const truncatedQueryRunes = 50

var (
	sqlCommentRegexp = regexp.MustCompile(`/\*.+\*/`)
	logsTooBig       = []string{"ERROR", "Logs too big for storage"}
)

// ErrAlreadyPublished is returned when a container is published more than
// once.
var ErrAlreadyPublished = errors.New("diagnostics already published")

// SessionPublisher receives the encoded session of a container.
type SessionPublisher interface {
	PublishSession(ctx context.Context, correlationID string, payload []byte) error
}

// PublishReport describes a published session.
type PublishReport struct {
	Bytes int // size of the published payload
	Stage int // degradation stage that was applied
}

// Size returns the encoded size of the container in bytes.
func (c *Container) Size() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	buf, err := encodeSession(c.id, c.active, c.metrics)
	if err != nil {
		return 0
	}
	return len(buf)
}

// Degrade applies degradation stages in order until the encoded container is
// no larger than budget, or until there are no more stages to apply. It
// returns the stage reached. Stages are applied at most once, so calling
// Degrade again is a no-op.
func (c *Container) Degrade(budget int) int {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	_, _ = c.degradeLocked(budget)
	return c.degraded
}

func (c *Container) degradeLocked(budget int) ([]byte, error) {
	for {
		buf, err := encodeSession(c.id, c.active, c.metrics)
		if err != nil {
			return nil, err
		}

		if len(buf) <= budget {
			return buf, nil
		}

		switch c.degraded {
		case DegradeNone:
			c.truncateLocked()
			c.degraded = DegradeTruncate
		case DegradeTruncate:
			c.blankLocked()
			c.degraded = DegradeBlank
		default:
			return buf, nil // nothing more to give up
		}
	}
}

func (c *Container) truncateLocked() {
	var (
		metrics  = c.metrics[:0:0]
		sentinel bool
	)
	for _, m := range c.metrics {
		switch {
		case m.Kind == KindFreeform && m.Name == MetricLogLines:
			if sentinel {
				continue
			}
			m.Value = logsTooBig
			sentinel = true

		case m.Kind == KindQuery && m.Name == QueryClassSQL:
			m.Query.Text = truncateQuery(m.Query.Text)
			m.Query.Explain = nil
		}
		metrics = append(metrics, m)
	}

	if !sentinel {
		metrics = append(metrics, Metric{Kind: KindFreeform, Name: MetricLogLines, Value: logsTooBig})
	}

	c.metrics = metrics
	c.reindexLocked()
}

func (c *Container) blankLocked() {
	for i, m := range c.metrics {
		if m.Kind == KindQuery && m.Name == QueryClassSQL {
			c.metrics[i].Query.Text = ""
			c.metrics[i].Query.Explain = nil
		}
	}
}

func (c *Container) reindexLocked() {
	for i, m := range c.metrics {
		if m.Kind == KindSingular {
			c.singular[m.Name] = i
		}
	}
}

// truncateQuery strips comments and keeps at most the first 50 runes, followed
// by an ellipsis.
func truncateQuery(text string) string {
	text = sqlCommentRegexp.ReplaceAllString(text, "")
	if utf8.RuneCountInString(text) > truncatedQueryRunes {
		text = string([]rune(text)[:truncatedQueryRunes])
	}
	return text + "..."
}

// DegradeAndPublish degrades the container to fit its size budget, and hands
// the encoded result to the publisher. A container may be published at most
// once; subsequent calls return ErrAlreadyPublished. Inactive containers are
// never published.
func (c *Container) DegradeAndPublish(ctx context.Context, p SessionPublisher) (PublishReport, error) {
	if !c.active {
		return PublishReport{}, nil
	}

	c.mtx.Lock()
	if c.published {
		c.mtx.Unlock()
		return PublishReport{}, ErrAlreadyPublished
	}
	c.published = true
	payload, err := c.degradeLocked(c.maxBytes)
	report := PublishReport{Bytes: len(payload), Stage: c.degraded}
	c.mtx.Unlock()

	if err != nil {
		return report, err
	}

	if err := p.PublishSession(ctx, c.id, payload); err != nil {
		return report, errors.Wrap(err, "publish session")
	}

	return report, nil
}
