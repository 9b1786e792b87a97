package diag

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the variant of a [Metric].
type Kind uint8

const (
	// KindSingular metrics have one value per name; the last write wins.
	KindSingular Kind = iota + 1

	// KindTimed metrics are a value with a start and stop time, appended in
	// order per name.
	KindTimed

	// KindQuery metrics describe a query, grouped by query class, e.g. SQL.
	KindQuery

	// KindFreeform metrics are opaque values, appended in order per name.
	KindFreeform
)

func (k Kind) String() string {
	switch k {
	case KindSingular:
		return "singular"
	case KindTimed:
		return "timed"
	case KindQuery:
		return "query"
	case KindFreeform:
		return "freeform"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Metric is a single recorded metric. Which fields are meaningful depends on
// the kind: Value for singular, timed, and freeform metrics; Span for timed
// and query metrics; Query only for query metrics. For query metrics, Name is
// the query class.
type Metric struct {
	Kind  Kind
	Name  string
	Value any
	Span  Span
	Query Query
}

// Query is the detail of a query metric.
type Query struct {
	Kind        string // e.g. SELECT, INSERT
	Text        string
	NeedsFormat bool
	Explain     any // nil means no explain payload
}

// Span is an interval expressed in float seconds. For wall-clock intervals
// the values are Unix times; for CPU intervals they're cumulative process CPU
// seconds. On the wire, a span is a two-element array [start, stop].
type Span struct {
	Start float64
	Stop  float64
}

// SpanOf returns the span between two wall-clock times.
func SpanOf(start, stop time.Time) Span {
	return Span{Start: unixSeconds(start), Stop: unixSeconds(stop)}
}

// Seconds returns the length of the span.
func (s Span) Seconds() float64 {
	return s.Stop - s.Start
}

// Duration returns the length of the span.
func (s Span) Duration() time.Duration {
	return time.Duration(s.Seconds() * float64(time.Second))
}

// MarshalJSON implements json.Marshaler.
func (s Span) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{s.Start, s.Stop})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Span) UnmarshalJSON(data []byte) error {
	var a [2]float64
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	s.Start, s.Stop = a[0], a[1]
	return nil
}

// Timing is the value of a singular metric which represents a duration, e.g.
// total_time or user_cpu. It's encoded as {"d": [start, stop]}.
type Timing struct {
	Span Span `json:"d"`
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
