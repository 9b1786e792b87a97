package diag

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Session is the published form of a container. Metrics are grouped by kind
// and then by name; within each name, insertion order is preserved.
type Session struct {
	CorrelationID string                  `json:"correlation_id"`
	Active        bool                    `json:"active"`
	Singular      map[string]any          `json:"singular"`
	Timed         map[string][]TimedValue `json:"timed"`
	Queries       map[string][]QueryValue `json:"queries"`
	Freeform      map[string][]any        `json:"freeform"`
}

// TimedValue is a single timed metric in a session.
type TimedValue struct {
	Value any  `json:"value"`
	Span  Span `json:"d"`
}

// QueryValue is a single query metric in a session.
type QueryValue struct {
	Kind        string `json:"kind"`
	Text        string `json:"text"`
	NeedsFormat bool   `json:"needs_format"`
	Span        Span   `json:"d"`
	Explain     any    `json:"explain,omitempty"`
}

// DecodeSession parses a published session.
func DecodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "decode session")
	}
	return &s, nil
}

// sessionOf groups the metrics into their published form. Values that can't
// be encoded as JSON are replaced with their fmt rendering.
func sessionOf(id string, active bool, metrics []Metric) *Session {
	s := &Session{
		CorrelationID: id,
		Active:        active,
		Singular:      map[string]any{},
		Timed:         map[string][]TimedValue{},
		Queries:       map[string][]QueryValue{},
		Freeform:      map[string][]any{},
	}

	for _, m := range metrics {
		switch m.Kind {
		case KindSingular:
			s.Singular[m.Name] = encodable(m.Value)
		case KindTimed:
			s.Timed[m.Name] = append(s.Timed[m.Name], TimedValue{Value: encodable(m.Value), Span: m.Span})
		case KindQuery:
			var explain any
			if m.Query.Explain != nil {
				explain = encodable(m.Query.Explain)
			}
			s.Queries[m.Name] = append(s.Queries[m.Name], QueryValue{
				Kind:        m.Query.Kind,
				Text:        m.Query.Text,
				NeedsFormat: m.Query.NeedsFormat,
				Span:        m.Span,
				Explain:     explain,
			})
		case KindFreeform:
			s.Freeform[m.Name] = append(s.Freeform[m.Name], encodable(m.Value))
		}
	}

	return s
}

func encodable(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return json.RawMessage(buf)
}

func encodeSession(id string, active bool, metrics []Metric) ([]byte, error) {
	buf, err := json.Marshal(sessionOf(id, active, metrics))
	if err != nil {
		return nil, errors.Wrap(err, "encode session")
	}
	return buf, nil
}
