package diaghttp

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/cockroachdb/errors"
)

// eventSource consumes server-sent events with automatic reconnects. It's
// bound to the context of its request: once that context is done, Read
// returns the context error, and no other goroutine needs to close it.
type eventSource struct {
	client      HTTPClient
	request     *http.Request
	retry       time.Duration
	err         error
	r           io.ReadCloser
	dec         *eventsource.Decoder
	lastEventID string
}

func newEventSource(client HTTPClient, req *http.Request, retry time.Duration) *eventSource {
	req.Header.Set("accept", "text/event-stream")
	req.Header.Set("cache-control", "no-cache")
	return &eventSource{
		client:  client,
		request: req,
		retry:   retry,
	}
}

func (es *eventSource) close() {
	if es.r != nil {
		es.r.Close()
		es.r = nil
	}
}

func (es *eventSource) wait(ctx context.Context) bool {
	select {
	case <-time.After(es.retry):
		return true
	case <-ctx.Done():
		es.err = ctx.Err()
		return false
	}
}

func (es *eventSource) connect() {
	ctx := es.request.Context()
	for es.err == nil {
		if es.r != nil {
			es.close()
			if !es.wait(ctx) {
				return
			}
		}

		req := es.request.Clone(ctx)
		req.Header.Set("last-event-id", es.lastEventID)

		resp, err := es.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				es.err = ctx.Err()
				return
			}
			if !es.wait(ctx) {
				return
			}
			continue // reconnect
		}

		switch {
		case resp.StatusCode >= 500:
			resp.Body.Close() // assumed to be temporary
			if !es.wait(ctx) {
				return
			}

		case resp.StatusCode == http.StatusNoContent:
			resp.Body.Close()
			es.err = eventsource.ErrClosed

		case resp.StatusCode != http.StatusOK:
			resp.Body.Close()
			es.err = errors.Newf("endpoint returned unrecoverable status %q", resp.Status)

		default:
			mediatype, _, _ := mime.ParseMediaType(resp.Header.Get("content-type"))
			if mediatype != "text/event-stream" {
				resp.Body.Close()
				es.err = errors.Newf("invalid content type %q", resp.Header.Get("content-type"))
				return
			}
			es.r = resp.Body
			es.dec = eventsource.NewDecoder(es.r)
			return
		}
	}
}

// read the next event. Once an error is returned, every further call returns
// the same error.
func (es *eventSource) read() (eventsource.Event, error) {
	if es.r == nil {
		es.connect()
	}

	for es.err == nil {
		var e eventsource.Event
		err := es.dec.Decode(&e)

		if errors.Is(err, eventsource.ErrInvalidEncoding) {
			continue
		}

		if err != nil {
			if ctx := es.request.Context(); ctx.Err() != nil {
				es.err = ctx.Err()
				break
			}
			es.connect()
			continue
		}

		if len(e.Data) == 0 {
			continue
		}

		if len(e.ID) > 0 || e.ResetID {
			es.lastEventID = e.ID
		}

		if len(e.Retry) > 0 {
			if retry, err := strconv.Atoi(e.Retry); err == nil {
				es.retry = time.Duration(retry) * time.Millisecond
			}
		}

		return e, nil
	}

	es.close()
	return eventsource.Event{}, es.err
}
