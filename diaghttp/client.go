package diaghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/cockroachdb/errors"
	"github.com/peterbourgon/diag"
	"github.com/peterbourgon/unixtransport"
)

// HTTPClient models a concrete http.Client.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// NewHTTPClient returns an HTTP client which also understands unix socket
// URLs, e.g. http+unix:///tmp/diag.sock:/sessions/abc.
func NewHTTPClient() *http.Client {
	var transport http.Transport
	unixtransport.Register(&transport)
	return &http.Client{Transport: &transport}
}

// Client reads sessions and histories from a remote server.
type Client struct {
	client  HTTPClient
	baseurl string
}

var _ Reader = (*Client)(nil)

// NewClient returns a client calling the provided URL, which is assumed to be
// an instance of the server defined in this package. If client is nil, the
// client from NewHTTPClient is used.
func NewClient(client HTTPClient, baseurl string) *Client {
	if client == nil {
		client = NewHTTPClient()
	}
	if !strings.HasPrefix(baseurl, "http") {
		baseurl = "http://" + baseurl
	}
	return &Client{
		client:  client,
		baseurl: strings.TrimSuffix(baseurl, "/"),
	}
}

// SessionBytes returns the encoded session with the given correlation ID.
func (c *Client) SessionBytes(ctx context.Context, correlationID string) ([]byte, error) {
	return c.get(ctx, "/sessions/"+url.PathEscape(correlationID))
}

// Session returns the decoded session with the given correlation ID.
func (c *Client) Session(ctx context.Context, correlationID string) (*diag.Session, error) {
	buf, err := c.SessionBytes(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	return diag.DecodeSession(buf)
}

// History returns the history of the given client, oldest first.
func (c *Client) History(ctx context.Context, clientToken string) ([]diag.HistoryEntry, error) {
	buf, err := c.get(ctx, "/history/"+url.PathEscape(clientToken))
	if err != nil {
		return nil, err
	}

	var entries []diag.HistoryEntry
	if err := json.Unmarshal(buf, &entries); err != nil {
		return nil, errors.Wrap(err, "decode history")
	}

	return entries, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseurl+path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "make HTTP request")
	}
	req.Header.Set("accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "execute HTTP request")
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return buf, nil
	case http.StatusNotFound:
		return nil, errors.Wrapf(diag.ErrNotFound, "%s", path)
	default:
		return nil, errors.Newf("remote status code %d", resp.StatusCode)
	}
}

//
//
//

// StreamClient streams session summaries from a server.
type StreamClient struct {
	// URI of the remote server. Required.
	URI string

	// Token limits the stream to the sessions of one client. Optional.
	Token string

	// RetryInterval between reconnect attempts. Default 3s, min 1s, max 60s.
	RetryInterval time.Duration

	// HTTPClient used to connect. Default is NewHTTPClient.
	HTTPClient HTTPClient
}

func (c *StreamClient) initialize() {
	if c.HTTPClient == nil {
		c.HTTPClient = NewHTTPClient()
	}

	if c.URI != "" && !strings.HasPrefix(c.URI, "http") {
		c.URI = "http://" + c.URI
	}

	if def, min, max := 3*time.Second, 1*time.Second, 60*time.Second; c.RetryInterval == 0 {
		c.RetryInterval = def
	} else if c.RetryInterval < min {
		c.RetryInterval = min
	} else if c.RetryInterval > max {
		c.RetryInterval = max
	}
}

// Stream session summaries from the remote server to the provided channel.
// The stream stops when the context is canceled, or a non-recoverable error
// occurs.
func (c *StreamClient) Stream(ctx context.Context, ch chan<- diag.SessionSummary) error {
	c.initialize()

	uri, err := url.Parse(strings.TrimSuffix(c.URI, "/") + "/stream")
	if err != nil {
		return errors.Wrap(err, "parse URI")
	}
	if c.Token != "" {
		query := uri.Query()
		query.Set("token", c.Token)
		uri.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", uri.String(), nil)
	if err != nil {
		return errors.Wrap(err, "make HTTP request")
	}

	es := newEventSource(c.HTTPClient, req, c.RetryInterval)
	for {
		ev, err := es.read()
		if ctx.Err() != nil || errors.Is(err, eventsource.ErrClosed) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read server-sent event")
		}

		switch ev.Type {
		case "session":
			var s diag.SessionSummary
			if err := json.Unmarshal(ev.Data, &s); err != nil {
				return errors.Wrap(err, "decode session event")
			}
			select {
			case <-ctx.Done():
				return nil
			case ch <- s:
			}

		case "init", "heartbeat":
			// ignored

		default:
			return errors.Newf("unknown event type %q", ev.Type)
		}
	}
}

//
//
//

// PermissionsClient implements diag.PermissionsLookup by asking a remote
// permissions service which authorization entities it evaluated for a
// request. The service receives {"correlation_id": …} and responds with
// {"request_entity_perms": […]}.
type PermissionsClient struct {
	client HTTPClient
	url    string
}

var _ diag.PermissionsLookup = (*PermissionsClient)(nil)

// NewPermissionsClient returns a client calling the provided URL. If client
// is nil, the client from NewHTTPClient is used.
func NewPermissionsClient(client HTTPClient, url string) *PermissionsClient {
	if client == nil {
		client = NewHTTPClient()
	}
	return &PermissionsClient{client: client, url: url}
}

// RequestPermissions implements diag.PermissionsLookup.
func (c *PermissionsClient) RequestPermissions(ctx context.Context, correlationID string) ([]any, error) {
	body, err := json.Marshal(map[string]string{"correlation_id": correlationID})
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "make HTTP request")
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "execute HTTP request")
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("remote status code %d", resp.StatusCode)
	}

	var res struct {
		Perms []any `json:"request_entity_perms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, errors.Wrap(err, "decode response")
	}

	return res.Perms, nil
}
