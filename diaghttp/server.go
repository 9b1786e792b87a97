package diaghttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/bernerdschaefer/eventsource"
	"github.com/cockroachdb/errors"
	"github.com/peterbourgon/diag"
	"go.uber.org/zap"
)

// Reader describes anything that can read published sessions and client
// histories. The typical implementation is [diag.Publisher].
type Reader interface {
	SessionBytes(ctx context.Context, correlationID string) ([]byte, error)
	History(ctx context.Context, clientToken string) ([]diag.HistoryEntry, error)
}

// Subscriber describes anything that can stream summaries of published
// sessions. The typical implementation is [diag.Orchestrator].
type Subscriber interface {
	Subscribe(ctx context.Context, allow func(diag.SessionSummary) bool, ch chan<- diag.SessionSummary) error
}

// ServerConfig captures the configuration parameters for a server.
type ServerConfig struct {
	// Reader provides sessions and histories. Required.
	Reader Reader

	// Subscriber provides the live stream. If nil, the stream endpoint
	// responds with 404.
	Subscriber Subscriber

	// Heartbeat is the interval between keepalive events on the stream.
	// Default 10s, min 1s, max 60s.
	Heartbeat time.Duration

	// Logger is used for diagnostic output. Default is a no-op logger.
	Logger *zap.Logger
}

func (cfg *ServerConfig) initialize() {
	if def, min, max := 10*time.Second, 1*time.Second, 60*time.Second; cfg.Heartbeat == 0 {
		cfg.Heartbeat = def
	} else if cfg.Heartbeat < min {
		cfg.Heartbeat = min
	} else if cfg.Heartbeat > max {
		cfg.Heartbeat = max
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// Server serves the viewer API.
//
//	GET /sessions/{id}     the published session with the given correlation ID
//	GET /history/{token}   the history of the given client, oldest first
//	GET /stream            server-sent events for every published session
//
// Sessions and histories are rendered as HTML when the request accepts
// text/html, unless the json query parameter is present.
//
// The stream can be limited to the sessions of one client with a token query
// parameter.
type Server struct {
	cfg    ServerConfig
	logger *zap.Logger
	mux    *http.ServeMux
}

// NewServer returns a server for the given config.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Reader == nil {
		return nil, errors.New("reader is required")
	}

	cfg.initialize()

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "server")),
		mux:    http.NewServeMux(),
	}

	s.mux.Handle("GET /sessions/{id}", gziphandler.GzipHandler(http.HandlerFunc(s.handleSession)))
	s.mux.Handle("GET /history/{token}", gziphandler.GzipHandler(http.HandlerFunc(s.handleHistory)))
	s.mux.HandleFunc("GET /stream", s.handleStream)

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	buf, err := s.cfg.Reader.SessionBytes(r.Context(), id)
	switch {
	case errors.Is(err, diag.ErrNotFound):
		respondError(w, err, http.StatusNotFound)
		return
	case err != nil:
		s.logger.Warn("read session failed", zap.String("correlation_id", id), zap.Error(err))
		respondError(w, err, http.StatusInternalServerError)
		return
	}

	if wantsHTML(r) {
		session, err := diag.DecodeSession(buf)
		if err != nil {
			respondError(w, err, http.StatusInternalServerError)
			return
		}
		renderHTML(w, "session.html", session)
		return
	}

	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Write(buf)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.cfg.Reader.History(r.Context(), r.PathValue("token"))
	switch {
	case errors.Is(err, diag.ErrNotFound):
		entries = []diag.HistoryEntry{}
	case err != nil:
		s.logger.Warn("read history failed", zap.Error(err))
		respondError(w, err, http.StatusInternalServerError)
		return
	}

	if wantsHTML(r) {
		renderHTML(w, "history.html", entries)
		return
	}

	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Subscriber == nil {
		respondError(w, errors.New("streaming not enabled"), http.StatusNotFound)
		return
	}

	if !RequestExplicitlyAccepts(r, "text/event-stream") {
		err := errors.Newf("invalid request Accept header (%s)", r.Header.Get("accept"))
		respondError(w, err, http.StatusBadRequest)
		return
	}

	var (
		token    = r.URL.Query().Get("token")
		summaryc = make(chan diag.SessionSummary, 100)
		donec    = make(chan struct{})
		allow    func(diag.SessionSummary) bool
	)

	if token != "" {
		allow = func(s diag.SessionSummary) bool { return s.ClientToken == token }
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		err := s.cfg.Subscriber.Subscribe(ctx, allow, summaryc)
		s.logger.Debug("stream subscription done", zap.Error(err))
		close(donec)
	}()
	defer func() {
		cancel()
		<-donec
	}()

	eventsource.Handler(func(lastID string, encoder *eventsource.Encoder, stop <-chan bool) {
		heartbeat := time.NewTicker(s.cfg.Heartbeat)
		defer heartbeat.Stop()

		initc := make(chan struct{}, 1)
		initc <- struct{}{}

		for {
			select {
			case <-initc:
				data, err := json.Marshal(map[string]any{"filtered": token != ""})
				if err != nil {
					continue
				}
				if err := encoder.Encode(eventsource.Event{Type: "init", Data: data}); err != nil {
					s.logger.Debug("encode init failed", zap.Error(err))
					return
				}

			case <-heartbeat.C:
				if err := encoder.Encode(eventsource.Event{Type: "heartbeat", Data: []byte("{}")}); err != nil {
					s.logger.Debug("encode heartbeat failed", zap.Error(err))
					return
				}

			case summary := <-summaryc:
				data, err := json.Marshal(summary)
				if err != nil {
					s.logger.Warn("marshal summary failed", zap.Error(err))
					continue
				}
				if err := encoder.Encode(eventsource.Event{Type: "session", ID: summary.CorrelationID, Data: data}); err != nil {
					s.logger.Debug("encode session failed", zap.Error(err))
					return
				}

			case <-donec:
				return

			case <-stop:
				return

			case <-ctx.Done():
				return
			}
		}
	}).ServeHTTP(w, r)
}
