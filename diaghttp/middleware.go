package diaghttp

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"

	"github.com/peterbourgon/diag"
	"go.uber.org/zap"
)

// Headers set on, or read from, responses.
const (
	HeaderTime      = "X-Diagnostics-Time"
	HeaderID        = "X-Correlation-ID"
	HeaderAvailable = "X-Diagnostics-Available"
	HeaderSuppress  = "X-Suppress-Diagnostics"
)

// MiddlewareConfig captures the configuration parameters for Middleware.
type MiddlewareConfig struct {
	// Script is inserted before the closing body tag of HTML responses to
	// active requests. Typically it loads the viewer. Optional.
	Script string

	// Logger is used for diagnostic output. Default is a no-op logger.
	Logger *zap.Logger
}

// Middleware decorates an HTTP handler so that every request begins and ends
// with the orchestrator. Responses to active requests are buffered, so that
// their headers can include the request duration, and so that HTML responses
// can be rewritten to include the correlation ID and the configured script.
// Handlers can opt out of the rewriting, and of the client history, by
// setting the X-Suppress-Diagnostics response header.
//
// The request is finalized even if the handler panics.
func Middleware(o *diag.Orchestrator, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.With(zap.String("component", "middleware"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, req := o.Begin(r.Context(), MetaFromRequest(r))
			iw := newInterceptor(w, req.Active(), req.Available())

			defer func() {
				x := recover()
				if x != nil {
					iw.code = http.StatusInternalServerError
				}

				outcome := o.End(ctx, req, diag.ResponseMeta{
					Status:   iw.Code(),
					Suppress: iw.Header().Get(HeaderSuppress) != "",
				})

				if req.Available() && iw.code == 0 {
					iw.Header().Set(HeaderAvailable, "true")
				}

				if req.Active() {
					body := iw.buf.Bytes()
					if outcome.Decorate {
						iw.Header().Set(HeaderTime, strconv.FormatFloat(outcome.Duration.Seconds(), 'f', 6, 64))
						iw.Header().Set(HeaderID, outcome.CorrelationID)
					}
					if outcome.Inject && isHTML(iw.Header()) && len(body) > 0 {
						body = inject(body, outcome.CorrelationID, cfg.Script)
					}
					if err := iw.flush(body); err != nil {
						logger.Debug("write response failed", zap.String("correlation_id", outcome.CorrelationID), zap.Error(err))
					}
				}

				if x != nil {
					panic(x)
				}
			}()

			next.ServeHTTP(iw, r.WithContext(ctx))
		})
	}
}

// WithHandler records the descriptor of the handler serving each request,
// and then calls it.
func WithHandler(o *diag.Orchestrator, h diag.HandlerDescriptor, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if req, ok := diag.RequestFromContext(r.Context()); ok {
			o.Dispatch(req, h)
		}
		next.ServeHTTP(w, r)
	})
}

// MetaFromRequest extracts the request metadata used by the orchestrator. A
// request is considered secure if it was received over TLS, or if a proxy
// says so via X-Forwarded-Proto.
func MetaFromRequest(r *http.Request) diag.RequestMeta {
	return diag.RequestMeta{
		Method:     r.Method,
		Path:       r.URL.RequestURI(),
		Secure:     r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https"),
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header,
	}
}

func isHTML(h http.Header) bool {
	return strings.HasPrefix(h.Get("content-type"), "text/html")
}

func inject(body []byte, correlationID, script string) []byte {
	meta := fmt.Sprintf(`<meta name="correlation_id" value="%s">`, html.EscapeString(correlationID))
	body = bytes.Replace(body, []byte("</head>"), []byte(meta+"</head>"), 1)
	if script != "" {
		body = bytes.Replace(body, []byte("</body>"), []byte(script+"</body>"), 1)
	}
	return body
}

//
//
//

// interceptor captures the response code. For active requests it
// also buffers the response body, which is written by flush.
type interceptor struct {
	http.ResponseWriter

	buffer    bool
	available bool
	code      int
	buf       bytes.Buffer
}

func newInterceptor(w http.ResponseWriter, buffer, available bool) *interceptor {
	return &interceptor{ResponseWriter: w, buffer: buffer, available: available}
}

func (i *interceptor) WriteHeader(code int) {
	if i.code != 0 {
		return
	}
	i.code = code
	if i.buffer {
		return
	}
	if i.available {
		i.Header().Set(HeaderAvailable, "true")
	}
	i.ResponseWriter.WriteHeader(code)
}

func (i *interceptor) Write(p []byte) (int, error) {
	if i.code == 0 {
		i.WriteHeader(http.StatusOK)
	}
	if i.buffer {
		return i.buf.Write(p)
	}
	return i.ResponseWriter.Write(p)
}

// Flush implements http.Flusher. Buffered responses can't be flushed early.
func (i *interceptor) Flush() {
	if i.buffer {
		return
	}
	if f, ok := i.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (i *interceptor) Code() int {
	if i.code == 0 {
		return http.StatusOK
	}
	return i.code
}

func (i *interceptor) flush(body []byte) error {
	if len(body) > 0 || i.Header().Get("content-length") != "" {
		i.Header().Set("content-length", strconv.Itoa(len(body)))
	}
	i.ResponseWriter.WriteHeader(i.Code())
	_, err := i.ResponseWriter.Write(body)
	return err
}
