// Package trace tags every request with an id, attaches a request-scoped
// logger and writes the access log.
package trace

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	applog "carbook/internal/log"
)

// RequestIDHeader is read from upstream proxies and echoed on responses.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// Stats counts finished requests. DurationMs is the sum over all of them.
type Stats struct {
	Requests     int64
	ClientErrors int64
	ServerErrors int64
	DurationMs   int64
}

type Tracer struct {
	logger   *applog.Logger
	clientIP func(*http.Request) string

	requests, clientErrors, serverErrors, durationMs atomic.Int64
}

// New returns a tracer logging through logger. clientIP may be nil.
func New(logger *applog.Logger, clientIP func(*http.Request) string) *Tracer {
	if logger == nil {
		logger = applog.FromContext(context.Background())
	}
	if clientIP == nil {
		clientIP = func(r *http.Request) string { return r.RemoteAddr }
	}
	return &Tracer{logger: logger, clientIP: clientIP}
}

func (t *Tracer) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(RequestIDHeader)
		if !validRequestID(id) {
			id = NewRequestID()
		}
		w.Header().Set(RequestIDHeader, id)

		logger := t.logger.With(applog.FieldRequestID, id)
		ctx := applog.WithContext(context.WithValue(r.Context(), requestIDKey{}, id), logger)
		r = r.WithContext(ctx)

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		status := sw.Status()
		elapsed := time.Since(start).Milliseconds()
		t.requests.Add(1)
		t.durationMs.Add(elapsed)
		if status >= 500 {
			t.serverErrors.Add(1)
		} else if status >= 400 {
			t.clientErrors.Add(1)
		}
		logger.LogRequest(ctx, r, status, elapsed, t.clientIP(r))
	})
}

func (t *Tracer) Stats() Stats {
	return Stats{
		Requests:     t.requests.Load(),
		ClientErrors: t.clientErrors.Load(),
		ServerErrors: t.serverErrors.Load(),
		DurationMs:   t.durationMs.Load(),
	}
}

// RequestID returns the id of the request ctx belongs to, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func NewRequestID() string {
	return uuid.NewString()
}

// validRequestID accepts printable ASCII ids of up to 64 bytes.
func validRequestID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '!' || id[i] > '~' {
			return false
		}
	}
	return true
}

// statusWriter remembers the first status written; 200 when the handler
// never calls WriteHeader.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
