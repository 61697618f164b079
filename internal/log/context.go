package log

import (
	"context"
	"log/slog"
	"net/http"

	"carbook/internal/core"
)

type loggerKey struct{}

// WithContext returns ctx carrying logger.
func WithContext(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the request logger, or the default logger tagged
// "unknown" when none was attached.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return logger
	}
	return Wrap(slog.Default(), "unknown")
}

// LogRequest writes the access line for a finished request. 4xx logs at
// warn and 5xx at error.
func (l *Logger) LogRequest(ctx context.Context, r *http.Request, status int, durationMs int64, clientIP string) {
	level := slog.LevelInfo
	switch {
	case status >= 500:
		level = slog.LevelError
	case status >= 400:
		level = slog.LevelWarn
	}
	l.Fields(ctx, level, "HTTP request completed", NewFields().
		WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("User-Agent")).
		WithHTTPResponse(status, durationMs, status < 400).
		WithClientIP(clientIP))
}

func (l *Logger) LogRecordSaved(ctx context.Context, rec core.Record, op string) {
	l.Fields(ctx, slog.LevelInfo, "Record saved", NewFields().WithRecord(rec).WithOperation(op))
}

// LogFailure logs err at error level with its class and the operation
// that failed. fields may be nil.
func (l *Logger) LogFailure(ctx context.Context, msg string, err error, errorType, operation string, fields LogFields) {
	if fields == nil {
		fields = NewFields()
	}
	l.Fields(ctx, slog.LevelError, msg, fields.WithError(err).WithErrorType(errorType).WithOperation(operation))
}
