package obs

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/enrollpay/internal/common"
)

// NewLogger configures a zerolog logger using the provided format and level.
// Every record carries the service name.
func NewLogger(service, format, level string) zerolog.Logger {
	return newLogger(os.Stdout, service, format, level)
}

func newLogger(w io.Writer, service, format, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := w
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(out).Level(lvl).With().Timestamp()
	if s := strings.TrimSpace(service); s != "" {
		ctx = ctx.Str("service", s)
	}
	return ctx.Logger()
}

// LoggerFrom returns the request-scoped logger stored by RequestLogger, or
// fallback when none is attached.
func LoggerFrom(ctx context.Context, fallback zerolog.Logger) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return fallback
}

// RequestLogger records structured HTTP request logs enriched with tracing
// metadata and exposes a request-scoped logger to handlers.
type RequestLogger struct {
	Logger zerolog.Logger
}

// Middleware implements chi middleware for structured request logs.
func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		reqID := middleware.GetReqID(ctx)
		spanCtx := trace.SpanContextFromContext(ctx)

		reqLog := l.Logger.With().Str("request_id", reqID).Logger()
		if spanCtx.IsValid() {
			reqLog = reqLog.With().Str("trace_id", spanCtx.TraceID().String()).Logger()
		}
		if userID, ok := common.UserID(ctx); ok && userID != "" {
			reqLog = reqLog.With().Str("user_id", userID).Logger()
		}

		recorder := NewStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r.WithContext(reqLog.WithContext(ctx)))

		route := RoutePatternFromContext(r.Context())
		if route == "" {
			route = r.URL.Path
		}
		status := recorder.Status()
		evt := reqLog.Info()
		switch {
		case status >= http.StatusInternalServerError:
			evt = reqLog.Error()
		case status >= http.StatusBadRequest:
			evt = reqLog.Warn()
		}
		evt.Str("method", r.Method).
			Str("route", route).
			Str("path", r.URL.Path).
			Int("status", status).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Int64("bytes", recorder.BytesWritten()).
			Str("remote_ip", common.ClientIP(r)).
			Msg("http_request")
	})
}
