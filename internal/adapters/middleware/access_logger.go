package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

type AccessLogger struct {
	logger zerolog.Logger
}

func NewAccessLogger(logger zerolog.Logger) *AccessLogger {
	return &AccessLogger{
		logger: logger.With().Str("component", "http_access").Logger(),
	}
}

func (a *AccessLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if skipAccessLog(r.Context()) {
			next.ServeHTTP(w, r)

			return
		}

		startTime := time.Now()
		wrapped := wrapResponseWriter(w, r)

		next.ServeHTTP(wrapped, r)

		duration := time.Since(startTime)
		status := statusCode(wrapped)

		var logEvent *zerolog.Event

		switch {
		case status >= http.StatusInternalServerError:
			logEvent = a.logger.Error()
		case status >= http.StatusBadRequest:
			logEvent = a.logger.Warn()
		default:
			logEvent = a.logger.Info()
		}

		logEvent.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", routePattern(r)).
			Str("query", r.URL.RawQuery).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Str("proto", r.Proto).
			Int("status_code", status).
			Int("response_size_bytes", wrapped.BytesWritten()).
			Dur("duration", duration).
			Float64("duration_ms", float64(duration.Microseconds())/1000)

		if requestID := chimw.GetReqID(r.Context()); requestID != "" {
			logEvent.Str("request_id", requestID)
		} else if requestID := r.Header.Get(chimw.RequestIDHeader); requestID != "" {
			logEvent.Str("request_id", requestID)
		}

		if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
			logEvent.Str("trace_id", sc.TraceID().String())
		}

		logEvent.Msg("HTTP request completed")
	})
}

func wrapResponseWriter(w http.ResponseWriter, r *http.Request) chimw.WrapResponseWriter {
	if ww, ok := w.(chimw.WrapResponseWriter); ok {
		return ww
	}

	return chimw.NewWrapResponseWriter(w, r.ProtoMajor)
}

// statusCode defaults to 200 when the handler never wrote a header.
func statusCode(w chimw.WrapResponseWriter) int {
	if status := w.Status(); status != 0 {
		return status
	}

	return http.StatusOK
}
