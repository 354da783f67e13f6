package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const unmatchedRoute = "unmatched"

type HTTPMetrics interface {
	RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, requestSize, responseSize int64)
}

type MetricsMiddleware struct {
	metrics HTTPMetrics
}

func NewMetricsMiddleware(metrics HTTPMetrics) *MetricsMiddleware {
	return &MetricsMiddleware{
		metrics: metrics,
	}
}

// Middleware records requests by route pattern so topic names do not become label values.
func (m *MetricsMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		wrapped := wrapResponseWriter(w, r)

		next.ServeHTTP(wrapped, r)

		m.metrics.RecordHTTPRequest(
			r.Context(),
			r.Method,
			routePattern(r),
			statusCode(wrapped),
			time.Since(startTime),
			max(r.ContentLength, 0),
			int64(wrapped.BytesWritten()),
		)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	return unmatchedRoute
}
