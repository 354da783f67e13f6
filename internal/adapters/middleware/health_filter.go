package middleware

import (
	"context"
	"net/http"
	"slices"
)

type skipAccessLogKey struct{}

// WithoutAccessLog marks the request so the access logger ignores it.
func WithoutAccessLog(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipAccessLogKey{}, true)
}

func skipAccessLog(ctx context.Context) bool {
	skip, ok := ctx.Value(skipAccessLogKey{}).(bool)

	return ok && skip
}

// HealthCheckFilter keeps probe and scrape traffic out of the access log.
type HealthCheckFilter struct {
	endpoints       []string
	logHealthChecks bool
}

func NewHealthCheckFilter(logHealthChecks bool) *HealthCheckFilter {
	return &HealthCheckFilter{
		endpoints: []string{
			"/v1/health",
			"/health",
			"/healthz",
			"/metrics",
		},
		logHealthChecks: logHealthChecks,
	}
}

func (h *HealthCheckFilter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.logHealthChecks && slices.Contains(h.endpoints, r.URL.Path) {
			r = r.WithContext(WithoutAccessLog(r.Context()))
		}

		next.ServeHTTP(w, r)
	})
}
