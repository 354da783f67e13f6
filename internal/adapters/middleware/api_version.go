package middleware

import (
	"net/http"
)

// APIVersion stamps every response with the API version and the service build.
func APIVersion(apiVersion, serviceVersion string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("API-Version", apiVersion)

			if serviceVersion != "" {
				w.Header().Set("Service-Version", serviceVersion)
			}

			next.ServeHTTP(w, r)
		})
	}
}
