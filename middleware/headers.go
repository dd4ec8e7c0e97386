package middleware

import (
	"net/http"

	gatehouse "github.com/innkeepr/gatehouse"
)

// SecurityHeaders stamps the fixed security-header set on every response
// before the next handler runs, so denials produced downstream carry the
// same headers as successes.
func SecurityHeaders(cfg gatehouse.HeaderConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gatehouse.ApplyHeaders(w.Header(), cfg, r.TLS != nil)
			next.ServeHTTP(w, r)
		})
	}
}
