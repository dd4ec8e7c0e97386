package gatehouse

import (
	"net/http"
	"strconv"
	"time"
)

const (
	defaultCSP               = "default-src 'self'; frame-ancestors 'none'; object-src 'none'; base-uri 'self'"
	defaultReferrerPolicy    = "strict-origin-when-cross-origin"
	defaultPermissionsPolicy = "geolocation=(), microphone=(), camera=()"
)

// ApplyHeaders appends the hardening header set to h. It is a pure response
// decorator with no failure mode and is applied to every response, allowed
// or denied, so error responses carry the same headers. HSTS is set only
// for encrypted connections.
func ApplyHeaders(h http.Header, cfg HeaderConfig, encrypted bool) {
	if !cfg.Enabled {
		return
	}

	csp := cfg.ContentSecurityPolicy
	if csp == "" {
		csp = defaultCSP
	}
	referrer := cfg.ReferrerPolicy
	if referrer == "" {
		referrer = defaultReferrerPolicy
	}
	permissions := cfg.PermissionsPolicy
	if permissions == "" {
		permissions = defaultPermissionsPolicy
	}

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", csp)
	h.Set("Referrer-Policy", referrer)
	h.Set("Permissions-Policy", permissions)

	if encrypted {
		maxAge := cfg.HSTSMaxAge
		if maxAge <= 0 {
			maxAge = 2 * 365 * 24 * time.Hour
		}
		h.Set("Strict-Transport-Security",
			"max-age="+strconv.FormatInt(int64(maxAge/time.Second), 10)+"; includeSubDomains")
	}
}
