package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	gatehouse "github.com/innkeepr/gatehouse"
)

type identityContextKey struct{}

// Identity is the authenticated principal the admission guard injects into
// the request context on allowed, token-bearing requests.
type Identity struct {
	UserID string
	Role   string
}

// IdentityFromContext returns the identity injected by [Admission], if any.
// Anonymous requests that passed admission carry no identity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(Identity)
	return id, ok
}

// Admission runs the engine's checkpoint sequence for each request and maps
// the decision onto the response: 413 for oversized bodies, 400 for
// suspicious payloads, 429 with Retry-After for exhausted windows, 401 for
// missing/invalid/revoked sessions. Allowed requests proceed with the
// remaining-quota headers set and the body restored for downstream reads.
func Admission(engine *gatehouse.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}

			body, overflow, err := bufferBody(r, engine.MaxBodyBytes())
			if err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if overflow {
				http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			bearer, _ := bearerToken(r.Header.Get("Authorization"))

			decision := engine.Admit(r.Context(), gatehouse.AdmissionRequest{
				Method:        r.Method,
				Path:          r.URL.Path,
				Query:         r.URL.Query(),
				ContentType:   r.Header.Get("Content-Type"),
				ContentLength: r.ContentLength,
				Body:          body,
				RemoteAddr:    r.RemoteAddr,
				ForwardedFor:  r.Header.Get("X-Forwarded-For"),
				BearerToken:   bearer,
				TLS:           r.TLS != nil,
			})

			if decision.Reason.RateLimited() || decision.Allowed {
				setRateHeaders(w.Header(), decision)
			}

			if !decision.Allowed {
				writeDenial(w, decision)
				return
			}

			if decision.UserID != "" {
				ctx := context.WithValue(r.Context(), identityContextKey{}, Identity{
					UserID: decision.UserID,
					Role:   decision.Role,
				})
				r = r.WithContext(ctx)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bufferBody reads at most max+1 bytes so an oversized body is detected
// without buffering all of it.
func bufferBody(r *http.Request, max int64) (body []byte, overflow bool, err error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, false, nil
	}
	if max <= 0 {
		body, err = io.ReadAll(r.Body)
		return body, false, err
	}
	if r.ContentLength > max {
		return nil, true, nil
	}
	body, err = io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > max {
		return nil, true, nil
	}
	return body, false, nil
}

func writeDenial(w http.ResponseWriter, d gatehouse.Decision) {
	switch {
	case d.Reason == gatehouse.DenyOversized:
		http.Error(w, "request entity too large", http.StatusRequestEntityTooLarge)
	case d.Reason == gatehouse.DenySuspicious:
		http.Error(w, "bad request", http.StatusBadRequest)
	case d.Reason.RateLimited():
		w.Header().Set("Retry-After", strconv.FormatInt(int64(d.RetryAfter.Seconds()), 10))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	default:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func setRateHeaders(h http.Header, d gatehouse.Decision) {
	h.Set("X-RateLimit-Remaining-Burst", strconv.Itoa(d.RemainingBurst))
	h.Set("X-RateLimit-Remaining-Minute", strconv.Itoa(d.RemainingMinute))
	h.Set("X-RateLimit-Remaining-Day", strconv.Itoa(d.RemainingDaily))
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
