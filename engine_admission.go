package gatehouse

import (
	"context"
	"net/url"
	"strconv"
)

// AdmissionRequest is the transport-neutral view of one inbound request.
// The middleware package fills it from *http.Request; other transports can
// construct it directly.
type AdmissionRequest struct {
	Method        string
	Path          string
	Query         url.Values
	ContentType   string
	ContentLength int64
	Body          []byte

	RemoteAddr   string
	ForwardedFor string

	// BearerToken is the raw session token, empty for anonymous requests.
	BearerToken string

	// TLS reports whether the request arrived over an encrypted transport.
	// It gates the Strict-Transport-Security header only.
	TLS bool
}

// Admit runs the full checkpoint sequence for one request: body-size cap,
// suspicious-pattern scan, sliding-window rate limit, then token parsing and
// live status revalidation. The first failing checkpoint decides the outcome;
// later checkpoints do not run, so a rate-limited request never reaches the
// directory.
func (e *Engine) Admit(ctx context.Context, req AdmissionRequest) Decision {
	start := e.clock.Now()
	d := e.admit(ctx, req)
	e.metrics.Observe(MetricAdmitLatency, e.clock.Now().Sub(start))
	return d
}

func (e *Engine) admit(ctx context.Context, req AdmissionRequest) Decision {
	if max := e.config.Admission.MaxBodyBytes; max > 0 {
		if req.ContentLength > max || int64(len(req.Body)) > max {
			e.metricInc(MetricAdmitOversized)
			e.emitAudit(ctx, auditEventAdmissionDenied, false, "", e.clientID(req, ""), req.Path, nil, func() map[string]string {
				return map[string]string{"reason": string(DenyOversized)}
			})
			return Decision{Reason: DenyOversized}
		}
	}

	if e.filter != nil {
		if matched, family := e.filter.Scan(req.Query, req.ContentType, req.Body); matched {
			e.metricInc(MetricAdmitSuspicious)
			e.emitAudit(ctx, auditEventAdmissionDenied, false, "", e.clientID(req, ""), req.Path, nil, func() map[string]string {
				return map[string]string{"reason": string(DenySuspicious), "family": family}
			})
			return Decision{Reason: DenySuspicious}
		}
	}

	// Parse the token before the rate check so authenticated traffic is
	// counted under the subject, not the shared NAT address. Parse failures
	// are deferred: an over-limit request with a bad token is still a
	// rate-limit denial first.
	subject, role, tokenPresent, tokenValid := e.identity(req.BearerToken)

	if e.limiter != nil {
		clientID := e.clientID(req, subject)
		class := e.limiter.ClassifyPath(req.Path)
		d := e.limiter.Check(clientID, class, e.clock.Now())
		if !d.Allowed {
			e.metricInc(MetricAdmitRateLimited)
			e.emitAudit(ctx, auditEventAdmissionDenied, false, subject, clientID, req.Path, nil, func() map[string]string {
				return map[string]string{
					"reason":      string(d.Reason),
					"class":       class,
					"retry_after": strconv.FormatInt(int64(d.RetryAfter.Seconds()), 10),
				}
			})
			return d
		}

		if tokenPresent {
			return e.revalidate(ctx, req, d, subject, role, tokenValid)
		}
		d.UserID, d.Role = "", ""
		e.metricInc(MetricAdmitAllowed)
		return d
	}

	d := Decision{Allowed: true}
	if tokenPresent {
		return e.revalidate(ctx, req, d, subject, role, tokenValid)
	}
	e.metricInc(MetricAdmitAllowed)
	return d
}

// revalidate checks a presented token against the live user status. Claims
// are treated as hints only: the cached directory status decides, so a
// deactivated account is cut off within the cache TTL at worst and on the
// next request when the deactivation hook fired.
func (e *Engine) revalidate(ctx context.Context, req AdmissionRequest, d Decision, subject, role string, tokenValid bool) Decision {
	clientID := e.clientID(req, subject)

	if !tokenValid {
		e.metricInc(MetricAdmitUnauthenticated)
		e.emitAudit(ctx, auditEventAdmissionDenied, false, "", clientID, req.Path, ErrTokenInvalid, func() map[string]string {
			return map[string]string{"reason": string(DenyUnauthenticated)}
		})
		d.Allowed = false
		d.Reason = DenyUnauthenticated
		d.RetryAfter = 0
		return d
	}

	status, err := e.statusCache.Resolve(ctx, subject)
	if err != nil || !status.Active {
		e.metricInc(MetricAdmitRevoked)
		e.emitAudit(ctx, auditEventSessionRevoked, false, subject, clientID, req.Path, err, func() map[string]string {
			return map[string]string{"reason": string(DenyRevoked)}
		})
		d.Allowed = false
		d.Reason = DenyRevoked
		d.RetryAfter = 0
		return d
	}
	if status.Role != role {
		// Role drifted since issuance; the session must be re-established.
		e.metricInc(MetricAdmitRevoked)
		e.emitAudit(ctx, auditEventSessionRevoked, false, subject, clientID, req.Path, nil, func() map[string]string {
			return map[string]string{"reason": string(DenyRevoked), "cause": "role_changed"}
		})
		d.Allowed = false
		d.Reason = DenyRevoked
		d.RetryAfter = 0
		return d
	}

	d.UserID = subject
	d.Role = status.Role
	e.metricInc(MetricAdmitAllowed)
	return d
}

// identity parses the bearer token, if any, into (subject, role). A present
// but unparseable token yields tokenValid == false; the caller turns that
// into an unauthenticated denial after the rate check.
func (e *Engine) identity(bearer string) (subject, role string, present, valid bool) {
	if bearer == "" {
		return "", "", false, false
	}
	claims, err := e.tokens.Parse(bearer)
	if err != nil {
		return "", "", true, false
	}
	return claims.UserID, claims.Role, true, true
}

func (e *Engine) clientID(req AdmissionRequest, subject string) string {
	trust := e.config.RateLimit.TrustForwardedFor
	return ResolveClientID(subject, req.ForwardedFor, req.RemoteAddr, trust)
}
