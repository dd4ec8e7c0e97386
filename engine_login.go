package gatehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// loginEndpointClass is the rate-limit class login attempts are counted
// under. Deployments without an "auth" class fall back to the default class.
const loginEndpointClass = "auth"

// Login verifies the first factor. When the account has two-factor enabled,
// the result carries a single-use pending token instead of a session;
// [Engine.ConfirmLogin] exchanges it for one. Unknown identifiers and wrong
// passwords are indistinguishable to the caller, in error and in timing.
func (e *Engine) Login(ctx context.Context, identifier, password, remoteAddr string) (*LoginResult, error) {
	now := e.clock.Now()
	clientID := ResolveClientID("", "", remoteAddr, false)

	if e.limiter != nil {
		if d := e.limiter.Check(clientID, loginEndpointClass, now); !d.Allowed {
			e.metricInc(MetricLoginRateLimited)
			e.emitAudit(ctx, auditEventLoginFailure, false, "", clientID, "", ErrLoginRateLimited, func() map[string]string {
				return map[string]string{"reason": string(d.Reason)}
			})
			return nil, fmt.Errorf("%w: retry after %s", ErrLoginRateLimited, d.RetryAfter)
		}
	}

	account, err := e.directory.LookupByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Burn the same hashing cost as a real verification.
			_, _ = e.passwords.Verify(password, e.dummyHash)
			e.loginFailed(ctx, "", clientID, ErrInvalidCredentials)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	ok, err := e.passwords.Verify(password, account.PasswordHash)
	if err != nil || !ok {
		e.loginFailed(ctx, account.UserID, clientID, ErrInvalidCredentials)
		return nil, ErrInvalidCredentials
	}

	if !account.Active {
		e.loginFailed(ctx, account.UserID, clientID, ErrAccountInactive)
		return nil, ErrAccountInactive
	}

	if e.config.TwoFactor.Enabled && account.TwoFactorEnabled {
		pending := newPendingTokenID()
		record := PendingToken{
			UserID:    account.UserID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(e.config.TwoFactor.PendingTokenTTL).Unix(),
		}
		if err := e.pending.Save(ctx, pending, record, e.config.TwoFactor.PendingTokenTTL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPendingStoreUnavailable, err)
		}

		e.metricInc(MetricSecondFactorRequired)
		e.emitAudit(ctx, auditEventSecondFactorNeeded, true, account.UserID, clientID, "", nil, nil)

		return &LoginResult{
			SecondFactorRequired: true,
			PendingToken:         pending,
			UserID:               account.UserID,
		}, nil
	}

	return e.openSession(ctx, account.UserID, account.Role, clientID, "password")
}

// ConfirmLogin exchanges a pending token plus a second-factor code for a
// session. The pending token is consumed on first use no matter what: a
// wrong code, a wrong user id, or an expired record all burn it, and the
// client must restart from Login.
func (e *Engine) ConfirmLogin(ctx context.Context, pendingToken, userID, code string) (*LoginResult, error) {
	now := e.clock.Now()
	clientID := "u:" + userID

	record, err := e.pending.Consume(ctx, pendingToken)
	if err != nil {
		if errors.Is(err, ErrPendingTokenInvalid) {
			e.metricInc(MetricPendingTokenReplay)
			e.emitAudit(ctx, auditEventPendingReplay, false, userID, clientID, "", err, nil)
			return nil, ErrPendingTokenInvalid
		}
		return nil, err
	}

	if record.UserID != userID || record.ExpiresAt < now.Unix() {
		e.metricInc(MetricPendingTokenReplay)
		e.emitAudit(ctx, auditEventPendingReplay, false, userID, clientID, "", ErrPendingTokenInvalid, nil)
		return nil, ErrPendingTokenInvalid
	}

	if err := e.verifySecondFactor(ctx, userID, code, now); err != nil {
		e.metricInc(MetricSecondFactorFailure)
		e.emitAudit(ctx, auditEventTwoFactorFailure, false, userID, clientID, "", err, nil)
		return nil, err
	}

	status, err := e.statusCache.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !status.Active {
		return nil, ErrAccountInactive
	}

	e.metricInc(MetricSecondFactorSuccess)
	return e.openSession(ctx, userID, status.Role, clientID, "two_factor")
}

// verifySecondFactor accepts either a live TOTP code or a recovery code.
// Recovery codes carry letters from their alphabet, TOTP codes are all
// digits, so the shape of the input picks the path.
func (e *Engine) verifySecondFactor(ctx context.Context, userID, code string, now time.Time) error {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return ErrCodeInvalid
	}
	if isDigits(trimmed) && len(trimmed) == e.config.TwoFactor.Digits {
		return e.verifyTOTP(ctx, userID, trimmed, now)
	}
	return e.consumeRecoveryCode(ctx, userID, trimmed)
}

func (e *Engine) openSession(ctx context.Context, userID, role, clientID, method string) (*LoginResult, error) {
	session, err := e.tokens.Issue(userID, role, true, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("issuing session: %w", err)
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, userID, clientID, "", nil, func() map[string]string {
		return map[string]string{"method": method}
	})

	return &LoginResult{SessionToken: session, UserID: userID}, nil
}

func (e *Engine) loginFailed(ctx context.Context, userID, clientID string, cause error) {
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, false, userID, clientID, "", cause, nil)
}
