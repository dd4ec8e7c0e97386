package gatehouse

import "errors"

var (
	// ErrEngineNotReady is returned when a method is called on an Engine that
	// was not fully constructed through [Builder.Build].
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrInvalidCredentials covers both unknown identifier and wrong password;
	// the wording is deliberately uniform to avoid account enumeration.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned by [UserDirectory] lookups for unknown ids.
	ErrUserNotFound = errors.New("user not found")
	// ErrAccountInactive is returned when a deactivated account attempts any
	// authenticated operation.
	ErrAccountInactive = errors.New("account inactive")
	// ErrDirectoryUnavailable wraps transient user-directory failures. Status
	// checks fail closed on this error.
	ErrDirectoryUnavailable = errors.New("user directory unavailable")
	// ErrSessionRevoked signals that a session token's embedded claims no
	// longer match the live user status and the caller must log in again.
	ErrSessionRevoked = errors.New("session revoked, login required")
	// ErrLoginRateLimited is returned when the auth endpoint class budget is
	// exhausted for the caller.
	ErrLoginRateLimited = errors.New("login rate limited")
	// ErrTwoFactorDisabled is returned when two-factor operations are invoked
	// but the feature is off in [TwoFactorConfig].
	ErrTwoFactorDisabled = errors.New("two-factor feature disabled")
	// ErrTwoFactorNotConfigured is returned when no secret exists for the user.
	ErrTwoFactorNotConfigured = errors.New("two-factor not configured")
	// ErrTwoFactorRequired signals that first-factor login succeeded and a
	// second factor must be presented.
	ErrTwoFactorRequired = errors.New("second factor required")
	// ErrCodeInvalid covers wrong TOTP codes and wrong recovery codes with
	// uniform wording.
	ErrCodeInvalid = errors.New("invalid code")
	// ErrTwoFactorUnavailable wraps transient failures of the 2FA backing
	// store.
	ErrTwoFactorUnavailable = errors.New("two-factor backend unavailable")
	// ErrRecoveryCodesNotConfigured is returned when consuming a recovery code
	// for a user that has none.
	ErrRecoveryCodesNotConfigured = errors.New("recovery codes not configured")
	// ErrPendingTokenInvalid covers unknown, expired, and already-consumed
	// pending-login tokens. A failed second factor always requires a fresh
	// first factor.
	ErrPendingTokenInvalid = errors.New("pending login token invalid")
	// ErrPendingStoreUnavailable wraps transient pending-token store failures.
	ErrPendingStoreUnavailable = errors.New("pending token store unavailable")
	// ErrTokenInvalid is returned for malformed, forged, or expired session
	// tokens.
	ErrTokenInvalid = errors.New("invalid token")
)
