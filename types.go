package gatehouse

import (
	"context"
	"time"
)

// Clock abstracts wall-clock reads so the rate limiter, caches, and the TOTP
// engine can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a [Clock] backed by [time.Now].
func SystemClock() Clock { return systemClock{} }

// UserStatus is the live view of an account as reported by the directory.
// It is the source of truth the admission pipeline checks token claims
// against.
type UserStatus struct {
	Active bool
	Role   string
}

// UserAccount is the credential record returned by
// [UserDirectory.LookupByIdentifier] during login.
type UserAccount struct {
	UserID           string
	Identifier       string
	PasswordHash     string
	Role             string
	Active           bool
	TwoFactorEnabled bool
}

// TwoFactorRecord is the durable per-user 2FA state held by the directory.
// Secret is stored raw; Confirmed flips only after a live code verified
// during setup; LastUsedCounter guards against TOTP replay inside the skew
// window.
type TwoFactorRecord struct {
	Secret          []byte
	Enabled         bool
	Confirmed       bool
	LastUsedCounter int64
}

// RecoveryCodeRecord stores the SHA-256 hash of a single recovery code.
// The plaintext is returned exactly once at generation time and never
// persisted.
type RecoveryCodeRecord struct {
	Hash [32]byte
}

// UserDirectory is the boundary to the external user store (MongoDB in the
// booking backend; see directory/mongodb). The core specifies the shape and
// mutation rules of the persisted 2FA state, not the storage engine.
//
// ConsumeRecoveryCode must remove the matching hash atomically and report
// whether a removal happened, so that two concurrent submissions of the same
// code cannot both succeed.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (UserStatus, error)
	LookupByIdentifier(ctx context.Context, identifier string) (UserAccount, error)

	GetTwoFactor(ctx context.Context, userID string) (*TwoFactorRecord, error)
	SaveTwoFactorSecret(ctx context.Context, userID string, secret []byte) error
	EnableTwoFactor(ctx context.Context, userID string) error
	DisableTwoFactor(ctx context.Context, userID string) error
	UpdateTwoFactorLastUsed(ctx context.Context, userID string, counter int64) error

	ReplaceRecoveryCodes(ctx context.Context, userID string, codes []RecoveryCodeRecord) error
	ConsumeRecoveryCode(ctx context.Context, userID string, hash [32]byte) (bool, error)
}

// DenyReason is the machine-readable category attached to a denial. Values
// are coarse on purpose: clients never learn which internal rule fired.
type DenyReason string

const (
	// DenyNone is set on allowed decisions.
	DenyNone DenyReason = ""
	// DenyOversized rejects requests whose declared or actual body size
	// exceeds the configured cap.
	DenyOversized DenyReason = "oversized"
	// DenySuspicious rejects requests matching an injection pattern family.
	DenySuspicious DenyReason = "suspicious"
	// DenyBurst, DenyPerMinute, and DenyDaily name the smallest exhausted
	// rate-limit window.
	DenyBurst     DenyReason = "burst"
	DenyPerMinute DenyReason = "per-minute"
	DenyDaily     DenyReason = "daily"
	// DenyUnauthenticated rejects requests with a missing or invalid session
	// token on a route that requires one.
	DenyUnauthenticated DenyReason = "unauthenticated"
	// DenyRevoked rejects sessions whose embedded claims conflict with the
	// live user status; the client must log in again.
	DenyRevoked DenyReason = "revoked"
)

// RateLimited reports whether the reason names an exhausted rate window.
func (r DenyReason) RateLimited() bool {
	return r == DenyBurst || r == DenyPerMinute || r == DenyDaily
}

// Decision is the outcome of one pass through the admission pipeline.
// The transport layer maps it onto response status and rate-limit headers.
type Decision struct {
	Allowed bool
	Reason  DenyReason

	// RetryAfter is set on rate-limit denials to the width of the exhausted
	// window.
	RetryAfter time.Duration

	// Remaining quota per window, populated whenever the rate limiter ran.
	RemainingBurst  int
	RemainingMinute int
	RemainingDaily  int

	// UserID and Role are populated on allowed decisions for authenticated
	// requests.
	UserID string
	Role   string
}

// LoginResult is returned by [Engine.Login] and [Engine.ConfirmLogin].
// Either SessionToken is set, or SecondFactorRequired is true and
// PendingToken carries the single-use first-factor proof.
type LoginResult struct {
	SessionToken string

	SecondFactorRequired bool
	PendingToken         string
	UserID               string
}

// TwoFactorSetup holds the base32 secret and otpauth:// URI returned by
// [Engine.BeginTwoFactorSetup] for authenticator-app enrollment.
type TwoFactorSetup struct {
	SecretBase32 string
	URI          string
}
