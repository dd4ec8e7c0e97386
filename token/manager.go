package token

import (
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SigningMethod selects the JWT signature scheme.
type SigningMethod string

const (
	// MethodEd25519 is the default scheme.
	MethodEd25519 SigningMethod = "ed25519"
	// MethodHS256 supports shared-secret deployments.
	MethodHS256 SigningMethod = "hs256"
)

var (
	// ErrTokenInvalid is returned for malformed, forged, or expired tokens.
	ErrTokenInvalid = errors.New("invalid token")
)

// Config carries signing material and validation bounds.
type Config struct {
	TTL           time.Duration
	SigningMethod SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// Manager signs and parses session tokens. Immutable after NewManager.
type Manager struct {
	config Config
}

// SessionClaims is the session token payload. Role and Active reflect the
// account at issuance time and go stale by design; callers revalidate them
// against live state.
type SessionClaims struct {
	UserID string `json:"uid"`
	Role   string `json:"role,omitempty"`
	Active bool   `json:"act"`
	jwt.RegisteredClaims
}

// NewManager validates the configuration and returns a ready Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.PrivateKey) == 0 {
			return nil, errors.New("hs256 requires private key")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
			return nil, errors.New("ed25519 requires a 64-byte private key")
		}
		if len(cfg.PublicKey) != ed25519.PublicKeySize {
			return nil, errors.New("ed25519 requires a 32-byte public key")
		}
	default:
		return nil, errors.New("unsupported signing method")
	}

	return &Manager{config: cfg}, nil
}

// Issue creates a signed session token for the user with a fresh session id.
func (m *Manager) Issue(userID, role string, active bool, now time.Time) (string, error) {
	if m == nil {
		return "", ErrTokenInvalid
	}

	claims := SessionClaims{
		UserID: userID,
		Role:   role,
		Active: active,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.TTL)),
		},
	}
	if m.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.config.Audience}
	}

	switch m.config.SigningMethod {
	case MethodHS256:
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		return tok.SignedString(m.config.PrivateKey)
	case MethodEd25519:
		tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
		return tok.SignedString(ed25519.PrivateKey(m.config.PrivateKey))
	default:
		return "", errors.New("unsupported signing method")
	}
}

// Parse verifies signature, expiry, issuer, and audience, and returns the
// claims. All failures collapse into ErrTokenInvalid; the specific cause is
// not client-distinguishable.
func (m *Manager) Parse(tokenString string) (*SessionClaims, error) {
	if m == nil || tokenString == "" {
		return nil, ErrTokenInvalid
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(m.config.Leeway),
		jwt.WithExpirationRequired(),
	}
	if m.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.config.Issuer))
	}
	if m.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(m.config.Audience))
	}
	switch m.config.SigningMethod {
	case MethodHS256:
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	case MethodEd25519:
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, m.keyFunc, opts...)
	if err != nil {
		return nil, ErrTokenInvalid
	}
	if claims.UserID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (m *Manager) keyFunc(*jwt.Token) (any, error) {
	switch m.config.SigningMethod {
	case MethodHS256:
		return m.config.PrivateKey, nil
	case MethodEd25519:
		return ed25519.PublicKey(m.config.PublicKey), nil
	default:
		return nil, errors.New("unsupported signing method")
	}
}
