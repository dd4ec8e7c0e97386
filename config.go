package gatehouse

import (
	"errors"
	"time"
)

// Config is the full engine configuration tree. Instances are intended to be
// configured during initialization and then treated as immutable; Build
// clones the tree so later mutation of the caller's copy has no effect.
type Config struct {
	RateLimit   RateLimitConfig
	Filter      FilterConfig
	Headers     HeaderConfig
	StatusCache StatusCacheConfig
	TwoFactor   TwoFactorConfig
	Session     SessionConfig
	Password    PasswordConfig
	Admission   AdmissionConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// EndpointClassLimit is the per-window request budget for one endpoint
// class. Zero or negative values are rejected by Validate.
type EndpointClassLimit struct {
	Burst     int
	PerMinute int
	Daily     int
}

// RateLimitConfig configures the sliding-window limiter. Classes maps class
// names to budgets and must contain [DefaultEndpointClass]. PathClasses maps
// route prefixes to class names; the longest matching prefix wins and
// unmatched paths fall back to the default class.
type RateLimitConfig struct {
	Enabled bool

	Classes     map[string]EndpointClassLimit
	PathClasses map[string]string

	BurstWindow   time.Duration
	SweepInterval time.Duration

	// TrustForwardedFor controls whether the X-Forwarded-For first hop is
	// preferred over the raw connection address for anonymous clients.
	TrustForwardedFor bool
}

// DefaultEndpointClass is the fallback class for unmatched paths.
const DefaultEndpointClass = "default"

/*
====================================
FILTER / HEADERS / ADMISSION CONFIG
====================================
*/

// PatternFamily is one named group of denylist tokens scanned by the
// suspicious-pattern filter.
type PatternFamily struct {
	Name   string
	Tokens []string
}

// FilterConfig configures the injection-pattern filter. When ExtraFamilies
// is set, the families are scanned after the built-in ones.
type FilterConfig struct {
	Enabled       bool
	ExtraFamilies []PatternFamily
}

// HeaderConfig configures the fixed security-header set applied to every
// response. Empty string fields fall back to the built-in values.
type HeaderConfig struct {
	Enabled               bool
	ContentSecurityPolicy string
	ReferrerPolicy        string
	PermissionsPolicy     string
	HSTSMaxAge            time.Duration
}

// AdmissionConfig holds pipeline-level knobs that belong to no single leaf
// component.
type AdmissionConfig struct {
	// MaxBodyBytes caps the request body size. Zero disables the check.
	MaxBodyBytes int64
}

/*
====================================
STATUS CACHE CONFIG
====================================
*/

// StatusCacheConfig configures the user-status cache.
type StatusCacheConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

/*
====================================
TWO-FACTOR CONFIG
====================================
*/

// TwoFactorConfig configures the TOTP engine, recovery codes, and the
// pending-login token gate.
type TwoFactorConfig struct {
	Enabled bool

	Issuer    string
	Digits    int
	Period    int
	Algorithm string // "SHA1" (default), "SHA256", "SHA512"
	Skew      int

	// EnforceReplayProtection rejects a code for a time-step counter at or
	// below the last successfully used one, even inside the skew window.
	EnforceReplayProtection bool

	RecoveryCodeCount  int
	RecoveryCodeLength int

	PendingTokenTTL time.Duration
}

/*
====================================
SESSION / PASSWORD CONFIG
====================================
*/

// SessionConfig configures session JWT issuance.
type SessionConfig struct {
	TTL           time.Duration
	SigningMethod string // "hs256" or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
}

// PasswordConfig carries the argon2id parameters (memory in KiB).
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig configures the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig configures in-process counters and the Admit latency
// histogram.
type MetricsConfig struct {
	Enabled                bool
	EnableLatencyHistogram bool
}

// DefaultConfig returns the production defaults. Callers mutate the copy
// and pass it to [Builder.WithConfig].
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		RateLimit: RateLimitConfig{
			Enabled: true,
			Classes: map[string]EndpointClassLimit{
				"auth":              {Burst: 5, PerMinute: 10, Daily: 200},
				"room-browse":       {Burst: 20, PerMinute: 120, Daily: 5000},
				"user-ops":          {Burst: 10, PerMinute: 30, Daily: 1000},
				DefaultEndpointClass: {Burst: 10, PerMinute: 60, Daily: 2000},
			},
			PathClasses: map[string]string{
				"/auth":  "auth",
				"/rooms": "room-browse",
				"/users": "user-ops",
			},
			BurstWindow:       10 * time.Second,
			SweepInterval:     5 * time.Minute,
			TrustForwardedFor: true,
		},
		Filter: FilterConfig{
			Enabled: true,
		},
		Headers: HeaderConfig{
			Enabled:    true,
			HSTSMaxAge: 2 * 365 * 24 * time.Hour,
		},
		StatusCache: StatusCacheConfig{
			TTL:           5 * time.Minute,
			SweepInterval: 5 * time.Minute,
		},
		TwoFactor: TwoFactorConfig{
			Enabled:                 true,
			Issuer:                  "gatehouse",
			Digits:                  6,
			Period:                  30,
			Algorithm:               "SHA1",
			Skew:                    1,
			EnforceReplayProtection: true,
			RecoveryCodeCount:       10,
			RecoveryCodeLength:      10,
			PendingTokenTTL:         10 * time.Minute,
		},
		Session: SessionConfig{
			TTL:           time.Hour,
			SigningMethod: "ed25519",
			Leeway:        30 * time.Second,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        2,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Admission: AdmissionConfig{
			MaxBodyBytes: 1 << 20,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate checks invariants that Build depends on. It is called on the
// cloned tree, so defaults filled in here do not leak back to the caller.
func (c *Config) Validate() error {
	if c.RateLimit.Enabled {
		if len(c.RateLimit.Classes) == 0 {
			return errors.New("rate limit enabled with no endpoint classes")
		}
		if _, ok := c.RateLimit.Classes[DefaultEndpointClass]; !ok {
			return errors.New("rate limit classes must include the default class")
		}
		for name, limit := range c.RateLimit.Classes {
			if limit.Burst <= 0 || limit.PerMinute <= 0 || limit.Daily <= 0 {
				return errors.New("non-positive limit for endpoint class " + name)
			}
		}
		for prefix, class := range c.RateLimit.PathClasses {
			if prefix == "" || prefix[0] != '/' {
				return errors.New("path class prefix must start with /")
			}
			if _, ok := c.RateLimit.Classes[class]; !ok {
				return errors.New("path prefix " + prefix + " maps to unknown class " + class)
			}
		}
		if c.RateLimit.BurstWindow <= 0 {
			c.RateLimit.BurstWindow = 10 * time.Second
		}
		if c.RateLimit.BurstWindow >= time.Minute {
			return errors.New("burst window must be shorter than one minute")
		}
	}

	if c.StatusCache.TTL <= 0 {
		c.StatusCache.TTL = 5 * time.Minute
	}

	if c.TwoFactor.Enabled {
		if c.TwoFactor.Digits < 6 || c.TwoFactor.Digits > 8 {
			return errors.New("totp digits must be between 6 and 8")
		}
		if c.TwoFactor.Period <= 0 {
			return errors.New("totp period must be positive")
		}
		if c.TwoFactor.Skew < 0 || c.TwoFactor.Skew > 2 {
			return errors.New("totp skew must be between 0 and 2")
		}
		if c.TwoFactor.RecoveryCodeCount <= 0 || c.TwoFactor.RecoveryCodeLength < 8 {
			return errors.New("invalid recovery code configuration")
		}
		if c.TwoFactor.PendingTokenTTL <= 0 {
			c.TwoFactor.PendingTokenTTL = 10 * time.Minute
		}
	}

	if c.Session.TTL <= 0 {
		return errors.New("session TTL must be positive")
	}
	if c.Admission.MaxBodyBytes < 0 {
		return errors.New("max body bytes must not be negative")
	}

	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg

	if cfg.RateLimit.Classes != nil {
		out.RateLimit.Classes = make(map[string]EndpointClassLimit, len(cfg.RateLimit.Classes))
		for k, v := range cfg.RateLimit.Classes {
			out.RateLimit.Classes[k] = v
		}
	}
	if cfg.RateLimit.PathClasses != nil {
		out.RateLimit.PathClasses = make(map[string]string, len(cfg.RateLimit.PathClasses))
		for k, v := range cfg.RateLimit.PathClasses {
			out.RateLimit.PathClasses[k] = v
		}
	}
	if cfg.Filter.ExtraFamilies != nil {
		out.Filter.ExtraFamilies = make([]PatternFamily, len(cfg.Filter.ExtraFamilies))
		for i, fam := range cfg.Filter.ExtraFamilies {
			tokens := make([]string, len(fam.Tokens))
			copy(tokens, fam.Tokens)
			out.Filter.ExtraFamilies[i] = PatternFamily{Name: fam.Name, Tokens: tokens}
		}
	}
	if cfg.Session.PrivateKey != nil {
		out.Session.PrivateKey = append([]byte(nil), cfg.Session.PrivateKey...)
	}
	if cfg.Session.PublicKey != nil {
		out.Session.PublicKey = append([]byte(nil), cfg.Session.PublicKey...)
	}

	return out
}
