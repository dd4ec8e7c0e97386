package gatehouse

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/innkeepr/gatehouse/password"
	"github.com/innkeepr/gatehouse/token"
)

// Builder assembles an [Engine]. Options may be chained in any order;
// Build validates the combination once and returns a ready engine.
type Builder struct {
	config    Config
	clock     Clock
	directory UserDirectory
	pending   PendingTokenStore
	windows   WindowStore
	sink      AuditSink
	err       error
}

// New returns a Builder seeded with the default configuration.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the entire configuration tree.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithUserDirectory sets the backing account store. Required.
func (b *Builder) WithUserDirectory(dir UserDirectory) *Builder {
	if dir == nil {
		b.fail("user directory cannot be nil")
		return b
	}
	b.directory = dir
	return b
}

// WithClock overrides the time source. Tests use this to pin the clock.
func (b *Builder) WithClock(clock Clock) *Builder {
	if clock == nil {
		b.fail("clock cannot be nil")
		return b
	}
	b.clock = clock
	return b
}

// WithRedis stores pending two-factor tokens in Redis instead of process
// memory, so a replica restart or a load-balanced retry does not orphan a
// half-finished login.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	if client == nil {
		b.fail("redis client cannot be nil")
		return b
	}
	b.pending = NewRedisPendingTokenStore(client)
	return b
}

// WithPendingTokenStore installs a custom pending-token store.
func (b *Builder) WithPendingTokenStore(store PendingTokenStore) *Builder {
	if store == nil {
		b.fail("pending token store cannot be nil")
		return b
	}
	b.pending = store
	return b
}

// WithWindowStore installs a custom sliding-window backend for the rate
// limiter. The default is the sharded in-memory store.
func (b *Builder) WithWindowStore(store WindowStore) *Builder {
	if store == nil {
		b.fail("window store cannot be nil")
		return b
	}
	b.windows = store
	return b
}

// WithAuditSink attaches an audit sink. Without one, audit events are
// discarded.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	if sink == nil {
		b.fail("audit sink cannot be nil")
		return b
	}
	b.sink = sink
	return b
}

func (b *Builder) fail(msg string) {
	if b.err == nil {
		b.err = fmt.Errorf("%w: %s", ErrEngineNotReady, msg)
	}
}

// Build validates the accumulated options and constructs the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.directory == nil {
		return nil, fmt.Errorf("%w: user directory is required", ErrEngineNotReady)
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineNotReady, err)
	}

	clock := b.clock
	if clock == nil {
		clock = SystemClock()
	}

	e := &Engine{
		config:    cfg,
		clock:     clock,
		directory: b.directory,
		metrics:   NewMetrics(cfg.Metrics),
		audit:     newAuditDispatcher(cfg.Audit, b.sink),
	}

	if cfg.RateLimit.Enabled {
		e.limiter = NewRateLimiter(cfg.RateLimit, b.windows)
		e.limiter.anomaly = func(key string, err error) {
			e.metricInc(MetricLimiterFailOpen)
			e.emitAudit(context.Background(), auditEventLimiterAnomaly, false, "", key, "", err, nil)
		}
	}

	if cfg.Filter.Enabled {
		e.filter = NewPatternFilter(cfg.Filter)
	}

	e.statusCache = NewUserStatusCache(b.directory, cfg.StatusCache, clock)
	e.statusCache.hit = func() { e.metricInc(MetricStatusCacheHit) }
	e.statusCache.miss = func() { e.metricInc(MetricStatusCacheMiss) }
	e.statusCache.invalidated = func() { e.metricInc(MetricStatusInvalidated) }

	e.totp = newTOTPEngine(cfg.TwoFactor)

	e.pending = b.pending
	if e.pending == nil {
		e.pending = NewMemoryPendingTokenStore(clock)
	}
	if rs, ok := e.pending.(*RedisPendingTokenStore); ok {
		rs.clock = clock
	}

	method := token.SigningMethod(cfg.Session.SigningMethod)
	if method == "" {
		method = token.MethodEd25519
	}
	privKey, pubKey := cfg.Session.PrivateKey, cfg.Session.PublicKey
	if method == token.MethodEd25519 && len(privKey) == 0 {
		// No key material supplied: generate an ephemeral keypair. Sessions
		// then do not survive a process restart.
		pub, priv, keyErr := ed25519.GenerateKey(rand.Reader)
		if keyErr != nil {
			return nil, fmt.Errorf("%w: session keys: %v", ErrEngineNotReady, keyErr)
		}
		privKey, pubKey = priv, pub
	}

	tm, err := token.NewManager(token.Config{
		TTL:           cfg.Session.TTL,
		SigningMethod: method,
		PrivateKey:    privKey,
		PublicKey:     pubKey,
		Issuer:        cfg.Session.Issuer,
		Audience:      cfg.Session.Audience,
		Leeway:        cfg.Session.Leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: session tokens: %v", ErrEngineNotReady, err)
	}
	e.tokens = tm

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: password hashing: %v", ErrEngineNotReady, err)
	}
	e.passwords = ph

	e.dummyHash, err = ph.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("%w: password hashing: %v", ErrEngineNotReady, err)
	}

	e.startJanitor(cfg.RateLimit.SweepInterval)

	return e, nil
}
