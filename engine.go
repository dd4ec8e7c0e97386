package gatehouse

import (
	"context"
	"sync"
	"time"

	"github.com/innkeepr/gatehouse/password"
	"github.com/innkeepr/gatehouse/token"
)

// Engine composes the admission pipeline and the authentication flow.
// Instances are configured through [Builder] and immutable afterwards;
// every method is safe for concurrent use.
type Engine struct {
	config Config
	clock  Clock

	limiter     *RateLimiter
	filter      *PatternFilter
	statusCache *UserStatusCache
	totp        *totpEngine
	pending     PendingTokenStore
	tokens      *token.Manager
	passwords   *password.Argon2
	directory   UserDirectory

	// dummyHash is verified against when login hits an unknown identifier,
	// so the response time does not reveal whether the account exists.
	dummyHash string

	audit   *auditDispatcher
	metrics *Metrics

	// userLocks serializes 2FA mutations per user so concurrent setup
	// confirmations or recovery consumptions cannot interleave.
	userLocks keyedMutex

	janitorStop chan struct{}
	janitorDone chan struct{}
	stopOnce    sync.Once
}

// Close stops the janitor and drains the audit backlog.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.stopOnce.Do(func() {
		if e.janitorStop != nil {
			close(e.janitorStop)
			<-e.janitorDone
		}
	})
	if e.audit != nil {
		e.audit.Close()
	}
}

// OnUserDeactivated is the hook the administrative layer calls after
// deactivating a user. It evicts the cached status so the user's very next
// request observes the change instead of waiting out the TTL.
func (e *Engine) OnUserDeactivated(userID string) {
	if e == nil || e.statusCache == nil {
		return
	}
	e.statusCache.Invalidate(userID)
	e.emitAudit(context.Background(), auditEventStatusInvalidated, true, userID, "", "", nil, func() map[string]string {
		return map[string]string{"cause": "deactivated"}
	})
}

// OnUserReactivated clears any cached state for a user whose account was
// turned back on. Inactive statuses are never cached, so this mostly covers
// a race where an active entry was written just before the deactivation
// round-trip.
func (e *Engine) OnUserReactivated(userID string) {
	if e == nil || e.statusCache == nil {
		return
	}
	e.statusCache.Invalidate(userID)
	e.emitAudit(context.Background(), auditEventStatusInvalidated, true, userID, "", "", nil, func() map[string]string {
		return map[string]string{"cause": "reactivated"}
	})
}

// OnUserRoleChanged is the counterpart hook for role changes.
func (e *Engine) OnUserRoleChanged(userID string) {
	if e == nil || e.statusCache == nil {
		return
	}
	e.statusCache.Invalidate(userID)
	e.emitAudit(context.Background(), auditEventStatusInvalidated, true, userID, "", "", nil, func() map[string]string {
		return map[string]string{"cause": "role_changed"}
	})
}

// MetricsSnapshot returns a deep copy of all counters and histograms.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// AuditDropped reports how many audit events were discarded under pressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// HeaderConfig exposes the header set for the middleware adapter.
func (e *Engine) HeaderConfig() HeaderConfig {
	if e == nil {
		return HeaderConfig{}
	}
	return e.config.Headers
}

// MaxBodyBytes exposes the body cap so the transport layer can bound its
// read instead of buffering an oversized body only to reject it.
func (e *Engine) MaxBodyBytes() int64 {
	if e == nil {
		return 0
	}
	return e.config.Admission.MaxBodyBytes
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// startJanitor runs the shared background sweep for the rate limiter, the
// status cache, and the in-memory pending store. Expiry stays lazy at the
// checkpoints; the sweep only bounds memory.
func (e *Engine) startJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	e.janitorStop = make(chan struct{})
	e.janitorDone = make(chan struct{})

	go func() {
		defer close(e.janitorDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-e.janitorStop:
				return
			case <-ticker.C:
				now := e.clock.Now()
				if e.limiter != nil {
					e.limiter.Sweep(now)
				}
				if e.statusCache != nil {
					e.statusCache.Sweep(now)
				}
				if mem, ok := e.pending.(*MemoryPendingTokenStore); ok {
					mem.Sweep(now)
				}
			}
		}
	}()
}

// keyedMutex hands out one mutex per key, lazily. Keys are never removed;
// the key space is bounded by active user ids under 2FA mutation, which is
// small and short-lived compared to request traffic.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) *sync.Mutex {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m
}
