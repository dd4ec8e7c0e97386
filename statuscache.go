package gatehouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// UserStatusCache is a TTL cache over [UserDirectory.Lookup]. It exists so
// long-lived session tokens can be revalidated on every request without a
// directory round trip each time, while administrative deactivation or role
// changes still take effect on the user's very next request via explicit
// invalidation.
type UserStatusCache struct {
	mu      sync.RWMutex
	entries map[string]statusEntry

	directory UserDirectory
	ttl       time.Duration
	clock     Clock

	hit, miss, invalidated func()
}

type statusEntry struct {
	status   UserStatus
	cachedAt time.Time
}

// NewUserStatusCache builds a cache over directory with the given TTL.
func NewUserStatusCache(directory UserDirectory, cfg StatusCacheConfig, clock Clock) *UserStatusCache {
	if clock == nil {
		clock = systemClock{}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &UserStatusCache{
		entries:   make(map[string]statusEntry),
		directory: directory,
		ttl:       ttl,
		clock:     clock,
	}
}

// Resolve returns the live status for userID, from cache when fresh. A
// transient directory failure fails closed: the caller gets
// ErrDirectoryUnavailable, never a stale allow.
//
// An inactive result is returned but not kept: the natural next
// administrative action is reactivation, which would have to invalidate
// anyway, so caching the denial buys nothing.
func (c *UserStatusCache) Resolve(ctx context.Context, userID string) (UserStatus, error) {
	now := c.clock.Now()

	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()

	if ok && now.Sub(entry.cachedAt) < c.ttl {
		if c.hit != nil {
			c.hit()
		}
		return entry.status, nil
	}

	if c.miss != nil {
		c.miss()
	}
	status, err := c.directory.Lookup(ctx, userID)
	if err != nil {
		// Evict whatever we had; an expired entry must not be resurrected
		// on a later failure.
		c.mu.Lock()
		delete(c.entries, userID)
		c.mu.Unlock()

		if errors.Is(err, ErrUserNotFound) {
			return UserStatus{}, ErrUserNotFound
		}
		return UserStatus{}, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	c.mu.Lock()
	if status.Active {
		c.entries[userID] = statusEntry{status: status, cachedAt: now}
	} else {
		delete(c.entries, userID)
	}
	c.mu.Unlock()

	return status, nil
}

// Invalidate removes the entry so the next Resolve hits the directory.
// Called from the OnUserDeactivated / OnUserRoleChanged hooks; this bounds
// staleness to "administrative action → next request" instead of the TTL.
func (c *UserStatusCache) Invalidate(userID string) {
	c.mu.Lock()
	_, existed := c.entries[userID]
	delete(c.entries, userID)
	c.mu.Unlock()

	if existed && c.invalidated != nil {
		c.invalidated()
	}
}

// Sweep drops expired entries. Expiry is otherwise lazy, checked on access;
// the sweep only bounds memory.
func (c *UserStatusCache) Sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for userID, entry := range c.entries {
		if now.Sub(entry.cachedAt) >= c.ttl {
			delete(c.entries, userID)
		}
	}
}

// Len reports the live entry count. Test hook.
func (c *UserStatusCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
