package gatehouse

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	minuteWindow = time.Minute
	dailyWindow  = 24 * time.Hour

	windowStoreShards = 64
)

// WindowStore is the keyed counter backend behind [RateLimiter]. Check
// prunes, evaluates, and (when allowed) records one request for the given
// key in a single linearizable step. Implementations must be safe for
// concurrent use and must never under-count concurrent requests for the
// same key.
type WindowStore interface {
	Check(key string, limit EndpointClassLimit, now time.Time) (Decision, error)
	Sweep(now time.Time)
}

// RateLimiter enforces burst, per-minute, and daily budgets per
// (client, endpoint class) pair. Distinct pairs are fully independent:
// exhausting one class's daily budget has no effect on any other class.
type RateLimiter struct {
	store    WindowStore
	classes  map[string]EndpointClassLimit
	prefixes []pathClass

	// anomaly is invoked when the store fails; the limiter fails open.
	anomaly func(key string, err error)
}

type pathClass struct {
	prefix string
	class  string
}

// NewRateLimiter builds a limiter over cfg and store. A nil store gets an
// in-memory one sized by cfg.BurstWindow.
func NewRateLimiter(cfg RateLimitConfig, store WindowStore) *RateLimiter {
	if store == nil {
		store = NewMemoryWindowStore(cfg.BurstWindow)
	}

	prefixes := make([]pathClass, 0, len(cfg.PathClasses))
	for prefix, class := range cfg.PathClasses {
		prefixes = append(prefixes, pathClass{prefix: prefix, class: class})
	}
	// Longest prefix first so /auth/login beats /auth.
	sort.Slice(prefixes, func(i, j int) bool {
		if len(prefixes[i].prefix) != len(prefixes[j].prefix) {
			return len(prefixes[i].prefix) > len(prefixes[j].prefix)
		}
		return prefixes[i].prefix < prefixes[j].prefix
	})

	return &RateLimiter{
		store:    store,
		classes:  cfg.Classes,
		prefixes: prefixes,
	}
}

// ClassifyPath resolves the endpoint class for a request path by longest
// configured prefix, falling back to [DefaultEndpointClass].
func (l *RateLimiter) ClassifyPath(path string) string {
	for _, pc := range l.prefixes {
		if strings.HasPrefix(path, pc.prefix) {
			return pc.class
		}
	}
	return DefaultEndpointClass
}

// Check evaluates one request from clientID against the class budget at
// time now. Store failures are allowed through (fail open): a broken
// limiter must degrade to reduced protection, not an outage.
func (l *RateLimiter) Check(clientID, class string, now time.Time) Decision {
	limit, ok := l.classes[class]
	if !ok {
		class = DefaultEndpointClass
		limit = l.classes[class]
	}

	key := clientID + "|" + class
	decision, err := l.store.Check(key, limit, now)
	if err != nil {
		if l.anomaly != nil {
			l.anomaly(key, err)
		}
		return Decision{Allowed: true, RemainingBurst: limit.Burst, RemainingMinute: limit.PerMinute, RemainingDaily: limit.Daily}
	}
	return decision
}

// Sweep delegates to the store; the engine janitor calls it every
// RateLimitConfig.SweepInterval.
func (l *RateLimiter) Sweep(now time.Time) {
	l.store.Sweep(now)
}

// ResolveClientID picks the identity a request is counted under: the
// authenticated subject when present, otherwise the first X-Forwarded-For
// hop (when trusted), otherwise the bare connection address. Authenticated
// and anonymous traffic from one NAT are therefore tracked independently.
func ResolveClientID(subject, forwardedFor, remoteAddr string, trustForwardedFor bool) string {
	if subject != "" {
		return "u:" + subject
	}

	if trustForwardedFor && forwardedFor != "" {
		first := forwardedFor
		if idx := strings.IndexByte(first, ','); idx >= 0 {
			first = first[:idx]
		}
		if ip := strings.TrimSpace(first); ip != "" {
			return "ip:" + ip
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err == nil && host != "" {
		return "ip:" + host
	}
	if remoteAddr != "" {
		return "ip:" + remoteAddr
	}
	return "ip:unknown"
}

/*
====================================
IN-MEMORY WINDOW STORE
====================================
*/

// MemoryWindowStore keeps per-key timestamp windows in sharded maps. The
// shard lock only covers map access; each entry carries its own mutex, so
// unrelated clients never serialize behind one another.
type MemoryWindowStore struct {
	burstWindow time.Duration
	shards      [windowStoreShards]windowShard
}

type windowShard struct {
	mu      sync.Mutex
	entries map[string]*clientWindows
}

// clientWindows holds the three timestamp sequences for one
// (client, class) key. Stored timestamps are always within their window;
// Check prunes before every comparison.
type clientWindows struct {
	mu     sync.Mutex
	burst  []int64
	minute []int64
	daily  []int64

	// dead is set by Sweep, under mu, just before the entry is unlinked
	// from its shard. A Check that resolved this entry before the unlink
	// must not record into it.
	dead bool
}

// NewMemoryWindowStore creates a store with the given burst window width.
func NewMemoryWindowStore(burstWindow time.Duration) *MemoryWindowStore {
	if burstWindow <= 0 {
		burstWindow = 10 * time.Second
	}
	s := &MemoryWindowStore{burstWindow: burstWindow}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*clientWindows)
	}
	return s
}

func (s *MemoryWindowStore) shard(key string) *windowShard {
	// FNV-1a, inlined to keep the hot path allocation-free.
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return &s.shards[h%windowStoreShards]
}

func (s *MemoryWindowStore) entry(key string) *clientWindows {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	cw, ok := shard.entries[key]
	if !ok {
		cw = &clientWindows{}
		shard.entries[key] = cw
	}
	return cw
}

// Check is linearizable per key: two concurrent requests from the same
// client are both counted, in some order, under the entry lock.
func (s *MemoryWindowStore) Check(key string, limit EndpointClassLimit, now time.Time) (Decision, error) {
	for {
		cw := s.entry(key)

		cw.mu.Lock()
		if cw.dead {
			// Sweep unlinked this entry between the map lookup and the
			// lock. Recording here would be lost, so take a fresh entry.
			cw.mu.Unlock()
			continue
		}
		d := s.check(cw, limit, now)
		cw.mu.Unlock()
		return d, nil
	}
}

// check evaluates and records one request. Caller holds cw.mu.
func (s *MemoryWindowStore) check(cw *clientWindows, limit EndpointClassLimit, now time.Time) Decision {
	nowNanos := now.UnixNano()
	cw.burst = pruneWindow(cw.burst, nowNanos-s.burstWindow.Nanoseconds())
	cw.minute = pruneWindow(cw.minute, nowNanos-minuteWindow.Nanoseconds())
	cw.daily = pruneWindow(cw.daily, nowNanos-dailyWindow.Nanoseconds())

	d := Decision{
		RemainingBurst:  remaining(limit.Burst, len(cw.burst)),
		RemainingMinute: remaining(limit.PerMinute, len(cw.minute)),
		RemainingDaily:  remaining(limit.Daily, len(cw.daily)),
	}

	// Smallest window first: its reason and width drive Retry-After.
	switch {
	case len(cw.burst) >= limit.Burst:
		d.Reason = DenyBurst
		d.RetryAfter = s.burstWindow
		return d
	case len(cw.minute) >= limit.PerMinute:
		d.Reason = DenyPerMinute
		d.RetryAfter = minuteWindow
		return d
	case len(cw.daily) >= limit.Daily:
		d.Reason = DenyDaily
		d.RetryAfter = dailyWindow
		return d
	}

	cw.burst = append(cw.burst, nowNanos)
	cw.minute = append(cw.minute, nowNanos)
	cw.daily = append(cw.daily, nowNanos)

	d.Allowed = true
	d.RemainingBurst = remaining(limit.Burst, len(cw.burst))
	d.RemainingMinute = remaining(limit.PerMinute, len(cw.minute))
	d.RemainingDaily = remaining(limit.Daily, len(cw.daily))
	return d
}

// Sweep deletes entries with no timestamp in any window, bounding memory
// under churn of many distinct anonymous addresses.
func (s *MemoryWindowStore) Sweep(now time.Time) {
	dailyCutoff := now.UnixNano() - dailyWindow.Nanoseconds()

	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for key, cw := range shard.entries {
			cw.mu.Lock()
			cw.daily = pruneWindow(cw.daily, dailyCutoff)
			empty := len(cw.daily) == 0
			if empty {
				cw.dead = true
			}
			cw.mu.Unlock()
			if empty {
				delete(shard.entries, key)
			}
		}
		shard.mu.Unlock()
	}
}

// Len reports the number of live keys. Test hook.
func (s *MemoryWindowStore) Len() int {
	total := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		total += len(shard.entries)
		shard.mu.Unlock()
	}
	return total
}

// pruneWindow drops timestamps at or before cutoff. Timestamps are
// appended in nondecreasing order, so a prefix scan suffices.
func pruneWindow(window []int64, cutoff int64) []int64 {
	idx := 0
	for idx < len(window) && window[idx] <= cutoff {
		idx++
	}
	if idx == 0 {
		return window
	}
	n := copy(window, window[idx:])
	return window[:n]
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
