package gatehouse

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newStatusCacheFixture(ttl time.Duration) (*UserStatusCache, *memDirectory, *fakeClock) {
	dir := newMemDirectory()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	cache := NewUserStatusCache(dir, StatusCacheConfig{TTL: ttl}, clock)
	return cache, dir, clock
}

func TestStatusCacheServesFromCacheWithinTTL(t *testing.T) {
	cache, dir, _ := newStatusCacheFixture(time.Minute)
	dir.PutUser(UserAccount{UserID: "u1", Active: true, Role: "guest"})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		status, err := cache.Resolve(ctx, "u1")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if !status.Active || status.Role != "guest" {
			t.Fatalf("unexpected status: %+v", status)
		}
	}
	if got := dir.LookupCount(); got != 1 {
		t.Fatalf("expected a single directory lookup, got %d", got)
	}
}

func TestStatusCacheExpiresAfterTTL(t *testing.T) {
	cache, dir, clock := newStatusCacheFixture(time.Minute)
	dir.PutUser(UserAccount{UserID: "u1", Active: true})

	ctx := context.Background()
	cache.Resolve(ctx, "u1")
	clock.Advance(61 * time.Second)
	cache.Resolve(ctx, "u1")

	if got := dir.LookupCount(); got != 2 {
		t.Fatalf("expected fresh lookup after TTL, got %d lookups", got)
	}
}

func TestStatusCacheInvalidationClosesWindow(t *testing.T) {
	cache, dir, _ := newStatusCacheFixture(time.Hour)
	dir.PutUser(UserAccount{UserID: "u1", Active: true})

	ctx := context.Background()
	if status, _ := cache.Resolve(ctx, "u1"); !status.Active {
		t.Fatal("expected active status")
	}

	// Deactivate and invalidate: the very next resolve must see it even
	// though the TTL is nowhere near expiry.
	dir.SetActive("u1", false)
	cache.Invalidate("u1")

	status, err := cache.Resolve(ctx, "u1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if status.Active {
		t.Fatal("expected deactivation to be visible immediately")
	}
}

func TestStatusCacheDoesNotCacheInactive(t *testing.T) {
	cache, dir, _ := newStatusCacheFixture(time.Hour)
	dir.PutUser(UserAccount{UserID: "u1", Active: false})

	ctx := context.Background()
	cache.Resolve(ctx, "u1")
	cache.Resolve(ctx, "u1")

	if got := dir.LookupCount(); got != 2 {
		t.Fatalf("inactive status must not be cached, got %d lookups", got)
	}
}

func TestStatusCacheFailsClosedOnDirectoryError(t *testing.T) {
	cache, dir, clock := newStatusCacheFixture(time.Minute)
	dir.PutUser(UserAccount{UserID: "u1", Active: true})

	ctx := context.Background()
	cache.Resolve(ctx, "u1")

	// Entry expires, then the directory goes down. The stale entry must
	// not be served.
	clock.Advance(2 * time.Minute)
	dir.failLookups = true

	_, err := cache.Resolve(ctx, "u1")
	if !errors.Is(err, ErrDirectoryUnavailable) {
		t.Fatalf("expected ErrDirectoryUnavailable, got %v", err)
	}

	// Recovery works once the directory is back.
	dir.failLookups = false
	if _, err := cache.Resolve(ctx, "u1"); err != nil {
		t.Fatalf("Resolve after recovery failed: %v", err)
	}
}

func TestStatusCacheUnknownUser(t *testing.T) {
	cache, _, _ := newStatusCacheFixture(time.Minute)

	_, err := cache.Resolve(context.Background(), "ghost")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

// wrappingDirectory decorates Lookup errors the way a driver adapter
// would, wrapping sentinels instead of returning them bare.
type wrappingDirectory struct {
	*memDirectory
}

func (d *wrappingDirectory) Lookup(ctx context.Context, userID string) (UserStatus, error) {
	status, err := d.memDirectory.Lookup(ctx, userID)
	if err != nil {
		return status, fmt.Errorf("directory: %w", err)
	}
	return status, nil
}

func TestStatusCacheUnknownUserViaWrappedSentinel(t *testing.T) {
	dir := &wrappingDirectory{memDirectory: newMemDirectory()}
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	cache := NewUserStatusCache(dir, StatusCacheConfig{TTL: time.Minute}, clock)

	_, err := cache.Resolve(context.Background(), "ghost")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if errors.Is(err, ErrDirectoryUnavailable) {
		t.Fatalf("wrapped not-found misclassified as transient: %v", err)
	}
}

func TestStatusCacheSweep(t *testing.T) {
	cache, dir, clock := newStatusCacheFixture(time.Minute)
	dir.PutUser(UserAccount{UserID: "u1", Active: true})
	dir.PutUser(UserAccount{UserID: "u2", Active: true})

	ctx := context.Background()
	cache.Resolve(ctx, "u1")
	cache.Resolve(ctx, "u2")
	if cache.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", cache.Len())
	}

	cache.Sweep(clock.Now().Add(2 * time.Minute))
	if cache.Len() != 0 {
		t.Fatalf("expected sweep to clear entries, got %d", cache.Len())
	}
}
