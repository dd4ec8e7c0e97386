package gatehouse

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memDirectory is an in-memory UserDirectory with fault injection.
type memDirectory struct {
	mu       sync.Mutex
	users    map[string]UserAccount
	tf       map[string]TwoFactorRecord
	recovery map[string][]RecoveryCodeRecord

	lookups int
	// failLookups makes Lookup return a transient error when set.
	failLookups bool
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		users:    make(map[string]UserAccount),
		tf:       make(map[string]TwoFactorRecord),
		recovery: make(map[string][]RecoveryCodeRecord),
	}
}

func (d *memDirectory) PutUser(u UserAccount) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.UserID] = u
}

func (d *memDirectory) SetActive(userID string, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := d.users[userID]
	u.Active = active
	d.users[userID] = u
}

func (d *memDirectory) SetRole(userID, role string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := d.users[userID]
	u.Role = role
	d.users[userID] = u
}

func (d *memDirectory) LookupCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookups
}

func (d *memDirectory) Lookup(_ context.Context, userID string) (UserStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups++
	if d.failLookups {
		return UserStatus{}, context.DeadlineExceeded
	}
	u, ok := d.users[userID]
	if !ok {
		return UserStatus{}, ErrUserNotFound
	}
	return UserStatus{Active: u.Active, Role: u.Role}, nil
}

func (d *memDirectory) LookupByIdentifier(_ context.Context, identifier string) (UserAccount, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, u := range d.users {
		if u.Identifier == identifier {
			return u, nil
		}
	}
	return UserAccount{}, ErrUserNotFound
}

func (d *memDirectory) GetTwoFactor(_ context.Context, userID string) (*TwoFactorRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.tf[userID]
	if !ok {
		return nil, ErrTwoFactorNotConfigured
	}
	out := rec
	return &out, nil
}

func (d *memDirectory) SaveTwoFactorSecret(_ context.Context, userID string, secret []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tf[userID] = TwoFactorRecord{Secret: secret}
	return nil
}

func (d *memDirectory) EnableTwoFactor(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.tf[userID]
	if !ok {
		return ErrTwoFactorNotConfigured
	}
	rec.Enabled, rec.Confirmed = true, true
	d.tf[userID] = rec
	u := d.users[userID]
	u.TwoFactorEnabled = true
	d.users[userID] = u
	return nil
}

func (d *memDirectory) DisableTwoFactor(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tf, userID)
	u := d.users[userID]
	u.TwoFactorEnabled = false
	d.users[userID] = u
	return nil
}

func (d *memDirectory) UpdateTwoFactorLastUsed(_ context.Context, userID string, counter int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.tf[userID]
	if !ok {
		return ErrTwoFactorNotConfigured
	}
	if counter > rec.LastUsedCounter {
		rec.LastUsedCounter = counter
		d.tf[userID] = rec
	}
	return nil
}

func (d *memDirectory) ReplaceRecoveryCodes(_ context.Context, userID string, codes []RecoveryCodeRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recovery[userID] = append([]RecoveryCodeRecord(nil), codes...)
	return nil
}

func (d *memDirectory) ConsumeRecoveryCode(_ context.Context, userID string, hash [32]byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	codes := d.recovery[userID]
	for i, c := range codes {
		if c.Hash == hash {
			d.recovery[userID] = append(codes[:i], codes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// testConfig returns defaults trimmed for fast test runs: minimal argon2
// cost and a short status cache TTL.
func testConfig() Config {
	cfg := defaultConfig()
	cfg.Password = PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	}
	cfg.StatusCache.TTL = time.Minute
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, dir *memDirectory, clock Clock) *Engine {
	t.Helper()

	engine, err := New().
		WithConfig(cfg).
		WithUserDirectory(dir).
		WithClock(clock).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return engine
}

// seedUser hashes password with the engine's parameters and registers the
// account.
func seedUser(t *testing.T, engine *Engine, dir *memDirectory, userID, identifier, password, role string) {
	t.Helper()

	hash, err := engine.passwords.Hash(password)
	if err != nil {
		t.Fatalf("hashing seed password: %v", err)
	}
	dir.PutUser(UserAccount{
		UserID:       userID,
		Identifier:   identifier,
		PasswordHash: hash,
		Role:         role,
		Active:       true,
	})
}

// enrollTwoFactor walks the full setup flow and returns the shared secret
// plus the recovery batch.
func enrollTwoFactor(t *testing.T, engine *Engine, dir *memDirectory, clock *fakeClock, userID string) ([]byte, []string) {
	t.Helper()

	ctx := context.Background()
	if _, err := engine.BeginTwoFactorSetup(ctx, userID); err != nil {
		t.Fatalf("BeginTwoFactorSetup failed: %v", err)
	}

	dir.mu.Lock()
	secret := append([]byte(nil), dir.tf[userID].Secret...)
	dir.mu.Unlock()

	code := totpCodeAt(t, engine, secret, clock.Now())
	codes, err := engine.ConfirmTwoFactorSetup(ctx, userID, code)
	if err != nil {
		t.Fatalf("ConfirmTwoFactorSetup failed: %v", err)
	}
	return secret, codes
}

// totpCodeAt computes the code an authenticator app would show at now.
func totpCodeAt(t *testing.T, engine *Engine, secret []byte, now time.Time) string {
	t.Helper()

	cfg := engine.config.TwoFactor
	counter := now.Unix() / int64(cfg.Period)
	code, err := hotpCode(secret, counter, cfg.Digits, cfg.Algorithm)
	if err != nil {
		t.Fatalf("computing totp code: %v", err)
	}
	return code
}
