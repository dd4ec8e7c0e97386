package gatehouse

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func twoFactorFixture(t *testing.T) (*Engine, *memDirectory, *fakeClock) {
	t.Helper()
	dir := newMemDirectory()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	engine := newTestEngine(t, testConfig(), dir, clock)
	seedUser(t, engine, dir, "u1", "alice@example.com", "correct-horse", "guest")
	return engine, dir, clock
}

func TestBeginTwoFactorSetupIssuesSecretAndURI(t *testing.T) {
	engine, dir, _ := twoFactorFixture(t)

	setup, err := engine.BeginTwoFactorSetup(context.Background(), "u1")
	if err != nil {
		t.Fatalf("BeginTwoFactorSetup failed: %v", err)
	}
	if setup.SecretBase32 == "" {
		t.Fatal("expected a base32 secret")
	}
	if !strings.HasPrefix(setup.URI, "otpauth://totp/") {
		t.Fatalf("unexpected URI: %q", setup.URI)
	}

	rec, err := dir.GetTwoFactor(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetTwoFactor failed: %v", err)
	}
	if rec.Enabled || rec.Confirmed {
		t.Fatal("setup must start unconfirmed")
	}
}

func TestBeginTwoFactorSetupReplacesUnconfirmedSecret(t *testing.T) {
	engine, _, _ := twoFactorFixture(t)
	ctx := context.Background()

	first, err := engine.BeginTwoFactorSetup(ctx, "u1")
	if err != nil {
		t.Fatalf("first setup failed: %v", err)
	}
	second, err := engine.BeginTwoFactorSetup(ctx, "u1")
	if err != nil {
		t.Fatalf("second setup failed: %v", err)
	}
	if first.SecretBase32 == second.SecretBase32 {
		t.Fatal("expected a fresh secret per setup attempt")
	}
}

func TestBeginTwoFactorSetupRejectsWhenEnabled(t *testing.T) {
	engine, dir, clock := twoFactorFixture(t)
	enrollTwoFactor(t, engine, dir, clock, "u1")

	if _, err := engine.BeginTwoFactorSetup(context.Background(), "u1"); err == nil {
		t.Fatal("expected rejection while two-factor is enabled")
	}
}

func TestConfirmTwoFactorSetupWrongCode(t *testing.T) {
	engine, _, _ := twoFactorFixture(t)
	ctx := context.Background()

	if _, err := engine.BeginTwoFactorSetup(ctx, "u1"); err != nil {
		t.Fatalf("BeginTwoFactorSetup failed: %v", err)
	}
	if _, err := engine.ConfirmTwoFactorSetup(ctx, "u1", "000000"); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected ErrCodeInvalid, got %v", err)
	}
}

func TestConfirmTwoFactorSetupWithoutBegin(t *testing.T) {
	engine, _, _ := twoFactorFixture(t)

	if _, err := engine.ConfirmTwoFactorSetup(context.Background(), "u1", "123456"); !errors.Is(err, ErrTwoFactorNotConfigured) {
		t.Fatalf("expected ErrTwoFactorNotConfigured, got %v", err)
	}
}

func TestConfirmTwoFactorSetupIssuesRecoveryBatch(t *testing.T) {
	engine, dir, clock := twoFactorFixture(t)
	_, codes := enrollTwoFactor(t, engine, dir, clock, "u1")

	if len(codes) != 10 {
		t.Fatalf("expected 10 recovery codes, got %d", len(codes))
	}
	distinct := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		distinct[c] = struct{}{}
	}
	if len(distinct) != 10 {
		t.Fatal("recovery codes must be distinct")
	}

	rec, err := dir.GetTwoFactor(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetTwoFactor failed: %v", err)
	}
	if !rec.Enabled || !rec.Confirmed {
		t.Fatal("expected enabled and confirmed after setup")
	}
}

func TestRegenerateRecoveryCodesRequiresLiveTOTP(t *testing.T) {
	engine, dir, clock := twoFactorFixture(t)
	secret, oldCodes := enrollTwoFactor(t, engine, dir, clock, "u1")
	ctx := context.Background()

	// A recovery code is not accepted as the proof.
	if _, err := engine.RegenerateRecoveryCodes(ctx, "u1", oldCodes[0]); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected recovery code rejection, got %v", err)
	}

	clock.Advance(35 * time.Second)
	code := totpCodeAt(t, engine, secret, clock.Now())
	newCodes, err := engine.RegenerateRecoveryCodes(ctx, "u1", code)
	if err != nil {
		t.Fatalf("RegenerateRecoveryCodes failed: %v", err)
	}
	if len(newCodes) != 10 {
		t.Fatalf("expected 10 fresh codes, got %d", len(newCodes))
	}

	// Old batch is void, new batch works.
	if err := engine.VerifyRecoveryCode(ctx, "u1", oldCodes[0]); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected old batch voided, got %v", err)
	}
	if err := engine.VerifyRecoveryCode(ctx, "u1", newCodes[0]); err != nil {
		t.Fatalf("new code rejected: %v", err)
	}
}

func TestVerifyRecoveryCodeSingleUse(t *testing.T) {
	engine, dir, clock := twoFactorFixture(t)
	_, codes := enrollTwoFactor(t, engine, dir, clock, "u1")
	ctx := context.Background()

	if err := engine.VerifyRecoveryCode(ctx, "u1", codes[0]); err != nil {
		t.Fatalf("first use failed: %v", err)
	}
	if err := engine.VerifyRecoveryCode(ctx, "u1", codes[0]); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected single use, got %v", err)
	}

	// Dashes and case are cosmetic.
	relaxed := strings.ToLower(strings.ReplaceAll(codes[1], "-", ""))
	if err := engine.VerifyRecoveryCode(ctx, "u1", relaxed); err != nil {
		t.Fatalf("canonicalization failed: %v", err)
	}
}

func TestVerifyRecoveryCodeConcurrentExactlyOneSucceeds(t *testing.T) {
	engine, dir, clock := twoFactorFixture(t)
	_, codes := enrollTwoFactor(t, engine, dir, clock, "u1")
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	results := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- engine.VerifyRecoveryCode(ctx, "u1", codes[0])
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		if err == nil {
			success++
		} else if !errors.Is(err, ErrCodeInvalid) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one success, got %d", success)
	}
}

func TestDisableTwoFactorIdempotent(t *testing.T) {
	engine, dir, clock := twoFactorFixture(t)
	_, codes := enrollTwoFactor(t, engine, dir, clock, "u1")
	ctx := context.Background()

	if err := engine.DisableTwoFactor(ctx, "u1"); err != nil {
		t.Fatalf("DisableTwoFactor failed: %v", err)
	}
	// Secret and recovery codes are gone.
	if _, err := dir.GetTwoFactor(ctx, "u1"); !errors.Is(err, ErrTwoFactorNotConfigured) {
		t.Fatalf("expected secret removed, got %v", err)
	}
	if err := engine.VerifyRecoveryCode(ctx, "u1", codes[0]); !errors.Is(err, ErrCodeInvalid) {
		t.Fatalf("expected recovery codes voided, got %v", err)
	}

	// Second disable is a no-op.
	if err := engine.DisableTwoFactor(ctx, "u1"); err != nil {
		t.Fatalf("second DisableTwoFactor failed: %v", err)
	}

	// Login no longer demands a second factor.
	result, err := engine.Login(ctx, "alice@example.com", "correct-horse", "10.0.0.1:1")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if result.SecondFactorRequired {
		t.Fatal("expected plain login after disable")
	}
}

func TestTwoFactorDisabledFeatureFlag(t *testing.T) {
	dir := newMemDirectory()
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	cfg := testConfig()
	cfg.TwoFactor.Enabled = false
	engine := newTestEngine(t, cfg, dir, clock)
	seedUser(t, engine, dir, "u1", "alice@example.com", "correct-horse", "guest")

	if _, err := engine.BeginTwoFactorSetup(context.Background(), "u1"); !errors.Is(err, ErrTwoFactorDisabled) {
		t.Fatalf("expected ErrTwoFactorDisabled, got %v", err)
	}
}
