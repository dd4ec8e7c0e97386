package gatehouse

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// BeginTwoFactorSetup generates a fresh TOTP secret for the user, persists
// it unconfirmed, and returns the enrollment material. Calling it again
// before confirmation replaces the unconfirmed secret; an already-confirmed
// setup is not touched and must be disabled first.
func (e *Engine) BeginTwoFactorSetup(ctx context.Context, userID string) (*TwoFactorSetup, error) {
	if !e.config.TwoFactor.Enabled {
		return nil, ErrTwoFactorDisabled
	}

	lock := e.userLocks.lock(userID)
	defer lock.Unlock()

	existing, err := e.directory.GetTwoFactor(ctx, userID)
	if err != nil && !errors.Is(err, ErrTwoFactorNotConfigured) {
		return nil, fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}
	if existing != nil && existing.Enabled && existing.Confirmed {
		return nil, errors.New("two-factor already enabled, disable it first")
	}

	secret, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}

	if err := e.directory.SaveTwoFactorSecret(ctx, userID, secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}

	return &TwoFactorSetup{
		SecretBase32: secretBase32,
		URI:          e.totp.ProvisionURI(secretBase32, userID),
	}, nil
}

// ConfirmTwoFactorSetup verifies a live code against the pending secret,
// enables enforcement, and returns the one-time recovery code batch. The
// plaintext codes are never retrievable again.
func (e *Engine) ConfirmTwoFactorSetup(ctx context.Context, userID, code string) ([]string, error) {
	if !e.config.TwoFactor.Enabled {
		return nil, ErrTwoFactorDisabled
	}

	lock := e.userLocks.lock(userID)
	defer lock.Unlock()

	record, err := e.directory.GetTwoFactor(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrTwoFactorNotConfigured) {
			return nil, ErrTwoFactorNotConfigured
		}
		return nil, fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}
	if record == nil || len(record.Secret) == 0 {
		return nil, ErrTwoFactorNotConfigured
	}

	now := e.clock.Now()
	ok, counter, err := e.totp.VerifyCode(record.Secret, code, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metricInc(MetricSecondFactorFailure)
		e.emitAudit(ctx, auditEventTwoFactorFailure, false, userID, "", "", ErrCodeInvalid, func() map[string]string {
			return map[string]string{"stage": "setup_confirm"}
		})
		return nil, ErrCodeInvalid
	}

	if err := e.directory.UpdateTwoFactorLastUsed(ctx, userID, counter); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}
	if err := e.directory.EnableTwoFactor(ctx, userID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}

	codes, err := e.issueRecoveryCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	e.emitAudit(ctx, auditEventTwoFactorEnabled, true, userID, "", "", nil, nil)
	return codes, nil
}

// RegenerateRecoveryCodes replaces the user's recovery batch. It demands a
// live TOTP code, not a recovery code: someone holding only a stolen
// recovery code must not be able to mint themselves ten more.
func (e *Engine) RegenerateRecoveryCodes(ctx context.Context, userID, code string) ([]string, error) {
	if !e.config.TwoFactor.Enabled {
		return nil, ErrTwoFactorDisabled
	}

	lock := e.userLocks.lock(userID)
	defer lock.Unlock()

	if err := e.verifyTOTPLocked(ctx, userID, code, e.clock.Now()); err != nil {
		return nil, err
	}
	return e.issueRecoveryCodes(ctx, userID)
}

// DisableTwoFactor switches enforcement off and discards the secret and all
// recovery codes. Disabling an account that never had 2FA is a no-op.
func (e *Engine) DisableTwoFactor(ctx context.Context, userID string) error {
	lock := e.userLocks.lock(userID)
	defer lock.Unlock()

	if err := e.directory.ReplaceRecoveryCodes(ctx, userID, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}
	if err := e.directory.DisableTwoFactor(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}

	e.emitAudit(ctx, auditEventTwoFactorDisabled, true, userID, "", "", nil, nil)
	return nil
}

// VerifyRecoveryCode consumes one recovery code outside the login flow, for
// a signed-in user proving possession (e.g. before a sensitive operation).
// Each code works exactly once.
func (e *Engine) VerifyRecoveryCode(ctx context.Context, userID, code string) error {
	if !e.config.TwoFactor.Enabled {
		return ErrTwoFactorDisabled
	}
	return e.consumeRecoveryCode(ctx, userID, code)
}

// verifyTOTP is the shared live-code check behind ConfirmLogin and
// RegenerateRecoveryCodes. It takes the per-user lock so the replay counter
// compare-and-update is not racy between two concurrent attempts.
func (e *Engine) verifyTOTP(ctx context.Context, userID, code string, now time.Time) error {
	lock := e.userLocks.lock(userID)
	defer lock.Unlock()
	return e.verifyTOTPLocked(ctx, userID, code, now)
}

func (e *Engine) verifyTOTPLocked(ctx context.Context, userID, code string, now time.Time) error {
	record, err := e.directory.GetTwoFactor(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrTwoFactorNotConfigured) {
			return ErrTwoFactorNotConfigured
		}
		return fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}
	if record == nil || !record.Enabled || !record.Confirmed {
		return ErrTwoFactorNotConfigured
	}

	ok, counter, err := e.totp.VerifyCode(record.Secret, code, now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCodeInvalid
	}
	if e.config.TwoFactor.EnforceReplayProtection && counter <= record.LastUsedCounter {
		// The code matched a step that was already spent.
		return ErrCodeInvalid
	}

	if err := e.directory.UpdateTwoFactorLastUsed(ctx, userID, counter); err != nil {
		return fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}
	return nil
}

// consumeRecoveryCode hashes and atomically removes one recovery code via
// the directory. The directory decides the race: of two concurrent attempts
// with the same code, exactly one observes a removal.
func (e *Engine) consumeRecoveryCode(ctx context.Context, userID, code string) error {
	canonical := canonicalizeRecoveryCode(code)
	if canonical == "" {
		return ErrCodeInvalid
	}

	consumed, err := e.directory.ConsumeRecoveryCode(ctx, userID, recoveryCodeHash(userID, canonical))
	if err != nil {
		if errors.Is(err, ErrRecoveryCodesNotConfigured) {
			return ErrRecoveryCodesNotConfigured
		}
		return fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}
	if !consumed {
		e.metricInc(MetricRecoveryCodeFailed)
		e.emitAudit(ctx, auditEventRecoveryFailed, false, userID, "", "", ErrCodeInvalid, nil)
		return ErrCodeInvalid
	}

	e.metricInc(MetricRecoveryCodeUsed)
	e.emitAudit(ctx, auditEventRecoveryUsed, true, userID, "", "", nil, nil)
	return nil
}

func (e *Engine) issueRecoveryCodes(ctx context.Context, userID string) ([]string, error) {
	cfg := e.config.TwoFactor
	plaintext, records, err := generateRecoveryBatch(userID, cfg.RecoveryCodeCount, cfg.RecoveryCodeLength)
	if err != nil {
		return nil, fmt.Errorf("generating recovery codes: %w", err)
	}
	if err := e.directory.ReplaceRecoveryCodes(ctx, userID, records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}

	e.metricInc(MetricRecoveryCodesIssued)
	e.emitAudit(ctx, auditEventRecoveryIssued, true, userID, "", "", nil, nil)
	return plaintext, nil
}
