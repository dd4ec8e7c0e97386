package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gatehouse "github.com/innkeepr/gatehouse"
)

// nullDirectory satisfies gatehouse.UserDirectory for anonymous-only tests.
type nullDirectory struct{}

func (nullDirectory) Lookup(context.Context, string) (gatehouse.UserStatus, error) {
	return gatehouse.UserStatus{}, gatehouse.ErrUserNotFound
}

func (nullDirectory) LookupByIdentifier(context.Context, string) (gatehouse.UserAccount, error) {
	return gatehouse.UserAccount{}, gatehouse.ErrUserNotFound
}

func (nullDirectory) GetTwoFactor(context.Context, string) (*gatehouse.TwoFactorRecord, error) {
	return nil, gatehouse.ErrTwoFactorNotConfigured
}

func (nullDirectory) SaveTwoFactorSecret(context.Context, string, []byte) error { return nil }
func (nullDirectory) EnableTwoFactor(context.Context, string) error             { return nil }
func (nullDirectory) DisableTwoFactor(context.Context, string) error            { return nil }
func (nullDirectory) UpdateTwoFactorLastUsed(context.Context, string, int64) error {
	return nil
}

func (nullDirectory) ReplaceRecoveryCodes(context.Context, string, []gatehouse.RecoveryCodeRecord) error {
	return nil
}

func (nullDirectory) ConsumeRecoveryCode(context.Context, string, [32]byte) (bool, error) {
	return false, nil
}

func newGuardedServer(t *testing.T, next http.Handler) (*gatehouse.Engine, http.Handler) {
	t.Helper()

	cfg := gatehouse.DefaultConfig()
	cfg.Password = gatehouse.PasswordConfig{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	}

	engine, err := gatehouse.New().
		WithConfig(cfg).
		WithUserDirectory(nullDirectory{}).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	chain := SecurityHeaders(engine.HeaderConfig())(Admission(engine)(next))
	return engine, chain
}

func TestAdmissionAllowsAndRestoresBody(t *testing.T) {
	var seenBody string
	_, handler := newGuardedServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			t.Fatalf("reading body downstream: %v", err)
		}
		seenBody = string(data)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/rooms", strings.NewReader(`{"guests":2}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if seenBody != `{"guests":2}` {
		t.Fatalf("downstream body lost: %q", seenBody)
	}
	if rec.Header().Get("X-RateLimit-Remaining-Burst") == "" {
		t.Fatal("expected rate-limit headers on allowed response")
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Fatal("expected security headers on response")
	}
}

func TestAdmissionRejectsSuspiciousQuery(t *testing.T) {
	_, handler := newGuardedServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest("GET", `/users?username={"$ne":""}`, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	// The matched family stays in the audit trail, never in the response.
	if strings.Contains(rec.Body.String(), "document-operator") {
		t.Fatal("response leaks filter internals")
	}
}

func TestAdmissionRejectsOversizedBody(t *testing.T) {
	_, handler := newGuardedServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	big := strings.NewReader(strings.Repeat("x", 1<<20+1))
	req := httptest.NewRequest("POST", "/rooms", big)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestAdmissionRateLimitsWithRetryAfter(t *testing.T) {
	_, handler := newGuardedServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest("POST", "/auth/login", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
	}

	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on 6th auth request, got %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if last.Header().Get("X-RateLimit-Remaining-Burst") != "0" {
		t.Fatalf("expected zero remaining burst, got %q", last.Header().Get("X-RateLimit-Remaining-Burst"))
	}
}

func TestAdmissionRejectsInvalidBearer(t *testing.T) {
	_, handler := newGuardedServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest("GET", "/users/me", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestIdentityFromContextAbsentForAnonymous(t *testing.T) {
	var hadIdentity bool
	_, handler := newGuardedServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadIdentity = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/rooms", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if hadIdentity {
		t.Fatal("anonymous request must carry no identity")
	}
}

func TestBearerTokenParsing(t *testing.T) {
	if tok, ok := bearerToken("Bearer abc"); !ok || tok != "abc" {
		t.Fatalf("expected abc, got %q ok=%v", tok, ok)
	}
	if tok, ok := bearerToken("bearer abc"); !ok || tok != "abc" {
		t.Fatalf("scheme must be case-insensitive, got %q ok=%v", tok, ok)
	}
	for _, h := range []string{"", "Bearer", "Bearer ", "Basic abc"} {
		if _, ok := bearerToken(h); ok {
			t.Fatalf("header %q must not parse", h)
		}
	}
}
