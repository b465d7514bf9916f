package goShield

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goShield/csrf"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Csrf.ServerKey = []byte("0123456789abcdef0123456789abcdef")
	cfg.Lockout.UnlockTokenKey = []byte("fedcba9876543210fedcba9876543210")
	return cfg
}

func clientCtx(ip string) context.Context {
	ctx := WithClientIP(context.Background(), ip)
	ctx = WithUserAgent(ctx, "Mozilla/5.0 Chrome/120.0 Safari/537.36")
	return WithAcceptLanguage(ctx, "en-US")
}

type mockUserProvider struct {
	mu    sync.Mutex
	users map[string]UserRecord
}

func newMockUserProvider(users ...UserRecord) *mockUserProvider {
	up := &mockUserProvider{users: map[string]UserRecord{}}
	for _, u := range users {
		up.users[u.ID] = u
	}
	return up
}

func (p *mockUserProvider) GetUserByID(_ context.Context, userID string) (*UserRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (p *mockUserProvider) LockAccount(_ context.Context, userID string, until time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Locked = true
	u.LockedUntil = until
	p.users[userID] = u
	return nil
}

func (p *mockUserProvider) UnlockAccount(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.Locked = false
	u.LockedUntil = time.Time{}
	p.users[userID] = u
	return nil
}

func buildTestEngine(t *testing.T, cfg Config, up UserProvider) *Engine {
	t.Helper()

	_, rdb := newTestRedis(t)

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(up).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestAuthorizeAllowsFreshSession(t *testing.T) {
	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, testConfig(), up)
	ctx := clientCtx("203.0.113.10")

	grant, err := engine.EstablishSession(ctx, "u1")
	if err != nil {
		t.Fatalf("EstablishSession failed: %v", err)
	}
	if grant.SessionID == "" || grant.CsrfToken == "" || grant.CsrfSecret == "" {
		t.Fatal("expected complete session grant")
	}

	result, err := engine.Authorize(ctx, CheckRequest{
		Method:      "POST",
		Path:        "/posts",
		Class:       ClassGeneral,
		RequireAuth: true,
		SessionID:   grant.SessionID,
		CsrfToken:   grant.CsrfToken,
		CsrfSecret:  grant.CsrfSecret,
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("expected request to be allowed")
	}
	if result.Stage != StageHandlerInvoke {
		t.Fatalf("expected handler invoke stage, got %s", result.Stage)
	}
	if result.UserID != "u1" {
		t.Fatalf("expected user u1, got %q", result.UserID)
	}
	if result.SessionID != grant.SessionID {
		t.Fatalf("expected session id %q, got %q", grant.SessionID, result.SessionID)
	}
}

func TestAuthorizeSafeMethodSkipsCsrf(t *testing.T) {
	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, testConfig(), up)
	ctx := clientCtx("203.0.113.11")

	grant, err := engine.EstablishSession(ctx, "u1")
	if err != nil {
		t.Fatalf("EstablishSession failed: %v", err)
	}

	result, err := engine.Authorize(ctx, CheckRequest{
		Method:      "GET",
		Path:        "/feed",
		Class:       ClassRead,
		RequireAuth: true,
		SessionID:   grant.SessionID,
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("expected GET without token to be allowed")
	}
}

func TestAuthorizeMissingCsrfTokenRejected(t *testing.T) {
	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, testConfig(), up)
	ctx := clientCtx("203.0.113.12")

	grant, err := engine.EstablishSession(ctx, "u1")
	if err != nil {
		t.Fatalf("EstablishSession failed: %v", err)
	}

	result, err := engine.Authorize(ctx, CheckRequest{
		Method:      "POST",
		Path:        "/posts",
		Class:       ClassGeneral,
		RequireAuth: true,
		SessionID:   grant.SessionID,
	})
	if !errors.Is(err, ErrCsrfRequired) {
		t.Fatalf("expected ErrCsrfRequired, got %v", err)
	}
	if result.Allowed {
		t.Fatal("expected rejection")
	}
	if result.Stage != StageCsrfVerify {
		t.Fatalf("expected csrf stage, got %s", result.Stage)
	}
}

func TestAuthorizeTamperedTokenRejected(t *testing.T) {
	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, testConfig(), up)
	ctx := clientCtx("203.0.113.13")

	grant, err := engine.EstablishSession(ctx, "u1")
	if err != nil {
		t.Fatalf("EstablishSession failed: %v", err)
	}

	raw := []byte(grant.CsrfToken)
	if raw[len(raw)-1] == 'A' {
		raw[len(raw)-1] = 'B'
	} else {
		raw[len(raw)-1] = 'A'
	}
	tampered := string(raw)
	_, err = engine.Authorize(ctx, CheckRequest{
		Method:      "POST",
		Path:        "/posts",
		Class:       ClassGeneral,
		RequireAuth: true,
		SessionID:   grant.SessionID,
		CsrfToken:   tampered,
		CsrfSecret:  grant.CsrfSecret,
	})
	if err == nil {
		t.Fatal("expected tampered token to be rejected")
	}
	if !errors.Is(err, csrf.ErrInvalidSignature) && !errors.Is(err, csrf.ErrMalformed) {
		t.Fatalf("expected signature or format error, got %v", err)
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricCsrfInvalidSignature]+snap.Counters[MetricCsrfMalformed] == 0 {
		t.Fatal("expected a csrf failure counter increment")
	}
}

func TestAuthorizeRateLimitExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Tiers[ClassGeneral] = TierConfig{
		Limit:  3,
		Window: time.Hour,
	}

	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, cfg, up)
	ctx := clientCtx("203.0.113.14")

	for i := 0; i < 3; i++ {
		result, err := engine.Authorize(ctx, CheckRequest{
			Method: "GET",
			Path:   "/feed",
			Class:  ClassGeneral,
		})
		if err != nil {
			t.Fatalf("request %d failed: %v", i+1, err)
		}
		if !result.Allowed {
			t.Fatalf("request %d unexpectedly rejected", i+1)
		}
	}

	result, err := engine.Authorize(ctx, CheckRequest{
		Method: "GET",
		Path:   "/feed",
		Class:  ClassGeneral,
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if result.Allowed {
		t.Fatal("expected rejection")
	}
	if result.Stage != StageRateLimit {
		t.Fatalf("expected rate limit stage, got %s", result.Stage)
	}
	if result.RetryAfter <= 0 {
		t.Fatalf("expected positive RetryAfter, got %s", result.RetryAfter)
	}

	// A different client is unaffected.
	other, err := engine.Authorize(clientCtx("203.0.113.99"), CheckRequest{
		Method: "GET",
		Path:   "/feed",
		Class:  ClassGeneral,
	})
	if err != nil || !other.Allowed {
		t.Fatalf("expected other client to be admitted, got %v (%+v)", err, other)
	}
}

func TestAuthorizeInvalidSessionRequiresAuth(t *testing.T) {
	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, testConfig(), up)
	ctx := clientCtx("203.0.113.15")

	_, err := engine.Authorize(ctx, CheckRequest{
		Method:      "GET",
		Path:        "/settings",
		Class:       ClassGeneral,
		RequireAuth: true,
		SessionID:   "nonexistent-session-id",
	})
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}

	// The same stale cookie on an anonymous-tolerant route degrades to an
	// anonymous request instead of failing.
	result, err := engine.Authorize(ctx, CheckRequest{
		Method:    "GET",
		Path:      "/feed",
		Class:     ClassRead,
		SessionID: "nonexistent-session-id",
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if !result.Allowed || result.UserID != "" {
		t.Fatalf("expected anonymous admission, got %+v", result)
	}
}

func TestAuthorizeAdminClass(t *testing.T) {
	up := newMockUserProvider(
		UserRecord{ID: "member"},
		UserRecord{ID: "root", Admin: true},
	)
	engine := buildTestEngine(t, testConfig(), up)
	ctx := clientCtx("203.0.113.16")

	memberGrant, err := engine.EstablishSession(ctx, "member")
	if err != nil {
		t.Fatalf("EstablishSession failed: %v", err)
	}
	_, err = engine.Authorize(ctx, CheckRequest{
		Method:    "GET",
		Path:      "/admin/users",
		Class:     ClassAdmin,
		SessionID: memberGrant.SessionID,
	})
	if !errors.Is(err, ErrAdminRequired) {
		t.Fatalf("expected ErrAdminRequired, got %v", err)
	}

	adminGrant, err := engine.EstablishSession(ctx, "root")
	if err != nil {
		t.Fatalf("EstablishSession failed: %v", err)
	}
	result, err := engine.Authorize(ctx, CheckRequest{
		Method:    "GET",
		Path:      "/admin/users",
		Class:     ClassAdmin,
		SessionID: adminGrant.SessionID,
	})
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if !result.Allowed {
		t.Fatal("expected admin to be allowed")
	}
}

func TestAuthorizeLockedAccountRejected(t *testing.T) {
	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, testConfig(), up)
	ctx := clientCtx("203.0.113.17")

	grant, err := engine.EstablishSession(ctx, "u1")
	if err != nil {
		t.Fatalf("EstablishSession failed: %v", err)
	}

	if err := up.LockAccount(ctx, "u1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("LockAccount failed: %v", err)
	}

	_, err = engine.Authorize(ctx, CheckRequest{
		Method:      "GET",
		Path:        "/settings",
		Class:       ClassGeneral,
		RequireAuth: true,
		SessionID:   grant.SessionID,
	})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked, got %v", err)
	}

	// An expired lock no longer rejects.
	if err := up.LockAccount(ctx, "u1", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("LockAccount failed: %v", err)
	}
	result, err := engine.Authorize(ctx, CheckRequest{
		Method:      "GET",
		Path:        "/settings",
		Class:       ClassGeneral,
		RequireAuth: true,
		SessionID:   grant.SessionID,
	})
	if err != nil || !result.Allowed {
		t.Fatalf("expected expired lock to admit, got %v (%+v)", err, result)
	}
}

func TestAccountLockoutFlow(t *testing.T) {
	cfg := testConfig()
	cfg.Lockout.MaxFailures = 3

	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, cfg, up)
	ctx := clientCtx("203.0.113.18")

	var unlockToken string
	for i := 1; i <= 3; i++ {
		locked, token, err := engine.RecordAuthFailure(ctx, "u1")
		if err != nil {
			t.Fatalf("RecordAuthFailure %d failed: %v", i, err)
		}
		if i < 3 && locked {
			t.Fatalf("locked too early at failure %d", i)
		}
		if i == 3 {
			if !locked {
				t.Fatal("expected lock at third failure")
			}
			if token == "" {
				t.Fatal("expected unlock token")
			}
			unlockToken = token
		}
	}

	user, err := up.GetUserByID(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if !user.Locked {
		t.Fatal("expected provider to record the lock")
	}

	// A fourth failure does not re-lock or mint another token.
	locked, token, err := engine.RecordAuthFailure(ctx, "u1")
	if err != nil {
		t.Fatalf("RecordAuthFailure failed: %v", err)
	}
	if locked || token != "" {
		t.Fatal("expected no second lock event")
	}

	if err := engine.UnlockAccount(ctx, unlockToken); err != nil {
		t.Fatalf("UnlockAccount failed: %v", err)
	}
	user, err = up.GetUserByID(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if user.Locked {
		t.Fatal("expected unlock to clear the provider lock")
	}

	if err := engine.UnlockAccount(ctx, unlockToken+"x"); !errors.Is(err, ErrUnlockTokenInvalid) {
		t.Fatalf("expected ErrUnlockTokenInvalid for tampered token, got %v", err)
	}
}

func TestRegenerationInvalidatesOldSession(t *testing.T) {
	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, testConfig(), up)
	ctx := clientCtx("203.0.113.19")

	grant, err := engine.EstablishSession(ctx, "u1")
	if err != nil {
		t.Fatalf("EstablishSession failed: %v", err)
	}

	next, err := engine.RegenerateSession(ctx, grant.SessionID)
	if err != nil {
		t.Fatalf("RegenerateSession failed: %v", err)
	}
	if next.SessionID == grant.SessionID {
		t.Fatal("expected a fresh session id")
	}

	_, err = engine.Authorize(ctx, CheckRequest{
		Method:      "GET",
		Path:        "/settings",
		Class:       ClassGeneral,
		RequireAuth: true,
		SessionID:   grant.SessionID,
	})
	if !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected old session to be invalid, got %v", err)
	}

	result, err := engine.Authorize(ctx, CheckRequest{
		Method:      "POST",
		Path:        "/posts",
		Class:       ClassGeneral,
		RequireAuth: true,
		SessionID:   next.SessionID,
		CsrfToken:   next.CsrfToken,
		CsrfSecret:  next.CsrfSecret,
	})
	if err != nil || !result.Allowed {
		t.Fatalf("expected new grant to authorize, got %v (%+v)", err, result)
	}
}

func TestTransitionFallbackIsOneShot(t *testing.T) {
	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, testConfig(), up)
	ctx := clientCtx("203.0.113.20")

	// An unbound pair rendered into a form before the session changed.
	anonToken, anonSecret, err := engine.IssueToken(ctx, "")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	grant, err := engine.EstablishSession(ctx, "u1")
	if err != nil {
		t.Fatalf("EstablishSession failed: %v", err)
	}
	next, err := engine.RegenerateSession(ctx, grant.SessionID)
	if err != nil {
		t.Fatalf("RegenerateSession failed: %v", err)
	}

	req := CheckRequest{
		Method:      "POST",
		Path:        "/posts",
		Class:       ClassGeneral,
		RequireAuth: true,
		SessionID:   next.SessionID,
		CsrfToken:   anonToken,
		CsrfSecret:  anonSecret,
	}

	result, err := engine.Authorize(ctx, req)
	if err != nil || !result.Allowed {
		t.Fatalf("expected transition fallback to admit once, got %v (%+v)", err, result)
	}

	snap := engine.MetricsSnapshot()
	if snap.Counters[MetricCsrfTransitionFallback] != 1 {
		t.Fatalf("expected one transition fallback, got %d", snap.Counters[MetricCsrfTransitionFallback])
	}

	// The marker is consumed: the same stale pair never verifies again.
	_, err = engine.Authorize(ctx, req)
	if !errors.Is(err, csrf.ErrSessionMismatch) {
		t.Fatalf("expected ErrSessionMismatch on replay, got %v", err)
	}
}

func TestForcedRegenerationFlag(t *testing.T) {
	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, testConfig(), up)
	ctx := clientCtx("203.0.113.21")

	grant, err := engine.EstablishSession(ctx, "u1")
	if err != nil {
		t.Fatalf("EstablishSession failed: %v", err)
	}

	if err := engine.sessions.MarkRegenerate(ctx, grant.SessionID, time.Minute); err != nil {
		t.Fatalf("MarkRegenerate failed: %v", err)
	}

	req := CheckRequest{
		Method:      "GET",
		Path:        "/feed",
		Class:       ClassRead,
		RequireAuth: true,
		SessionID:   grant.SessionID,
	}

	result, err := engine.Authorize(ctx, req)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if !result.RegenerationRequired {
		t.Fatal("expected RegenerationRequired on flagged session")
	}

	result, err = engine.Authorize(ctx, req)
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	if result.RegenerationRequired {
		t.Fatal("expected flag to be consumed")
	}
}

func TestFingerprintBlockAfterCsrfAbuse(t *testing.T) {
	cfg := testConfig()
	cfg.Abuse.BlockThreshold = 20
	cfg.Incident.CriticalScore = 100

	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, cfg, up)
	ctx := clientCtx("203.0.113.22")

	// Three malformed-token submissions push the suspicion score past the
	// threshold (8 points each).
	for i := 0; i < 3; i++ {
		_, err := engine.Authorize(ctx, CheckRequest{
			Method:     "POST",
			Path:       "/posts",
			Class:      ClassGeneral,
			CsrfToken:  "garbage",
			CsrfSecret: "garbage",
		})
		if err == nil {
			t.Fatalf("expected csrf rejection on attempt %d", i+1)
		}
	}

	result, err := engine.Authorize(ctx, CheckRequest{
		Method: "GET",
		Path:   "/feed",
		Class:  ClassRead,
	})
	if !errors.Is(err, ErrFingerprintBlocked) {
		t.Fatalf("expected ErrFingerprintBlocked, got %v", err)
	}
	if result.Stage != StageRateLimit {
		t.Fatalf("expected block at rate limit stage, got %s", result.Stage)
	}
	if result.RetryAfter <= 0 {
		t.Fatalf("expected positive RetryAfter, got %s", result.RetryAfter)
	}

	// An unrelated client is not affected.
	other, err := engine.Authorize(clientCtx("198.51.100.7"), CheckRequest{
		Method: "GET",
		Path:   "/feed",
		Class:  ClassRead,
	})
	if err != nil || !other.Allowed {
		t.Fatalf("expected other client admitted, got %v (%+v)", err, other)
	}
}

func TestAuthorizeAfterClose(t *testing.T) {
	up := newMockUserProvider(UserRecord{ID: "u1"})
	engine := buildTestEngine(t, testConfig(), up)

	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := engine.Authorize(context.Background(), CheckRequest{
		Method: "GET",
		Class:  ClassRead,
	}); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
	if _, err := engine.EstablishSession(context.Background(), "u1"); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}

	ctx := context.Background()
	if _, _, err := engine.IssueToken(ctx, ""); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("IssueToken after close: %v", err)
	}
	if err := engine.InvalidateSession(ctx, "sid"); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("InvalidateSession after close: %v", err)
	}
	if _, err := engine.RegenerateSession(ctx, "sid"); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("RegenerateSession after close: %v", err)
	}
	if _, _, err := engine.RecordAuthFailure(ctx, "u1"); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("RecordAuthFailure after close: %v", err)
	}
	if err := engine.RecordAuthSuccess(ctx, "u1"); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("RecordAuthSuccess after close: %v", err)
	}
	if err := engine.UnlockAccount(ctx, "token"); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("UnlockAccount after close: %v", err)
	}
}

func TestBuilderValidation(t *testing.T) {
	_, rdb := newTestRedis(t)
	up := newMockUserProvider(UserRecord{ID: "u1"})

	if _, err := New().Build(); err == nil {
		t.Fatal("expected error without redis client")
	}

	cfg := testConfig()
	cfg.Csrf.ServerKey = []byte("short")
	if _, err := New().WithConfig(cfg).WithRedis(rdb).WithUserProvider(up).Build(); err == nil {
		t.Fatal("expected error for short server key")
	}

	if _, err := New().WithConfig(testConfig()).WithRedis(rdb).Build(); err == nil ||
		!strings.Contains(err.Error(), "user provider") {
		t.Fatalf("expected user provider requirement, got %v", err)
	}

	b := New().WithConfig(testConfig()).WithRedis(rdb).WithUserProvider(up)
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })

	if _, err := b.Build(); err == nil {
		t.Fatal("expected single-use builder to reject a second Build")
	}
}
