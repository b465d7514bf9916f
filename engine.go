package goShield

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/goShield/csrf"
	"github.com/MrEthical07/goShield/internal/abuse"
	"github.com/MrEthical07/goShield/internal/rate"
	"github.com/MrEthical07/goShield/session"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Engine defines a public type used by goShield APIs.
//
// Engine is the security layer facade. Construct it through
// [Builder.Build]; all methods are safe for concurrent use afterwards.
type Engine struct {
	config   Config
	sessions *session.Store
	tokens   *csrf.Manager
	limiter  *rate.Limiter
	detector *abuse.Detector
	lockout  *accountLockout
	users    UserProvider
	audit    *auditDispatcher
	metrics  *Metrics
	logger   *zap.Logger

	incidents *incidentResponder
	recent    *recentSessions

	chain  []chainStage
	closed atomic.Bool
}

type chainStage struct {
	id  Stage
	run func(ctx context.Context, st *checkState) error
}

type checkState struct {
	req         *CheckRequest
	fingerprint string
	ip          string
	session     *session.Session
	result      CheckResult
}

func (e *Engine) buildChain() {
	e.chain = []chainStage{
		{StageRateLimit, e.stageRateLimit},
		{StageSessionResolve, e.stageSessionResolve},
		{StageAuthCheck, e.stageAuthCheck},
		{StageCsrfVerify, e.stageCsrfVerify},
	}
}

// Authorize runs one request through the fixed stage chain: rate limiting
// and fingerprint blocks first, then session resolution, authentication
// requirements, and CSRF verification. The handler must only run when the
// returned result has Allowed set.
//
// On rejection the returned error names the precise cause (sentinels from
// this package and from [csrf]); the CheckResult carries only what is safe
// to surface to clients.
func (e *Engine) Authorize(ctx context.Context, req CheckRequest) (CheckResult, error) {
	if e == nil {
		return CheckResult{}, ErrEngineNotReady
	}
	if e.closed.Load() {
		return CheckResult{}, ErrEngineClosed
	}

	start := time.Now()
	st := &checkState{
		req:         &req,
		fingerprint: fingerprintFromContext(ctx),
		ip:          clientIPFromContext(ctx),
	}
	st.result.Fingerprint = st.fingerprint
	st.result.Stage = StageReceived

	for _, stage := range e.chain {
		st.result.Stage = stage.id
		if err := stage.run(ctx, st); err != nil {
			st.result.Allowed = false
			e.auditReject(ctx, st, err)
			e.metrics.Observe(MetricAuthorizeLatency, time.Since(start))
			return st.result, err
		}
	}

	st.result.Stage = StageHandlerInvoke
	st.result.Allowed = true

	if st.session != nil {
		ok, err := e.sessions.ConsumeRegenerateFlag(ctx, st.session.SessionID)
		if err != nil {
			e.logger.Warn("regenerate flag check failed", zap.Error(err))
		}
		st.result.RegenerationRequired = ok
	}

	e.detector.RecordEvent(st.fingerprint, abuse.EventRequest, req.Path)
	e.metrics.Inc(MetricRequestAllowed)
	e.metrics.Observe(MetricAuthorizeLatency, time.Since(start))

	return st.result, nil
}

func (e *Engine) stageRateLimit(ctx context.Context, st *checkState) error {
	if blocked, until := e.detector.IsBlocked(st.fingerprint); blocked {
		st.result.RetryAfter = time.Until(until)
		e.metrics.Inc(MetricFingerprintBlocked)
		return ErrFingerprintBlocked
	}

	tier := e.config.tierFor(st.req.Class)
	decision, err := e.limiter.Check(ctx, st.fingerprint+":"+st.req.Class.String(), rate.Policy{
		Limit:         tier.Limit,
		Window:        tier.Window,
		FailClosed:    tier.FailClosed,
		EscalateAfter: tier.EscalateAfter,
		BaseBlock:     tier.BaseBlock,
		MaxBlock:      tier.MaxBlock,
	})

	st.result.Remaining = decision.Remaining
	st.result.Degraded = decision.Degraded

	if err != nil {
		e.logger.Error("rate limit store unavailable",
			zap.String("class", st.req.Class.String()),
			zap.Error(err),
		)
		e.metrics.Inc(MetricDegradedDecision)

		if !decision.Allowed {
			st.result.RetryAfter = decision.RetryAfter
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		// Fail-open class: admit and move on.
		return nil
	}

	if !decision.Allowed {
		st.result.RetryAfter = decision.RetryAfter
		e.metrics.Inc(MetricRateLimitHit)
		if decision.Escalated {
			e.metrics.Inc(MetricRateLimitEscalated)
		}
		e.detector.RecordEvent(st.fingerprint, abuse.EventRateLimitHit, st.req.Path)
		return ErrRateLimited
	}

	return nil
}

func (e *Engine) stageSessionResolve(ctx context.Context, st *checkState) error {
	if st.req.SessionID == "" {
		return nil
	}

	sess, err := e.sessions.Validate(ctx, st.req.SessionID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Absent, expired, and tombstoned are indistinguishable here.
			e.metrics.Inc(MetricSessionMiss)
			if st.req.RequireAuth || st.req.Class == ClassAdmin {
				e.detector.RecordEvent(st.fingerprint, abuse.EventAuthFailure, st.req.Path)
				return ErrSessionInvalid
			}
			return nil
		}

		e.logger.Error("session resolve failed", zap.Error(err))
		e.metrics.Inc(MetricDegradedDecision)
		st.result.Degraded = true
		if st.req.RequireAuth || st.req.Class == ClassAdmin {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return nil
	}

	st.session = sess
	st.result.UserID = sess.UserID
	st.result.SessionID = sess.SessionID
	return nil
}

func (e *Engine) stageAuthCheck(ctx context.Context, st *checkState) error {
	if !st.req.RequireAuth && st.req.Class != ClassAdmin {
		return nil
	}

	if st.session == nil {
		e.metrics.Inc(MetricAuthRejected)
		e.detector.RecordEvent(st.fingerprint, abuse.EventAuthFailure, st.req.Path)
		return ErrUnauthenticated
	}

	if e.users == nil {
		return nil
	}

	user, err := e.users.GetUserByID(ctx, st.session.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.metrics.Inc(MetricAuthRejected)
			return ErrUnauthenticated
		}
		e.logger.Error("user lookup failed", zap.Error(err))
		e.metrics.Inc(MetricDegradedDecision)
		st.result.Degraded = true
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if user.Locked && (user.LockedUntil.IsZero() || time.Now().Before(user.LockedUntil)) {
		e.metrics.Inc(MetricAuthRejected)
		return ErrAccountLocked
	}

	if st.req.Class == ClassAdmin && !user.Admin {
		e.metrics.Inc(MetricAuthRejected)
		e.detector.RecordEvent(st.fingerprint, abuse.EventAuthFailure, st.req.Path)
		return ErrAdminRequired
	}

	return nil
}

func (e *Engine) stageCsrfVerify(ctx context.Context, st *checkState) error {
	if isSafeMethod(st.req.Method) {
		return nil
	}

	sid := ""
	if st.session != nil {
		sid = st.session.SessionID
	}

	if st.req.CsrfToken == "" || st.req.CsrfSecret == "" {
		e.recordCsrfFailure(st, ErrCsrfRequired)
		return ErrCsrfRequired
	}

	err := e.tokens.Verify(st.req.CsrfToken, st.req.CsrfSecret, sid, false)
	if err == nil {
		e.metrics.Inc(MetricCsrfSuccess)
		return nil
	}

	// A bound-token mismatch right after regeneration may be the old
	// pre-login token arriving late. The one-shot transition marker
	// authorizes exactly one unbound re-verification.
	if errors.Is(err, csrf.ErrSessionMismatch) && sid != "" {
		consumed, terr := e.sessions.ConsumeTransition(ctx, sid)
		if terr != nil {
			e.logger.Error("transition marker check failed", zap.Error(terr))
		}
		if consumed {
			if fbErr := e.tokens.Verify(st.req.CsrfToken, st.req.CsrfSecret, sid, true); fbErr == nil {
				e.metrics.Inc(MetricCsrfTransitionFallback)
				e.metrics.Inc(MetricCsrfSuccess)
				return nil
			} else {
				err = fbErr
			}
		}
	}

	e.recordCsrfFailure(st, err)
	return err
}

func (e *Engine) recordCsrfFailure(st *checkState, cause error) {
	switch {
	case errors.Is(cause, csrf.ErrInvalidSignature):
		e.metrics.Inc(MetricCsrfInvalidSignature)
	case errors.Is(cause, csrf.ErrExpired):
		e.metrics.Inc(MetricCsrfExpired)
	case errors.Is(cause, csrf.ErrSessionMismatch):
		e.metrics.Inc(MetricCsrfSessionMismatch)
	default:
		e.metrics.Inc(MetricCsrfMalformed)
	}

	e.detector.RecordEvent(st.fingerprint, abuse.EventCSRFFailure, st.req.Path)
	if st.session != nil {
		// Remember which session this fingerprint abused so the incident
		// responder can force its regeneration.
		e.recent.put(st.fingerprint, st.session.SessionID)
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS":
		return true
	default:
		return false
	}
}

// EstablishSession creates a session for an authenticated user and issues
// the CSRF pair bound to it. Call it after the host application has
// verified credentials; it also clears the account's failure counter.
func (e *Engine) EstablishSession(ctx context.Context, userID string) (*SessionGrant, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	sess, err := e.sessions.Create(ctx, userID, e.config.Session.Lifetime)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	pair, err := e.tokens.Issue(sess.SessionID)
	if err != nil {
		return nil, err
	}

	if err := e.lockout.Clear(ctx, userID); err != nil {
		e.logger.Warn("lockout counter clear failed", zap.Error(err))
	}

	e.metrics.Inc(MetricSessionCreated)
	e.metrics.Inc(MetricTokenIssued)
	e.audit.Emit(ctx, AuditEvent{
		Timestamp: time.Now(),
		EventType: "session_established",
		UserID:    userID,
		SessionID: sess.SessionID,
		IP:        clientIPFromContext(ctx),
		Success:   true,
	})

	return &SessionGrant{
		SessionID:  sess.SessionID,
		CsrfToken:  pair.Token,
		CsrfSecret: pair.Secret,
		ExpiresAt:  time.Unix(sess.ExpiresAt, 0),
	}, nil
}

// IssueToken issues a fresh CSRF pair. With a session id the pair is bound
// to it; with an empty id the pair is unbound, for anonymous forms.
func (e *Engine) IssueToken(ctx context.Context, sessionID string) (token, secret string, err error) {
	if e == nil {
		return "", "", ErrEngineNotReady
	}
	if e.closed.Load() {
		return "", "", ErrEngineClosed
	}

	if sessionID != "" {
		if _, err := e.sessions.Peek(ctx, sessionID); err != nil {
			if errors.Is(err, redis.Nil) {
				return "", "", ErrSessionInvalid
			}
			return "", "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	pair, err := e.tokens.Issue(sessionID)
	if err != nil {
		return "", "", err
	}

	e.metrics.Inc(MetricTokenIssued)
	return pair.Token, pair.Secret, nil
}

// InvalidateSession logically deletes a session (logout). Idempotent.
func (e *Engine) InvalidateSession(ctx context.Context, sessionID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.closed.Load() {
		return ErrEngineClosed
	}

	if err := e.sessions.Invalidate(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.metrics.Inc(MetricSessionInvalidated)
	e.audit.Emit(ctx, AuditEvent{
		Timestamp: time.Now(),
		EventType: "session_invalidated",
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   true,
	})
	return nil
}

// RegenerateSession swaps a session id in place, keeping the user. Call it
// on every privilege boundary (login, role elevation) to defeat fixation.
// The returned grant carries the CSRF pair bound to the new id; tokens
// bound to the old id get one transition-window verification.
func (e *Engine) RegenerateSession(ctx context.Context, sessionID string) (*SessionGrant, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	next, err := e.sessions.Regenerate(ctx, sessionID, e.config.Session.Lifetime)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	pair, err := e.tokens.Issue(next.SessionID)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricSessionRegenerated)
	e.metrics.Inc(MetricTokenIssued)
	e.audit.Emit(ctx, AuditEvent{
		Timestamp: time.Now(),
		EventType: "session_regenerated",
		UserID:    next.UserID,
		SessionID: next.SessionID,
		IP:        clientIPFromContext(ctx),
		Success:   true,
	})

	return &SessionGrant{
		SessionID:  next.SessionID,
		CsrfToken:  pair.Token,
		CsrfSecret: pair.Secret,
		ExpiresAt:  time.Unix(next.ExpiresAt, 0),
	}, nil
}

// RecordAuthFailure folds one failed credential check into abuse scoring
// and the per-account lockout counter. Crossing the lockout threshold
// locks the account through the UserProvider and returns a signed unlock
// token for the support path.
func (e *Engine) RecordAuthFailure(ctx context.Context, userID string) (locked bool, unlockToken string, err error) {
	if e == nil {
		return false, "", ErrEngineNotReady
	}
	if e.closed.Load() {
		return false, "", ErrEngineClosed
	}

	fp := fingerprintFromContext(ctx)
	e.detector.RecordEvent(fp, abuse.EventAuthFailure, "")

	crossed, err := e.lockout.RecordFailure(ctx, userID)
	if err != nil {
		e.logger.Error("lockout counter failed", zap.Error(err))
		return false, "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	e.audit.Emit(ctx, AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "auth_failure",
		UserID:      userID,
		Fingerprint: fp,
		IP:          clientIPFromContext(ctx),
		Success:     false,
	})

	if !crossed {
		return false, "", nil
	}

	until := time.Now().Add(e.config.Lockout.LockDuration)
	incidentID := uuid.NewString()

	if err := e.users.LockAccount(ctx, userID, until); err != nil {
		e.logger.Error("account lock failed", zap.String("user_id", userID), zap.Error(err))
		return false, "", fmt.Errorf("lock account: %w", err)
	}

	token, err := mintUnlockToken(e.config.Lockout.UnlockTokenKey, userID, incidentID, until)
	if err != nil {
		return true, "", err
	}

	e.metrics.Inc(MetricAccountLocked)
	e.audit.Emit(ctx, AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "account_locked",
		UserID:      userID,
		Fingerprint: fp,
		IncidentID:  incidentID,
		Success:     true,
		Metadata: map[string]string{
			"locked_until": until.UTC().Format(time.RFC3339),
		},
	})

	return true, token, nil
}

// RecordAuthSuccess clears the account's failure counter after a
// successful credential check that does not establish a session.
func (e *Engine) RecordAuthSuccess(ctx context.Context, userID string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if err := e.lockout.Clear(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// UnlockAccount verifies a signed unlock token and lifts the account lock
// it was minted for.
func (e *Engine) UnlockAccount(ctx context.Context, tokenString string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if e.closed.Load() {
		return ErrEngineClosed
	}

	userID, incidentID, err := parseUnlockToken(e.config.Lockout.UnlockTokenKey, tokenString)
	if err != nil {
		return err
	}

	if err := e.users.UnlockAccount(ctx, userID); err != nil {
		return fmt.Errorf("unlock account: %w", err)
	}
	if err := e.lockout.Clear(ctx, userID); err != nil {
		e.logger.Warn("lockout counter clear failed", zap.Error(err))
	}

	e.metrics.Inc(MetricAccountUnlocked)
	e.audit.Emit(ctx, AuditEvent{
		Timestamp:  time.Now(),
		EventType:  "account_unlocked",
		UserID:     userID,
		IncidentID: incidentID,
		Success:    true,
	})
	return nil
}

// Health reports Redis reachability and round-trip latency.
func (e *Engine) Health(ctx context.Context) (time.Duration, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	return e.sessions.Ping(ctx)
}

// MetricsSnapshot returns a point-in-time copy of all counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}, Histograms: map[MetricID][]uint64{}}
	}
	return e.metrics.Snapshot()
}

// AuditDropped returns the number of audit events shed under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// AbuseDropped returns the number of threshold events the incident
// responder missed to backpressure.
func (e *Engine) AbuseDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.detector.Dropped()
}

// Close stops the incident responder and drains the audit pipeline.
// The engine rejects all calls afterwards.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.incidents.Close()
	e.audit.Close()
	return nil
}

func (e *Engine) auditReject(ctx context.Context, st *checkState, cause error) {
	e.audit.Emit(ctx, AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "request_rejected",
		Stage:       st.result.Stage.String(),
		Class:       st.req.Class.String(),
		UserID:      st.result.UserID,
		SessionID:   st.result.SessionID,
		Fingerprint: st.fingerprint,
		IP:          st.ip,
		Path:        st.req.Path,
		Success:     false,
		Error:       cause.Error(),
	})
}
