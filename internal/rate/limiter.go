package rate

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Policy is one endpoint class tier: admission budget, degradation
// behavior, and violation escalation parameters.
type Policy struct {
	Limit         int
	Window        time.Duration
	FailClosed    bool
	EscalateAfter int
	BaseBlock     time.Duration
	MaxBlock      time.Duration
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Escalated  bool
	Degraded   bool
}

// CounterStore is the shared mutable state behind the limiter. The Redis
// implementation serves multi-instance deployments; the in-memory arena
// serves single-process ones. Both must make Incr atomic per key.
type CounterStore interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
	Put(ctx context.Context, key string, value int64, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Limiter enforces sliding-window rate limits keyed by (fingerprint,
// endpoint class). Limiter is immutable after construction and safe for
// concurrent use.
type Limiter struct {
	store  CounterStore
	prefix string
	now    func() time.Time
}

// NewLimiter creates a [Limiter] backed by the given counter store. prefix
// namespaces every counter, violation, and block key; empty means no
// namespace.
func NewLimiter(store CounterStore, prefix string) *Limiter {
	if prefix != "" {
		prefix += ":"
	}
	return &Limiter{
		store:  store,
		prefix: prefix,
		now:    time.Now,
	}
}

func (l *Limiter) windowKey(key string, idx int64) string {
	return l.prefix + "rw:" + key + ":" + strconv.FormatInt(idx, 10)
}

func (l *Limiter) violationKey(key string) string {
	return l.prefix + "rv:" + key
}

func (l *Limiter) blockKey(key string) string {
	return l.prefix + "rb:" + key
}

// Check admits or rejects one request for key under p.
//
// The current bucket increments before the admission check, so the limit
// is a hard bound even with concurrent callers: two racing requests can
// never both observe room for the last slot. The increment is not rolled
// back on rejection or client abort; under-counting abusive traffic is
// worse than over-counting it.
//
// On a store failure Check returns [ErrStoreUnavailable] together with a
// Decision derived from the class degradation policy (closed for
// FailClosed classes, open otherwise).
func (l *Limiter) Check(ctx context.Context, key string, p Policy) (Decision, error) {
	if p.Limit <= 0 || p.Window <= 0 {
		return Decision{Allowed: false, RetryAfter: time.Second}, nil
	}

	now := l.now()

	blocked, retryAfter, err := l.checkBlock(ctx, key, now)
	if err != nil {
		return l.degrade(p), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if blocked {
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}

	windowMillis := p.Window.Milliseconds()
	nowMillis := now.UnixMilli()
	idx := nowMillis / windowMillis
	elapsed := float64(nowMillis-idx*windowMillis) / float64(windowMillis)

	count, err := l.store.Incr(ctx, l.windowKey(key, idx), 2*p.Window)
	if err != nil {
		return l.degrade(p), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	prev, err := l.store.Get(ctx, l.windowKey(key, idx-1))
	if err != nil {
		return l.degrade(p), fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	effective := float64(count) + float64(prev)*(1-elapsed)
	if effective <= float64(p.Limit) {
		remaining := p.Limit - int(math.Ceil(effective))
		if remaining < 0 {
			remaining = 0
		}
		return Decision{Allowed: true, Remaining: remaining}, nil
	}

	decision := Decision{
		Allowed:    false,
		RetryAfter: l.retryAfter(count, prev, elapsed, p),
	}

	escalated, blockFor, err := l.recordViolation(ctx, key, now, p)
	if err != nil {
		// The rejection stands; only the escalation bookkeeping degraded.
		return decision, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if escalated {
		decision.Escalated = true
		if blockFor > decision.RetryAfter {
			decision.RetryAfter = blockFor
		}
	}

	return decision, nil
}

// Reset clears window counters, violations, and blocks for a key. Used by
// operators when clearing a false positive.
func (l *Limiter) Reset(ctx context.Context, key string, p Policy) error {
	now := l.now()
	idx := now.UnixMilli() / p.Window.Milliseconds()

	for _, k := range []string{
		l.windowKey(key, idx),
		l.windowKey(key, idx-1),
		l.violationKey(key),
		l.blockKey(key),
	} {
		if err := l.store.Del(ctx, k); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return nil
}

func (l *Limiter) checkBlock(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	until, err := l.store.Get(ctx, l.blockKey(key))
	if err != nil {
		return false, 0, err
	}
	if until <= now.UnixMilli() {
		return false, 0, nil
	}

	retryAfter := time.Duration(until-now.UnixMilli()) * time.Millisecond
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return true, retryAfter, nil
}

// retryAfter estimates when the sliding window next admits a request: the
// previous bucket's weight decays linearly, so solve for the instant the
// effective count drops below the limit. With an empty previous bucket the
// caller must wait out the current window.
func (l *Limiter) retryAfter(count, prev int64, elapsed float64, p Policy) time.Duration {
	overshoot := float64(count) + float64(prev)*(1-elapsed) - float64(p.Limit)

	var wait time.Duration
	if prev > 0 {
		frac := overshoot / float64(prev)
		if frac > 1-elapsed {
			frac = 1 - elapsed
		}
		wait = time.Duration(frac * float64(p.Window))
	} else {
		wait = time.Duration((1 - elapsed) * float64(p.Window))
	}

	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

func (l *Limiter) recordViolation(ctx context.Context, key string, now time.Time, p Policy) (bool, time.Duration, error) {
	if p.EscalateAfter <= 0 || p.BaseBlock <= 0 {
		return false, 0, nil
	}

	violationTTL := p.Window
	if p.BaseBlock > violationTTL {
		violationTTL = p.BaseBlock
	}

	violations, err := l.store.Incr(ctx, l.violationKey(key), violationTTL)
	if err != nil {
		return false, 0, err
	}
	if violations < int64(p.EscalateAfter) {
		return false, 0, nil
	}

	blockFor := p.BaseBlock
	for i := int64(p.EscalateAfter); i < violations; i++ {
		blockFor *= 2
		if p.MaxBlock > 0 && blockFor >= p.MaxBlock {
			blockFor = p.MaxBlock
			break
		}
	}
	if p.MaxBlock > 0 && blockFor > p.MaxBlock {
		blockFor = p.MaxBlock
	}

	until := now.Add(blockFor)
	if err := l.store.Put(ctx, l.blockKey(key), until.UnixMilli(), blockFor); err != nil {
		return false, 0, err
	}

	return true, blockFor, nil
}

func (l *Limiter) degrade(p Policy) Decision {
	if p.FailClosed {
		return Decision{Allowed: false, RetryAfter: time.Second, Degraded: true}
	}
	return Decision{Allowed: true, Remaining: 0, Degraded: true}
}
