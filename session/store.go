package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/goShield/internal"
	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable is returned when the session backend is unreachable.
var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	transitionPrefix = "gt:"
	regeneratePrefix = "gr:"

	minSessionTTL = time.Second
)

// Invalidate replaces the record with a tombstone holding the shorter of
// the remaining TTL and the configured grace, so a reader racing the
// invalidation observes a logical miss rather than a stale session.
const invalidateScript = `
local existed = redis.call("EXISTS", KEYS[1])
if existed == 1 then
  local ttl = redis.call("PTTL", KEYS[1])
  local grace = tonumber(ARGV[2])
  if ttl < 0 or ttl > grace then
    ttl = grace
  end
  redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
end
return existed
`

var invalidateLua = redis.NewScript(invalidateScript)

// touchScript refreshes last_activity_at in place while keeping the TTL,
// but only when the record still holds a live (non-tombstone) session.
const touchScript = `
local v = redis.call("GET", KEYS[1])
if not v or string.byte(v, 1) == 0 then
  return 0
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl <= 0 then
  return 0
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ttl)
return 1
`

var touchLua = redis.NewScript(touchScript)

// Store is a Redis-backed session store that handles persistence,
// expiration, logical tombstones, and fixation-safe regeneration.
type Store struct {
	redis            redis.UniversalClient
	prefix           string
	tombstoneGrace   time.Duration
	transitionWindow time.Duration
	now              func() time.Time
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the Redis key namespace. tombstoneGrace bounds how long an
// invalidated record stays visible as a tombstone; transitionWindow bounds
// the one-shot CSRF unbound-fallback marker written by [Store.Regenerate].
func NewStore(
	redisClient redis.UniversalClient,
	prefix string,
	tombstoneGrace time.Duration,
	transitionWindow time.Duration,
) *Store {
	if tombstoneGrace <= 0 {
		tombstoneGrace = time.Minute
	}
	if transitionWindow <= 0 {
		transitionWindow = 30 * time.Second
	}

	return &Store{
		redis:            redisClient,
		prefix:           prefix,
		tombstoneGrace:   tombstoneGrace,
		transitionWindow: transitionWindow,
		now:              time.Now,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) transitionKey(sessionID string) string {
	return s.prefix + ":" + transitionPrefix + sessionID
}

func (s *Store) regenerateKey(sessionID string) string {
	return s.prefix + ":" + regeneratePrefix + sessionID
}

// Create issues a new random 256-bit session id for userID and persists
// the record with the given lifetime.
func (s *Store) Create(ctx context.Context, userID string, lifetime time.Duration) (*Session, error) {
	if lifetime < minSessionTTL {
		return nil, errors.New("session lifetime too short")
	}

	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}

	now := s.now()
	sess := &Session{
		SessionID:      sid.String(),
		UserID:         userID,
		CreatedAt:      now.Unix(),
		ExpiresAt:      now.Add(lifetime).Unix(),
		LastActivityAt: now.Unix(),
	}

	data, err := Encode(sess)
	if err != nil {
		return nil, err
	}

	if err := s.redis.Set(ctx, s.key(sess.SessionID), data, lifetime).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return sess, nil
}

// Validate returns the live session for sessionID, refreshing its
// last_activity_at. Absent, tombstoned, and expired records all return
// redis.Nil: callers never learn which of the three it was.
//
//	Performance: 1 Redis GET + 1 Lua EVALSHA on the hit path.
func (s *Store) Validate(ctx context.Context, sessionID string) (*Session, error) {
	key := s.key(sessionID)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		// Tombstone: logically absent.
		return nil, redis.Nil
	}
	sess.SessionID = sessionID

	now := s.now()
	if sess.ExpiresAt <= now.Unix() {
		if err := s.Invalidate(ctx, sessionID); err != nil {
			return nil, err
		}
		return nil, redis.Nil
	}

	sess.LastActivityAt = now.Unix()
	updated, err := Encode(sess)
	if err != nil {
		return nil, err
	}
	if err := touchLua.Run(ctx, s.redis, []string{key}, updated).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return sess, nil
}

// Peek fetches a session without mutating last_activity_at or any Redis
// state.
func (s *Store) Peek(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.ExpiresAt <= s.now().Unix() {
		return nil, redis.Nil
	}
	sess.SessionID = sessionID

	return sess, nil
}

// Invalidate logically deletes a session. Subsequent Validate calls return
// redis.Nil immediately even though the tombstone blob lingers for the
// grace period. Idempotent.
func (s *Store) Invalidate(ctx context.Context, sessionID string) error {
	err := invalidateLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID)},
		tombstoneMarker,
		s.tombstoneGrace.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// Regenerate invalidates oldSessionID and creates a replacement bound to
// the same user, defeating session fixation across privilege changes. It
// also arms the one-shot transition marker consumed by the CSRF
// unbound-fallback path: the marker lives under the NEW session id because
// that is the id the next verification will resolve.
func (s *Store) Regenerate(ctx context.Context, oldSessionID string, lifetime time.Duration) (*Session, error) {
	old, err := s.Peek(ctx, oldSessionID)
	if err != nil {
		return nil, err
	}

	sid, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}

	now := s.now()
	next := &Session{
		SessionID:      sid.String(),
		UserID:         old.UserID,
		CreatedAt:      now.Unix(),
		ExpiresAt:      now.Add(lifetime).Unix(),
		LastActivityAt: now.Unix(),
	}

	data, err := Encode(next)
	if err != nil {
		return nil, err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(next.SessionID), data, lifetime)
		pipe.Set(ctx, s.transitionKey(next.SessionID), "1", s.transitionWindow)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if err := s.Invalidate(ctx, oldSessionID); err != nil {
		return nil, err
	}

	return next, nil
}

// ConsumeTransition atomically claims the one-shot transition marker for a
// session. The first caller after Regenerate gets true; everyone else
// false.
func (s *Store) ConsumeTransition(ctx context.Context, sessionID string) (bool, error) {
	err := s.redis.GetDel(ctx, s.transitionKey(sessionID)).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return true, nil
}

// MarkRegenerate flags a session for forced regeneration on its next
// authorized request. Used by the incident responder on CSRF failure
// bursts.
func (s *Store) MarkRegenerate(ctx context.Context, sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.transitionWindow
	}
	if err := s.redis.Set(ctx, s.regenerateKey(sessionID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// ConsumeRegenerateFlag atomically claims a pending forced-regeneration
// flag for a session.
func (s *Store) ConsumeRegenerateFlag(ctx context.Context, sessionID string) (bool, error) {
	err := s.redis.GetDel(ctx, s.regenerateKey(sessionID)).Err()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return true, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := s.now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
