package goShield

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

var errLockoutRedisUnavailable = errors.New("lockout redis unavailable")

// accountLockout counts authentication failures per account in Redis so
// the threshold holds across instances. Crossing MaxFailures is reported
// to the engine, which performs the lock through the UserProvider.
type accountLockout struct {
	redis  redis.UniversalClient
	config LockoutConfig
	prefix string
}

func newAccountLockout(redisClient redis.UniversalClient, prefix string, cfg LockoutConfig) *accountLockout {
	return &accountLockout{
		redis:  redisClient,
		config: cfg,
		prefix: prefix,
	}
}

func (l *accountLockout) failureKey(userID string) string {
	return l.prefix + ":lf:" + userID
}

// RecordFailure increments the account's failure counter and reports
// whether the lock threshold was crossed by this failure. Only the exact
// crossing reports true, so the lock fires once per burst.
func (l *accountLockout) RecordFailure(ctx context.Context, userID string) (bool, error) {
	if !l.config.Enabled {
		return false, nil
	}

	count, err := l.redis.Incr(ctx, l.failureKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errLockoutRedisUnavailable, err)
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, l.failureKey(userID), l.config.Window).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", errLockoutRedisUnavailable, err)
		}
	}

	return count == int64(l.config.MaxFailures), nil
}

// Clear resets the failure counter, used on successful authentication and
// on unlock.
func (l *accountLockout) Clear(ctx context.Context, userID string) error {
	if !l.config.Enabled {
		return nil
	}

	if err := l.redis.Del(ctx, l.failureKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", errLockoutRedisUnavailable, err)
	}
	return nil
}
