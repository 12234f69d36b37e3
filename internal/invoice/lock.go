package invoice

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/pkg/errors"
)

const redisLockPrefix = "callrater:invoice:lock:"

// Locker serialises generation of one invoice key across instances.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// RedisLocker obtains a short-lived redis lock per key, retrying until the
// lock TTL has passed.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

func NewRedisLocker(client redislock.RedisClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{client: redislock.New(client), ttl: ttl}
}

func (locker *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	waitCtx, cancel := context.WithTimeout(ctx, locker.ttl)
	defer cancel()

	lock, err := locker.client.Obtain(waitCtx, redisLockPrefix+key, locker.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(100 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, errors.Wrapf(err, "invoice key %s is locked", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "obtain invoice lock")
	}

	return func() {
		// Expiry covers a failed release.
		_ = lock.Release(context.Background())
	}, nil
}
