package userlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only if this process still owns it, so a
// lease that expired and was reacquired elsewhere is never clobbered.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLeaseLocker implements Locker with a redis SET NX PX lease, for
// deployments running more than one engine process. The lease TTL must
// exceed the worst-case sync duration; if a holder dies, the lease lapses
// and the next attempt proceeds, which is safe because every persistence
// operation behind the lock is idempotent.
type RedisLeaseLocker struct {
	client    redis.UniversalClient
	ttl       time.Duration
	retryWait time.Duration
	keyPrefix string
}

// NewRedisLeaseLocker creates a redis-backed per-user locker.
func NewRedisLeaseLocker(client redis.UniversalClient, ttl time.Duration) *RedisLeaseLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLeaseLocker{
		client:    client,
		ttl:       ttl,
		retryWait: 200 * time.Millisecond,
		keyPrefix: "mailsync:userlock:",
	}
}

// WithUserLock acquires the user's lease, polling until the context ends,
// then runs fn and releases the lease.
func (l *RedisLeaseLocker) WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	key := l.keyPrefix + userID
	owner := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryWait):
		}
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, owner).Err()
	}()

	return fn(ctx)
}
