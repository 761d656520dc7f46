// Package lock provides a redis-backed mutex for aggregate serialization.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout indicates the aggregate lock could not be acquired within
// the configured wait. Callers are expected to retry with backoff.
var ErrLockTimeout = errors.New("lock: acquisition timed out")

// Locker serializes writers per aggregate key.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

// NewLocker constructs a Locker. ttl bounds how long a crashed holder can
// block others; wait bounds how long Acquire blocks before ErrLockTimeout.
func NewLocker(client *redis.Client, ttl, wait time.Duration) *Locker {
	return &Locker{client: client, ttl: ttl, wait: wait, retry: 25 * time.Millisecond}
}

// Acquire takes the lock for key, returning a release function.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

func (l *Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
}

// PaymentKey builds the lock key guarding one payment aggregate.
func PaymentKey(paymentID uuid.UUID) string {
	return "ledger:payment:" + paymentID.String() + ":lock"
}

// PeriodKey builds the lock key guarding one accounting period.
func PeriodKey(periodID uuid.UUID) string {
	return "ledger:period:" + periodID.String() + ":lock"
}
