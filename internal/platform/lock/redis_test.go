package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T, ttl, wait time.Duration) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client, ttl, wait), mr
}

func TestAcquireAndRelease(t *testing.T) {
	locker, mr := newLocker(t, time.Minute, time.Second)
	key := PaymentKey(uuid.New())

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	require.True(t, mr.Exists(key))

	release()
	require.False(t, mr.Exists(key))
}

func TestAcquireHeldLockTimesOut(t *testing.T) {
	locker, _ := newLocker(t, time.Minute, 100*time.Millisecond)
	key := PeriodKey(uuid.New())

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer release()

	_, err = locker.Acquire(context.Background(), key)
	require.ErrorIs(t, err, ErrLockTimeout)
}

func TestAcquireAfterRelease(t *testing.T) {
	locker, _ := newLocker(t, time.Minute, 100*time.Millisecond)
	key := PaymentKey(uuid.New())

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	release()

	release2, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	release2()
}

func TestReleaseIgnoresStolenLock(t *testing.T) {
	locker, mr := newLocker(t, 50*time.Millisecond, 100*time.Millisecond)
	key := PaymentKey(uuid.New())

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)

	// TTL expires and another holder takes the key. The stale release must
	// not delete the new holder's lock.
	mr.FastForward(time.Second)
	release2, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)

	release()
	require.True(t, mr.Exists(key))
	release2()
}

func TestAcquireHonorsContext(t *testing.T) {
	locker, _ := newLocker(t, time.Minute, 10*time.Second)
	key := PeriodKey(uuid.New())

	release, err := locker.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, key)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
