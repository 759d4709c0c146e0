package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalLocker()

	release, ok, err := l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, release(ctx))
	assert.ErrorIs(t, release(ctx), ErrNotHeld)

	_, ok, err = l.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLocker()
	l.nowFn = func() time.Time { return now }

	stale, ok, _ := l.TryLock(ctx, "sweep", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = l.TryLock(ctx, "sweep", time.Second)
	assert.True(t, ok)

	// 过期后被他人获取，旧持有者不能释放
	assert.ErrorIs(t, stale(ctx), ErrNotHeld)
}

func TestRedisLocker_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	locker := NewRedisLocker(client, "pipeline:")

	_, ok, err := locker.TryLock(context.Background(), "sweep", time.Second)
	assert.Error(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Close())
	_, _, err = locker.TryLock(context.Background(), "sweep", time.Second)
	assert.ErrorIs(t, err, redis.ErrClosed)
}
