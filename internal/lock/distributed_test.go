package lock

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr
}

func TestDistributedLock_Acquire(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()

	t.Run("successful acquire", func(t *testing.T) {
		key := "probe:replica-1"
		lk := NewDistributedLock(client, key, nil, nil)

		acquired, err := lk.Acquire(ctx)
		assert.NoError(t, err)
		assert.True(t, acquired)
		assert.True(t, lk.IsAcquired())
		assert.Equal(t, key, lk.GetKey())
		assert.NotEmpty(t, lk.GetValue())
	})

	t.Run("acquire already held lock", func(t *testing.T) {
		key := "probe:replica-2"
		lock1 := NewDistributedLock(client, key, nil, nil)
		acquired1, err1 := lock1.Acquire(ctx)
		require.NoError(t, err1)
		require.True(t, acquired1)

		lock2 := NewDistributedLock(client, key, nil, nil)
		acquired2, err2 := lock2.AcquireWithRetry(ctx, 0)
		assert.NoError(t, err2)
		assert.False(t, acquired2)
		assert.False(t, lock2.IsAcquired())
	})

	t.Run("acquire after release", func(t *testing.T) {
		key := "probe:replica-3"
		lock1 := NewDistributedLock(client, key, nil, nil)
		acquired1, err1 := lock1.Acquire(ctx)
		require.NoError(t, err1)
		require.True(t, acquired1)

		require.NoError(t, lock1.Release(ctx))

		lock2 := NewDistributedLock(client, key, nil, nil)
		acquired2, err2 := lock2.AcquireWithRetry(ctx, 0)
		assert.NoError(t, err2)
		assert.True(t, acquired2)
	})

	t.Run("release is a no-op when not acquired", func(t *testing.T) {
		lk := NewDistributedLock(client, "probe:replica-4", nil, nil)
		assert.NoError(t, lk.Release(ctx))
	})

	t.Run("extend fails when not acquired", func(t *testing.T) {
		lk := NewDistributedLock(client, "probe:replica-5", nil, nil)
		err := lk.Extend(ctx, 0)
		assert.Error(t, err)
	})
}

func TestManager_AcquireReleaseAll(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ctx := context.Background()
	mgr := NewManager(client, nil, nil)

	lk, err := mgr.AcquireLock(ctx, "probe:a")
	require.NoError(t, err)
	assert.True(t, lk.IsAcquired())

	_, err = mgr.AcquireLock(ctx, "probe:b")
	require.NoError(t, err)

	require.NoError(t, mgr.ReleaseAll(ctx))

	// released locks can be re-acquired by a fresh manager
	other := NewManager(client, nil, nil)
	_, err = other.AcquireLock(ctx, "probe:a")
	assert.NoError(t, err)
}
