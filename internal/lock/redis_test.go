// ABOUTME: Tests for the Redis lock backend using miniredis.
// ABOUTME: Verifies NX acquisition, PX expiry, and token-guarded renew and release scripts.

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisBackend(client), mr
}

func TestRedisBackend_AcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	b, mr := newRedisTestBackend(t)

	ok, err := b.TryAcquire(ctx, "lock:C1", "tok-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx, "lock:C1", "tok-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := mr.Get("lock:C1")
	require.NoError(t, err)
	assert.Equal(t, "tok-a", got)
}

func TestRedisBackend_LeaseExpiry(t *testing.T) {
	ctx := context.Background()
	b, mr := newRedisTestBackend(t)

	_, err := b.TryAcquire(ctx, "lock:C1", "tok-a", 10*time.Second)
	require.NoError(t, err)
	mr.FastForward(11 * time.Second)

	ok, err := b.TryAcquire(ctx, "lock:C1", "tok-b", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Renew(ctx, "lock:C1", "tok-a", 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "old holder cannot renew")

	ok, err = b.Release(ctx, "lock:C1", "tok-a")
	require.NoError(t, err)
	assert.False(t, ok, "old holder cannot release")
	assert.True(t, mr.Exists("lock:C1"))
}

func TestRedisBackend_RenewExtendsTTL(t *testing.T) {
	ctx := context.Background()
	b, mr := newRedisTestBackend(t)

	_, err := b.TryAcquire(ctx, "lock:C1", "tok", 10*time.Second)
	require.NoError(t, err)
	mr.FastForward(8 * time.Second)

	ok, err := b.Renew(ctx, "lock:C1", "tok", 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(8 * time.Second)
	assert.True(t, mr.Exists("lock:C1"))

	ok, err = b.Release(ctx, "lock:C1", "tok")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("lock:C1"))
}

func TestRedisBackend_WithManager(t *testing.T) {
	ctx := context.Background()
	b, _ := newRedisTestBackend(t)
	m := NewManager(b, fastOptions(), nil)

	lease, err := m.Acquire(ctx, "C9", time.Minute)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "C9", time.Minute)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, lease.Renew(ctx))
	require.NoError(t, lease.Release(ctx))
	require.NoError(t, m.Ping(ctx))
}
