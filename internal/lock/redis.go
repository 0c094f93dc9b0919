// ABOUTME: Redis lock backend using SET NX PX and token-checked Lua scripts.
// ABOUTME: Renew and release touch the key only while it still holds the caller's token.

package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBackend implements Backend on a Redis server.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) TryAcquire(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, token, lease).Result()
}

func (b *RedisBackend) Renew(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, b.client, []string{key}, token, lease.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisBackend) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.client, []string{key}, token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
