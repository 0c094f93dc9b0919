// ABOUTME: Redis-backed idempotency store using SET NX PX for atomic admission.
// ABOUTME: Records are JSON values whose Redis TTL matches the record's expiry.

package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// JSON string escaping keeps these markers from matching inside other values.

// completeScript writes the terminal record unless the key holds a record that
// is not in_progress under the caller's owner token. Returns 1 when written.
var completeScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and not (string.find(v, ARGV[1], 1, true) and string.find(v, ARGV[2], 1, true)) then
	return 0
end
redis.call("SET", KEYS[1], ARGV[3], "PX", ARGV[4])
return 1
`)

// abandonScript deletes the key only while it holds an in_progress record
// under the caller's owner token.
var abandonScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.find(v, ARGV[1], 1, true) and string.find(v, ARGV[2], 1, true) then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func ownerMarkers(owner string) []any {
	return []any{fmt.Sprintf(`"status":%q`, StatusInProgress), fmt.Sprintf(`"owner":%q`, owner)}
}

// RedisStore keeps records in Redis under a key prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client. Keys are stored as prefix+key.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "idempotency:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Admit(ctx context.Context, key, owner string, inFlightTTL time.Duration) (Admission, error) {
	data, err := json.Marshal(Record{
		MessageID: key,
		Owner:     owner,
		Status:    StatusInProgress,
		ExpiresAt: time.Now().Add(inFlightTTL),
	})
	if err != nil {
		return 0, fmt.Errorf("encoding record: %w", err)
	}

	// A record can expire between SETNX and GET; one retry covers that window.
	for range 2 {
		ok, err := s.client.SetNX(ctx, s.prefix+key, data, inFlightTTL).Result()
		if err != nil {
			return 0, fmt.Errorf("%w: setnx: %w", ErrStoreUnavailable, err)
		}
		if ok {
			return Admitted, nil
		}

		existing, err := s.get(ctx, key)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return AdmissionFor(existing.Status), nil
	}
	return InFlight, nil
}

func (s *RedisStore) Complete(ctx context.Context, key, owner string, status Status, summary string, retention time.Duration) error {
	data, err := json.Marshal(Record{
		MessageID:     key,
		Owner:         owner,
		Status:        status,
		ResultSummary: summary,
		ExpiresAt:     time.Now().Add(retention),
	})
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	args := append(ownerMarkers(owner), string(data), retention.Milliseconds())
	written, err := completeScript.Run(ctx, s.client, []string{s.prefix + key}, args...).Int()
	if err != nil {
		return fmt.Errorf("%w: complete: %w", ErrStoreUnavailable, err)
	}
	if written == 0 {
		return fmt.Errorf("%w: %s", ErrNotOwner, key)
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, key, owner string) error {
	if err := abandonScript.Run(ctx, s.client, []string{s.prefix + key}, ownerMarkers(owner)...).Err(); err != nil {
		return fmt.Errorf("%w: abandon: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Get returns the stored record for key. The error wraps redis.Nil when absent.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	return s.get(ctx, key)
}

func (s *RedisStore) get(ctx context.Context, key string) (Record, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, err
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: get: %w", ErrStoreUnavailable, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding record %q: %w", key, err)
	}
	return rec, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}
