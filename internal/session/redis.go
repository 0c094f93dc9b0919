// ABOUTME: Redis session store holding JSON state under session:<conversation_id>.
// ABOUTME: Every save rewrites the value and resets its TTL in one SET.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists sessions in Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, prefix: "session:"}
}

func (s *RedisStore) Load(ctx context.Context, conversationID string) (*State, error) {
	raw, err := s.client.Get(ctx, s.prefix+conversationID).Bytes()
	if errors.Is(err, redis.Nil) {
		return New(conversationID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %w", ErrStoreUnavailable, err)
	}
	return Decode(conversationID, raw)
}

func (s *RedisStore) Save(ctx context.Context, state *State) error {
	now := time.Now()
	state.UpdatedAt = now
	state.ExpiresAt = now.Add(s.ttl)

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+state.ConversationID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: set: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Decode parses stored JSON, falling back to a fresh state when the
// payload is corrupt so one bad write cannot wedge a conversation.
func Decode(conversationID string, raw []byte) (*State, error) {
	st := New(conversationID)
	if err := json.Unmarshal(raw, st); err != nil {
		return New(conversationID), nil
	}
	if st.Context == nil {
		st.Context = make(map[string]string)
	}
	st.ConversationID = conversationID
	return st, nil
}
