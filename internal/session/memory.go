// ABOUTME: In-process session store with per-conversation TTL.
// ABOUTME: Stores and returns deep copies so callers never share state.

package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in a map.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*State
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore creates a store whose sessions expire ttl after their last save.
func NewMemoryStore(ttl time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{sessions: make(map[string]*State), ttl: ttl, now: now}
}

func (s *MemoryStore) Load(_ context.Context, conversationID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[conversationID]
	if !ok || !s.now().Before(st.ExpiresAt) {
		delete(s.sessions, conversationID)
		return New(conversationID), nil
	}
	return st.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c := state.Clone()
	c.UpdatedAt = now
	c.ExpiresAt = now.Add(s.ttl)
	s.sessions[state.ConversationID] = c
	state.UpdatedAt, state.ExpiresAt = c.UpdatedAt, c.ExpiresAt
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
