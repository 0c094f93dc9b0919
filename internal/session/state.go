// ABOUTME: Conversation session state, bounded turn history, and slot mutations.
// ABOUTME: Mutations are applied only by the lock holder; slots are last-write-wins.

package session

import (
	"context"
	"errors"
	"maps"
	"time"
)

// ErrStoreUnavailable wraps backend failures.
var ErrStoreUnavailable = errors.New("session store unavailable")

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in the conversation history.
type Turn struct {
	Role Role      `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// State is the persisted context of one conversation.
type State struct {
	ConversationID string            `json:"conversation_id"`
	Turns          []Turn            `json:"turns"`
	Context        map[string]string `json:"context"`
	PendingAction  string            `json:"pending_action,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// New returns an empty state for conversationID.
func New(conversationID string) *State {
	return &State{
		ConversationID: conversationID,
		Context:        make(map[string]string),
	}
}

// AddTurn appends a turn and drops the oldest turns beyond maxTurns.
// maxTurns <= 0 keeps every turn.
func (s *State) AddTurn(role Role, text string, at time.Time, maxTurns int) {
	s.Turns = append(s.Turns, Turn{Role: role, Text: text, At: at})
	if maxTurns > 0 && len(s.Turns) > maxTurns {
		drop := len(s.Turns) - maxTurns
		s.Turns = append(s.Turns[:0:0], s.Turns[drop:]...)
	}
	s.UpdatedAt = at
}

// Window returns up to the last n turns. The slice must not be modified.
func (s *State) Window(n int) []Turn {
	if n <= 0 || n >= len(s.Turns) {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// Slot returns a context value.
func (s *State) Slot(name string) (string, bool) {
	v, ok := s.Context[name]
	return v, ok
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.Turns = append([]Turn(nil), s.Turns...)
	c.Context = maps.Clone(s.Context)
	if c.Context == nil {
		c.Context = make(map[string]string)
	}
	return &c
}

// Mutations are changes a handler wants applied to the session.
type Mutations struct {
	// Set overwrites slot values.
	Set map[string]string
	// Clear removes slots. Applied after Set.
	Clear []string
	// ClearAll removes every slot before Set is applied.
	ClearAll bool
	// PendingAction replaces the pending action when non-nil. An empty
	// string clears it.
	PendingAction *string
}

// Pending is a helper for building Mutations.PendingAction.
func Pending(action string) *string {
	return &action
}

// Empty reports whether applying m would change nothing.
func (m Mutations) Empty() bool {
	return len(m.Set) == 0 && len(m.Clear) == 0 && !m.ClearAll && m.PendingAction == nil
}

// Apply merges m into the state.
func (s *State) Apply(m Mutations) {
	if s.Context == nil || m.ClearAll {
		s.Context = make(map[string]string)
	}
	for k, v := range m.Set {
		s.Context[k] = v
	}
	for _, k := range m.Clear {
		delete(s.Context, k)
	}
	if m.PendingAction != nil {
		s.PendingAction = *m.PendingAction
	}
}

// Store persists session state.
type Store interface {
	// Load returns the saved state, or a fresh one if none exists or it expired.
	Load(ctx context.Context, conversationID string) (*State, error)
	// Save overwrites the state and resets its TTL.
	Save(ctx context.Context, state *State) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
