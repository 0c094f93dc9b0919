// ABOUTME: session.Store implementation storing conversation state as JSON rows
// ABOUTME: Expired rows read as a fresh state; saves reset the TTL

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/concierge/internal/session"
)

// Load returns the saved state for conversationID, or a fresh one.
func (s *SQLiteStore) Load(ctx context.Context, conversationID string) (*session.State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE conversation_id = ? AND expires_at > ?`,
		conversationID, s.now().UnixMilli(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return session.New(conversationID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading %s: %w", session.ErrStoreUnavailable, conversationID, err)
	}
	return session.Decode(conversationID, []byte(raw))
}

// Save overwrites the state and resets its TTL.
func (s *SQLiteStore) Save(ctx context.Context, state *session.State) error {
	now := s.now()
	state.UpdatedAt = now
	state.ExpiresAt = now.Add(s.sessionTTL)

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	query := `
		INSERT INTO sessions (conversation_id, state, updated_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`
	_, err = s.db.ExecContext(ctx, query,
		state.ConversationID,
		string(data),
		now.UTC().Format(time.RFC3339),
		state.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: saving %s: %w", session.ErrStoreUnavailable, state.ConversationID, err)
	}

	s.logger.Debug("saved session", "conversation_id", state.ConversationID, "turns", len(state.Turns))
	return nil
}
