// ABOUTME: Review queue persistence for messages needing staff follow-up
// ABOUTME: Entries get ULID ids so id order is creation order

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/2389/concierge/internal/conversation"
)

const (
	defaultReviewLimit = 50
	maxReviewLimit     = 500
)

// Record appends entry to the review queue. An empty ID is filled with a new
// ULID. Recording the same ID twice is a no-op.
func (s *SQLiteStore) Record(ctx context.Context, entry conversation.ReviewEntry) error {
	if entry.ID == "" {
		entry.ID = ulid.Make().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	query := `
		INSERT INTO review_queue (id, message_id, conversation_id, sender, text, reply, reason, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.MessageID,
		entry.ConversationID,
		entry.Sender,
		entry.Text,
		nullString(entry.Reply),
		entry.Reason,
		nullString(entry.Error),
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil
		}
		return fmt.Errorf("inserting review entry: %w", err)
	}

	s.logger.Info("recorded review entry",
		"id", entry.ID,
		"conversation_id", entry.ConversationID,
		"reason", entry.Reason)
	return nil
}

// ListReview returns up to limit entries, newest first. Resolved entries
// are included only when includeResolved is set.
func (s *SQLiteStore) ListReview(ctx context.Context, limit int, includeResolved bool) ([]conversation.ReviewEntry, error) {
	if limit <= 0 {
		limit = defaultReviewLimit
	}
	if limit > maxReviewLimit {
		limit = maxReviewLimit
	}

	query := `
		SELECT id, message_id, conversation_id, sender, text, reply, reason, error, created_at
		FROM review_queue
	`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying review queue: %w", err)
	}
	defer rows.Close()

	var entries []conversation.ReviewEntry
	for rows.Next() {
		var (
			e              conversation.ReviewEntry
			reply, errText sql.NullString
			createdAt      string
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &e.ConversationID, &e.Sender, &e.Text,
			&reply, &e.Reason, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning review entry: %w", err)
		}
		e.Reply = reply.String
		e.Error = errText.String
		e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ResolveReview marks an entry handled.
// Returns ErrNotFound if no unresolved entry has that id.
func (s *SQLiteStore) ResolveReview(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_queue SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		s.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("resolving review entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
