// ABOUTME: lock.Backend implementation over the leases table
// ABOUTME: Every write is conditional on expiry or token so SQLite serializes ownership

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TryAcquire takes key for token unless another unexpired lease holds it.
func (s *SQLiteStore) TryAcquire(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	now := s.now()
	query := `
		INSERT INTO leases (key, token, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE leases.expires_at <= ?
	`
	res, err := s.db.ExecContext(ctx, query, key, token, now.Add(lease).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", key, err)
	}
	return n == 1, nil
}

// Renew extends key's lease if token still holds it.
func (s *SQLiteStore) Renew(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ? WHERE key = ? AND token = ? AND expires_at > ?`,
		now.Add(lease).UnixMilli(), key, token, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("renewing lease %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renewing lease %s: %w", key, err)
	}
	return n == 1, nil
}

// Release deletes key if token holds it. It reports false when the lease
// had already expired or changed hands.
func (s *SQLiteStore) Release(ctx context.Context, key, token string) (bool, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM leases WHERE key = ? AND token = ? RETURNING expires_at`, key, token,
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("releasing lease %s: %w", key, err)
	}
	return expiresAt > s.now().UnixMilli(), nil
}
