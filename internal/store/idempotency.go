// ABOUTME: idempotency.Store implementation over the idempotency_records table
// ABOUTME: Admission and completion are conditional upserts guarded by expiry and owner

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389/concierge/internal/idempotency"
)

// Admit inserts an in_progress record for key unless an unexpired one exists.
func (s *SQLiteStore) Admit(ctx context.Context, key, owner string, inFlightTTL time.Duration) (idempotency.Admission, error) {
	now := s.now()
	query := `
		INSERT INTO idempotency_records (key, owner, status, summary, expires_at)
		VALUES (?, ?, 'in_progress', '', ?)
		ON CONFLICT(key) DO UPDATE SET
			owner = excluded.owner,
			status = 'in_progress',
			summary = '',
			expires_at = excluded.expires_at
		WHERE idempotency_records.expires_at <= ?
	`
	res, err := s.db.ExecContext(ctx, query, key, owner, now.Add(inFlightTTL).UnixMilli(), now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: admitting %s: %w", idempotency.ErrStoreUnavailable, key, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return idempotency.Admitted, nil
	}

	rec, err := s.GetRecord(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// The holder abandoned between our insert and read.
		return idempotency.InFlight, nil
	}
	if err != nil {
		return 0, err
	}
	return idempotency.AdmissionFor(rec.Status), nil
}

// Complete records the terminal status and restarts the expiry at retention.
// An unexpired row is only replaced while it is in_progress under owner.
func (s *SQLiteStore) Complete(ctx context.Context, key, owner string, status idempotency.Status, summary string, retention time.Duration) error {
	now := s.now()
	query := `
		INSERT INTO idempotency_records (key, owner, status, summary, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			owner = excluded.owner,
			status = excluded.status,
			summary = excluded.summary,
			expires_at = excluded.expires_at
		WHERE idempotency_records.expires_at <= ?
			OR (idempotency_records.status = 'in_progress' AND idempotency_records.owner = excluded.owner)
	`
	res, err := s.db.ExecContext(ctx, query,
		key, owner, string(status), summary, now.Add(retention).UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: completing %s: %w", idempotency.ErrStoreUnavailable, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", idempotency.ErrNotOwner, key)
	}
	return nil
}

// Abandon deletes the record if it is still in_progress under owner.
func (s *SQLiteStore) Abandon(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE key = ? AND status = 'in_progress' AND owner = ?`, key, owner)
	if err != nil {
		return fmt.Errorf("%w: abandoning %s: %w", idempotency.ErrStoreUnavailable, key, err)
	}
	return nil
}

// GetRecord returns the unexpired record for key.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) GetRecord(ctx context.Context, key string) (idempotency.Record, error) {
	var (
		rec       idempotency.Record
		status    string
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, owner, status, summary, expires_at FROM idempotency_records WHERE key = ? AND expires_at > ?`,
		key, s.now().UnixMilli(),
	).Scan(&rec.MessageID, &rec.Owner, &status, &rec.ResultSummary, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("%w: reading %s: %w", idempotency.ErrStoreUnavailable, key, err)
	}
	rec.Status = idempotency.Status(status)
	rec.ExpiresAt = time.UnixMilli(expiresAt)
	return rec, nil
}
