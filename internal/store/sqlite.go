// ABOUTME: SQLite store using modernc.org/sqlite with automatic schema creation
// ABOUTME: One database file backs idempotency, sessions, leases, and the review queue

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// DefaultSessionTTL applies when no session TTL option is given.
const DefaultSessionTTL = 24 * time.Hour

// SQLiteStore implements the idempotency, session, lock and review stores
type SQLiteStore struct {
	db         *sql.DB
	logger     *slog.Logger
	sessionTTL time.Duration
	now        func() time.Time
}

// Option configures a SQLiteStore
type Option func(*SQLiteStore)

// WithSessionTTL sets how long a saved session lives.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *SQLiteStore) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLiteStore) {
		if logger != nil {
			s.logger = logger.With("component", "store")
		}
	}
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		logger:     slog.Default().With("component", "store"),
		sessionTTL: DefaultSessionTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// busy_timeout is per connection, so it goes in the DSN
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s.db = db

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS idempotency_records (
			key        TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			summary    TEXT NOT NULL DEFAULT '',
			expires_at INTEGER NOT NULL,

			CHECK (status IN ('in_progress', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records(expires_at);

		CREATE TABLE IF NOT EXISTS sessions (
			conversation_id TEXT PRIMARY KEY,
			state           TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			expires_at      INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

		CREATE TABLE IF NOT EXISTS leases (
			key        TEXT PRIMARY KEY,
			token      TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS review_queue (
			id              TEXT PRIMARY KEY,
			message_id      TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			sender          TEXT NOT NULL,
			text            TEXT NOT NULL,
			reply           TEXT,
			reason          TEXT NOT NULL,
			error           TEXT,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_review_conversation ON review_queue(conversation_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "review_queue",
			column: "resolved_at",
			apply:  `ALTER TABLE review_queue ADD COLUMN resolved_at TEXT`,
		},
		{
			table:  "idempotency_records",
			column: "owner",
			apply:  `ALTER TABLE idempotency_records ADD COLUMN owner TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database answers queries. It satisfies the Ping
// method of every store interface SQLiteStore implements.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Sweep deletes expired idempotency records, sessions, and leases.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	now := s.now().UnixMilli()
	var total int64
	for _, table := range []string{"idempotency_records", "sessions", "leases"} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= ?`, table), now)
		if err != nil {
			return total, fmt.Errorf("sweeping %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if total > 0 {
		s.logger.Debug("swept expired rows", "count", total)
	}
	return total, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *SQLiteStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
