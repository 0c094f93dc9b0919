// Package store provides the SQLite and Redis persistence backends.
//
// # Architecture
//
// SQLiteStore implements several narrow interfaces in a single struct so a
// single-node deployment needs nothing but a database file:
//
//   - idempotency.Store: message admission records
//   - session.Store: conversation state as JSON
//   - lock.Backend: conversation leases
//   - orchestrator.ReviewRecorder: the review queue
//
// Timestamps that take part in expiry checks are stored as unix
// milliseconds so comparisons stay in SQL. Everything else is RFC 3339 text.
//
// # Review queue
//
// Messages that could not be answered or delivered are written to the
// review_queue table with a ULID id, so listing by id is listing by time:
//
//	entries, err := s.ListReview(ctx, 50, false)
//	err = s.ResolveReview(ctx, entries[0].ID)
//
// # Redis
//
// NewRedisClient parses a redis:// URL and checks connectivity before
// handing the client to the Redis-backed stores in the idempotency, lock and
// session packages.
package store
