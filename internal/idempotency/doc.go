// Package idempotency suppresses duplicate processing of redelivered messages.
//
// # Admission
//
// Every inbound message is admitted exactly once per retention window:
//
//	owner := uuid.NewString()
//	admission, err := store.Admit(ctx, msg.IdempotencyKey(), owner, 2*time.Minute)
//	switch {
//	case errors.Is(err, idempotency.ErrStoreUnavailable):
//		// fail open or closed, per configuration
//	case admission == idempotency.Admitted:
//		// process, then Complete
//	case admission == idempotency.InFlight:
//		// another worker holds it; defer
//	case admission == idempotency.Duplicate:
//		// already handled; skip
//	}
//
// Admit creates an in_progress record only if no unexpired record exists. The
// in_progress record carries its own short TTL so a crashed worker cannot
// leave a message stuck. Complete moves the record to completed or failed and
// restarts the clock with the retention window. Abandon removes an
// in_progress record so the message can be admitted again on redelivery.
//
// Each admission is stamped with the caller's owner token. Complete and
// Abandon only touch a record that is still in_progress under that token, so
// a worker that outlived its in-flight TTL cannot overwrite the record of the
// redelivery that replaced it, and nobody overwrites a terminal record.
// Complete reports those refusals as ErrNotOwner.
//
// # Backends
//
//   - MemoryStore: single-process, backed by ttlcache. It never evicts a live
//     record; when full, Admit fails with ErrStoreUnavailable.
//   - RedisStore: SET NX PX with a JSON value.
//   - DynamoStore: conditional PutItem with a ttl attribute.
//   - store.SQLiteStore implements the same interface on a local database.
//
// Infrastructure failures are wrapped in ErrStoreUnavailable.
package idempotency
