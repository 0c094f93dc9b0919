// Package lock serializes work on a single conversation across processes
// using leased locks.
//
// # Leases
//
// A lock is a key holding a random holder token with an expiry. Acquire uses
// an atomic set-if-absent, so only one holder can own a conversation at a
// time. Renew and Release compare the token before touching the key, which
// keeps a slow worker whose lease already expired from extending or deleting
// a lock that a newer holder now owns. The lease expiry is the only source of
// truth for whether a lock is held; a crashed worker's lock simply lapses.
//
// # Acquisition
//
// Acquire never blocks indefinitely. It makes a bounded number of attempts
// spaced by a retry delay inside an overall acquire timeout, then gives up
// with ErrBusy:
//
//	lease, err := mgr.Acquire(ctx, "whatsapp:966551234567", 2*time.Minute)
//	if errors.Is(err, lock.ErrBusy) {
//		// defer the message
//	}
//	ctx, cancel := context.WithCancelCause(ctx)
//	defer cancel(nil)
//	stop := lease.KeepAlive(ctx, func() { cancel(lock.ErrLeaseLost) })
//	defer stop()
//	defer lease.Release(context.WithoutCancel(ctx))
//
// KeepAlive renews the lease at a third of its duration while slow work such
// as an LLM call is in progress. A renewal that fails is retried on the next
// tick, but once the last confirmed expiry has passed the lease is treated as
// lost and the onLost hook fires. The hook runs on the keep-alive goroutine
// and must not call stop or Release.
//
// Lease.Check is the synchronous guard: call it right before any write that
// the lock protects. It fails as soon as the confirmed expiry passes, even
// between keep-alive ticks.
//
// # Backends
//
//   - MemoryBackend for single-process use and tests.
//   - RedisBackend using SET NX PX plus Lua compare-and-swap scripts.
//   - store.SQLiteStore for single-node durable deployments.
package lock
