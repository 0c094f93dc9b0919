// Package orchestrator runs one inbound message through the full pipeline.
//
// A message moves through these states:
//
//	Received → Admitted → Locked → Routed → Responded → Finalized
//
// and may leave early as DuplicateSkipped, Deferred, or Failed. Deferred
// outcomes are not terminal: the gateway is expected to redeliver, and the
// idempotency record is abandoned so that the redelivery is admitted again.
//
// Cleanup (saving the session, completing the idempotency record, releasing
// the lock) always runs on a context detached from the caller's deadline so
// that an expired message still leaves the stores consistent.
//
// The conversation lease is checked before routing, before the reply is sent
// and before the session is saved. The processing context is also cancelled
// once the keep-alive gives the lease up. A lease lost before routing defers
// the message. After routing it fails the message as lease_lost: the session
// is left to whichever worker holds the lock now and the message goes to the
// review queue.
package orchestrator
