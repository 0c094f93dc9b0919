// Package app assembles the concierge from a loaded config.
//
// New picks the idempotency, lock, and session backends, opens the shared
// SQLite, Redis, and AWS clients they need, and wires the resilience gateway
// into the credential refresher, backend client, intent router, and outbound
// sender. Run serves the result through internal/server; the Lambda
// entrypoint uses Handler directly.
package app
