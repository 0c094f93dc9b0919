// Package backend is the HTTP client for the clinic backend API.
//
// Every request runs through the resilience gateway under the "backend"
// dependency with a bearer token from the credential refresher. Reads are
// idempotent and may be retried on any transient failure. Creates are not,
// so they are retried only when the request never left this process. A 401
// invalidates the token and the request is replayed once with a fresh one.
package backend
