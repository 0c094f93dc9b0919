// Package webhook is the HTTP ingestion surface.
//
// WaSender posts inbound WhatsApp messages to POST /webhook. The body is
// verified against X-Webhook-Signature, decoded by ParsePayload, and each
// message is handed to the orchestrator. The response code tells the gateway
// whether to redeliver:
//
//	200  every message reached a terminal outcome
//	400  the body is not a WaSender payload
//	401  the signature is missing or wrong
//	503  at least one message was deferred; Retry-After is set
//
// The router also serves /health, /health/ready, /metrics, and, when an
// admin token is configured, the review queue under /review.
package webhook
