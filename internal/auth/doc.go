// Package auth verifies inbound webhook signatures and inspects bearer tokens
// issued by the backend API.
//
// # Webhook signatures
//
// The messaging gateway signs each webhook body with HMAC-SHA256 using a
// shared secret and sends the hex digest in X-Webhook-Signature. The
// RequireSignature middleware rejects requests whose digest does not match
// and restores the body for the next handler:
//
//	r.With(auth.RequireSignature(auth.NewSignatureVerifier(secret))).
//		Post("/webhook", h.handleWebhook)
//
// A "sha256=" prefix on the header is accepted. An empty secret disables
// verification, which is only meant for local development.
//
// # Tokens
//
// TokenExpiry reads the exp claim of a JWT without verifying its signature.
// The credential refresher uses it to schedule refreshes for tokens it did
// not sign itself.
package auth
