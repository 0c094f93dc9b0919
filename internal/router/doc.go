// Package router turns a message into a reply.
//
// Route asks the reasoning engine for scored intents through the resilience
// gateway, keeps the best candidate if it clears the confidence threshold,
// and dispatches to the capability handler registered for that intent. Every
// other case goes to the fallback handler, which is deterministic and needs
// no remote call: low confidence, no candidates, an unknown handler, an open
// circuit, rate limiting, a timeout, exhausted retries, or a malformed reply.
// Route therefore always yields a decision. It returns an error only when
// the chosen handler itself fails.
package router
