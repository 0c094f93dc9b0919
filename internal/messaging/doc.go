// Package messaging delivers replies through the WaSender WhatsApp API.
//
// Sends are not idempotent: a message that reached WaSender may already be
// on the user's phone. The gateway therefore retries a send only when it
// provably did not arrive: dial failures, and 429 rejections, which WaSender
// issues before accepting the message. A Retry-After hint longer than the
// dependency's max_retry_after stops retrying; quota exhaustion answers with
// hints of hours.
//
// Outbound text is rendered from markdown to WhatsApp markup with goldmark,
// and text that looks like leaked JSON is replaced with an apology.
package messaging
