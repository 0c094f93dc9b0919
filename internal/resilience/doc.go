// Package resilience wraps every outbound call in rate limiting, circuit
// breaking, and retries.
//
// # Gateway
//
// A Gateway keeps one rate limiter and one circuit breaker per named
// dependency ("reasoner", "backend", "messaging", "auth"). Dependencies are
// created on first use from the default Policy or a per-dependency override,
// and shared by every caller in the process.
//
//	reply, err := resilience.Invoke(ctx, gw, "reasoner", true,
//		func(ctx context.Context) (string, error) {
//			return engine.Classify(ctx, text)
//		})
//
// Each attempt passes through, in order:
//
//  1. the token-bucket rate limiter (fail fast, or wait up to Policy.Wait),
//  2. the circuit breaker (ErrCircuitOpen without calling when open),
//  3. the call itself, bounded by Policy.CallTimeout.
//
// Failed attempts are retried with exponential backoff and full jitter.
// Idempotent calls retry any transient failure: timeouts, 5xx, 429 and
// network errors. Non-idempotent calls retry only when the error says the
// request never left this process (see NotDelivered), so a user-visible
// send is never duplicated. A Retry-After hint stretches the backoff; a hint
// longer than Policy.MaxRetryAfter stops retrying.
//
// # Circuit breaker
//
//	closed --(threshold consecutive failures within window)--> open
//	open --(cool-down elapsed)--> half_open
//	half_open --(probe succeeds)--> closed
//	half_open --(probe fails)--> open, cool-down doubled up to MaxCoolDown
//
// Client errors such as 404 show the dependency is answering and do not
// count as failures. Calls cancelled by the caller are ignored.
//
// # Outcomes
//
// Every Do emits an Outcome to the registered observers whether it succeeds
// or not. The metrics package turns outcomes into Prometheus series, and
// LogObserver writes them to slog.
package resilience
