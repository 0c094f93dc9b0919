// Package reasoner scores an inbound message against the known intents.
//
// An Engine is an opaque scoring function: it receives the message text, a
// window of recent turns, and the current session slots, and returns scored
// intent candidates plus any entities it extracted. The router decides what
// to do with those scores.
//
// Three engines are provided:
//
//   - OpenAIEngine calls the Chat Completions API.
//   - AnthropicEngine calls the Messages API.
//   - RulesEngine matches Arabic and English keywords without any network.
//
// The LLM engines share one prompt and one reply parser. A reply that is not
// a JSON object naming a known intent with a confidence in [0, 1] fails with
// ErrMalformedReply. Provider HTTP failures are converted to
// resilience.RemoteError so the gateway can classify them for retries and
// the breaker.
package reasoner
