// ABOUTME: HTTP middleware enforcing webhook signatures before handlers run.
// ABOUTME: Buffers the body for verification and replays it to the wrapped handler.

package auth

import (
	"bytes"
	"io"
	"net/http"
)

// MaxWebhookBody bounds how much of a webhook body is read for verification.
const MaxWebhookBody = 1 << 20

// RequireSignature returns middleware that rejects requests whose body does
// not match the SignatureHeader.
func RequireSignature(v *SignatureVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBody+1))
			if err != nil {
				http.Error(w, `{"error":"reading body"}`, http.StatusBadRequest)
				return
			}
			if len(body) > MaxWebhookBody {
				http.Error(w, `{"error":"body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}

			if err := v.Verify(body, r.Header.Get(SignatureHeader)); err != nil {
				http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnauthorized)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
