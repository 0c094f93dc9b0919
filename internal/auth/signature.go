// ABOUTME: HMAC-SHA256 verification of webhook bodies.
// ABOUTME: Comparison is constant-time; a "sha256=" header prefix is tolerated.

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignatureHeader carries the hex HMAC of the request body.
const SignatureHeader = "X-Webhook-Signature"

// Signature errors
var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// SignatureVerifier checks webhook signatures against a shared secret.
type SignatureVerifier struct {
	secret []byte
}

// NewSignatureVerifier creates a verifier. An empty secret accepts every body.
func NewSignatureVerifier(secret string) *SignatureVerifier {
	return &SignatureVerifier{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (v *SignatureVerifier) Enabled() bool {
	return len(v.secret) > 0
}

// Sign returns the hex signature for body.
func (v *SignatureVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against body.
func (v *SignatureVerifier) Verify(body []byte, header string) error {
	if !v.Enabled() {
		return nil
	}
	header = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if header == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(header)
	if err != nil {
		return ErrInvalidSignature
	}
	want, _ := hex.DecodeString(v.Sign(body))
	if !hmac.Equal(got, want) {
		return ErrInvalidSignature
	}
	return nil
}
