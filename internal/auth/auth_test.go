// ABOUTME: Tests for webhook signature checks and JWT claim inspection.
// ABOUTME: Covers valid, missing, and tampered signatures plus token expiry parsing.

package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureVerifier(t *testing.T) {
	v := NewSignatureVerifier("s3cret")
	body := []byte(`{"event":"messages.upsert"}`)
	sig := v.Sign(body)

	assert.NoError(t, v.Verify(body, sig))
	assert.NoError(t, v.Verify(body, "sha256="+sig))
	assert.ErrorIs(t, v.Verify(body, ""), ErrMissingSignature)
	assert.ErrorIs(t, v.Verify(body, "zz"), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify([]byte(`{"event":"other"}`), sig), ErrInvalidSignature)
}

func TestSignatureVerifier_Disabled(t *testing.T) {
	v := NewSignatureVerifier("")
	assert.False(t, v.Enabled())
	assert.NoError(t, v.Verify([]byte("anything"), ""))
}

func TestRequireSignature(t *testing.T) {
	v := NewSignatureVerifier("s3cret")
	var seen string
	h := RequireSignature(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))

	body := `{"hello":"world"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(SignatureHeader, v.Sign([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, body, seen, "body must be replayed to the handler")

	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set(SignatureHeader, "deadbeef")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenExpiry(t *testing.T) {
	tok, err := SignToken([]byte("k"), "svc-user", time.Hour)
	require.NoError(t, err)

	exp, ok, err := TokenExpiry(tok)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	sub, err := TokenSubject(tok)
	require.NoError(t, err)
	assert.Equal(t, "svc-user", sub)
}

func TestTokenExpiry_NoExp(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	require.NoError(t, err)

	_, ok, err := TokenExpiry(tok)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenExpiry_Garbage(t *testing.T) {
	_, _, err := TokenExpiry("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = TokenSubject("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
