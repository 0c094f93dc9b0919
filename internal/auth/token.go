// ABOUTME: JWT helpers for backend credentials: unverified expiry lookup and HS256 signing.
// ABOUTME: Signing exists for local stubs and tests of the credential refresher.

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenExpiry returns the exp claim of token without verifying the signature.
// ok is false when the token parses but carries no exp.
func TokenExpiry(token string) (exp time.Time, ok bool, err error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	nd, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: exp: %v", ErrInvalidToken, err)
	}
	if nd == nil {
		return time.Time{}, false, nil
	}
	return nd.Time, true, nil
}

// TokenSubject returns the sub claim of token without verifying the signature.
func TokenSubject(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// SignToken creates an HS256 token for subject that expires after expiresIn.
func SignToken(secret []byte, subject string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
