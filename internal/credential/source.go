// ABOUTME: Credential sources: username/password login with refresh tokens,
// ABOUTME: and a static pre-issued token.

package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/concierge/internal/auth"
	"github.com/2389/concierge/internal/resilience"
)

// DefaultLifetime applies when neither the token nor the response says when
// it expires.
const DefaultLifetime = 12 * time.Hour

// SecretFunc resolves a secret at call time.
type SecretFunc func(ctx context.Context) (string, error)

// StaticSecret returns a SecretFunc for a fixed value.
func StaticSecret(s string) SecretFunc {
	return func(context.Context) (string, error) { return s, nil }
}

// StaticSource serves one pre-issued token.
type StaticSource struct {
	token string
	now   func() time.Time
}

// NewStaticSource wraps token.
func NewStaticSource(token string) *StaticSource {
	return &StaticSource{token: token, now: time.Now}
}

// Fetch returns the static token. A token without exp is treated as valid for
// DefaultLifetime from now, so it is re-served on every refresh.
func (s *StaticSource) Fetch(context.Context) (Credential, error) {
	if s.token == "" {
		return Credential{}, errors.New("static token is empty")
	}
	now := s.now()
	return Credential{
		Token:     s.token,
		IssuedAt:  now,
		ExpiresAt: expiry(s.token, 0, now),
	}, nil
}

// HTTPConfig configures an HTTPSource.
type HTTPConfig struct {
	LoginURL   string
	RefreshURL string
	Username   string
	Password   SecretFunc
	Client     *http.Client
}

// HTTPSource obtains tokens from a login endpoint and keeps the refresh token
// it is given for the next round.
type HTTPSource struct {
	cfg    HTTPConfig
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	refreshToken string
}

// NewHTTPSource creates an HTTP-backed source.
func NewHTTPSource(cfg HTTPConfig, logger *slog.Logger) *HTTPSource {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSource{
		cfg:    cfg,
		logger: logger.With("component", "credential.http"),
		now:    time.Now,
	}
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	Token        string `json:"token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (t tokenResponse) bearer() string {
	if t.AccessToken != "" {
		return t.AccessToken
	}
	return t.Token
}

// Fetch refreshes with the stored refresh token when possible and falls back
// to a full login.
func (s *HTTPSource) Fetch(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	rt := s.refreshToken
	s.mu.Unlock()

	if rt != "" && s.cfg.RefreshURL != "" {
		cred, err := s.exchange(ctx, s.cfg.RefreshURL, refreshRequest{RefreshToken: rt})
		if err == nil {
			return cred, nil
		}
		if ctx.Err() != nil {
			return Credential{}, err
		}
		s.logger.Warn("refresh token rejected, logging in again", "error", err)
		s.mu.Lock()
		s.refreshToken = ""
		s.mu.Unlock()
	}

	if s.cfg.LoginURL == "" {
		return Credential{}, errors.New("no login url configured")
	}
	password := ""
	if s.cfg.Password != nil {
		p, err := s.cfg.Password(ctx)
		if err != nil {
			return Credential{}, fmt.Errorf("resolving password: %w", err)
		}
		password = p
	}
	return s.exchange(ctx, s.cfg.LoginURL, loginRequest{Login: s.cfg.Username, Password: password})
}

func (s *HTTPSource) exchange(ctx context.Context, url string, payload any) (Credential, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Credential{}, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.cfg.Client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credential{}, resilience.NewRemoteError("auth", resp, raw)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return Credential{}, fmt.Errorf("decoding token response: %w", err)
	}
	token := tr.bearer()
	if token == "" {
		return Credential{}, errors.New("token response has no token")
	}

	if tr.RefreshToken != "" {
		s.mu.Lock()
		s.refreshToken = tr.RefreshToken
		s.mu.Unlock()
	}

	now := s.now()
	return Credential{
		Token:     token,
		IssuedAt:  now,
		ExpiresAt: expiry(token, time.Duration(tr.ExpiresIn)*time.Second, now),
	}, nil
}

// expiry prefers the JWT exp claim, then expiresIn, then DefaultLifetime.
func expiry(token string, expiresIn time.Duration, now time.Time) time.Time {
	if exp, ok, err := auth.TokenExpiry(token); err == nil && ok {
		return exp
	}
	if expiresIn > 0 {
		return now.Add(expiresIn)
	}
	return now.Add(DefaultLifetime)
}
