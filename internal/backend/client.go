// ABOUTME: Bearer-authenticated backend API client routed through the resilience gateway.
// ABOUTME: Replays a request once with a fresh token after a 401.

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/concierge/internal/credential"
	"github.com/2389/concierge/internal/resilience"
)

// Dependency is the gateway dependency name for backend calls.
const Dependency = "backend"

var (
	// ErrNotFound is returned when the backend answers 404.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned when the backend rejects a fresh token too.
	ErrUnauthorized = errors.New("unauthorized")
)

// TokenSource supplies and invalidates bearer tokens.
type TokenSource interface {
	Token(ctx context.Context) (credential.Credential, error)
	Invalidate(token string)
}

// Doer runs a call under resilience policies.
type Doer interface {
	Do(ctx context.Context, dependency string, idempotent bool, fn func(ctx context.Context) error) error
}

// Client talks to the backend API.
type Client struct {
	baseURL string
	http    *http.Client
	gw      Doer
	tokens  TokenSource
	logger  *slog.Logger
}

// New creates a backend client.
func New(baseURL string, gw Doer, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    httpClient,
		gw:      gw,
		tokens:  tokens,
		logger:  logger.With("component", "backend"),
	}
}

type call struct {
	method     string
	path       string
	query      url.Values
	body       any
	idempotent bool
}

// do performs c and decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, req call, out any) error {
	err := c.attempt(ctx, req, out)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}
	c.logger.Warn("backend rejected token, refreshing", "method", req.method, "path", req.path)
	return c.attempt(ctx, req, out)
}

func (c *Client) attempt(ctx context.Context, req call, out any) error {
	cred, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var payload []byte
	if req.body != nil {
		if payload, err = json.Marshal(req.body); err != nil {
			return fmt.Errorf("encoding %s %s: %w", req.method, req.path, err)
		}
	}

	target := c.baseURL + req.path
	if len(req.query) > 0 {
		target += "?" + req.query.Encode()
	}

	return c.gw.Do(ctx, Dependency, req.idempotent, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		httpReq, err := http.NewRequestWithContext(ctx, req.method, target, body)
		if err != nil {
			return err
		}
		httpReq.Header.Set("Authorization", "Bearer "+cred.Token)
		httpReq.Header.Set("Accept", "application/json")
		if payload != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("reading %s %s: %w", req.method, req.path, err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			c.tokens.Invalidate(cred.Token)
			return fmt.Errorf("%w: %w", ErrUnauthorized, resilience.NewRemoteError(Dependency, resp, raw))
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, resilience.NewRemoteError(Dependency, resp, raw))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return resilience.NewRemoteError(Dependency, resp, raw)
		}

		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding %s %s: %w", req.method, req.path, err)
		}
		return nil
	})
}
