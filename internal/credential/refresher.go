// ABOUTME: Single-flighted credential refresher with atomic token swaps.
// ABOUTME: Keeps serving a stale-but-valid token when a refresh fails.

package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/concierge/internal/auth"
	"github.com/2389/concierge/internal/metrics"
)

// ErrCredentialUnavailable means no unexpired token could be obtained.
var ErrCredentialUnavailable = errors.New("credential unavailable")

// Credential is a bearer token and its validity window.
type Credential struct {
	Token     string    `json:"-"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Remaining returns how long the credential stays valid after now.
func (c Credential) Remaining(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// Expired reports whether the credential is no longer valid at now.
func (c Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Source obtains a new credential.
type Source interface {
	Fetch(ctx context.Context) (Credential, error)
}

// Doer runs a call under resilience policies.
type Doer interface {
	Do(ctx context.Context, dependency string, idempotent bool, fn func(ctx context.Context) error) error
}

// Options tunes a Refresher.
type Options struct {
	// Margin triggers a refresh when less lifetime than this remains.
	Margin time.Duration
	// Timeout bounds one refresh independent of any caller's context.
	Timeout time.Duration
	// Dependency names the gateway dependency; defaults to "auth".
	Dependency string
}

// Status summarizes the refresher for health views.
type Status struct {
	HasToken    bool      `json:"has_token"`
	Subject     string    `json:"subject,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	Remaining   string    `json:"remaining,omitempty"`
	LastRefresh time.Time `json:"last_refresh,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

type refreshResult struct {
	at  time.Time
	err error
}

// Refresher hands out valid credentials from a Source.
type Refresher struct {
	source Source
	gw     Doer
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	current atomic.Pointer[Credential]
	last    atomic.Pointer[refreshResult]
	group   singleflight.Group
}

// NewRefresher creates a refresher. It holds no token until the first call.
func NewRefresher(source Source, gw Doer, opts Options, logger *slog.Logger) *Refresher {
	if opts.Margin <= 0 {
		opts.Margin = 10 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Dependency == "" {
		opts.Dependency = "auth"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		source: source,
		gw:     gw,
		opts:   opts,
		logger: logger.With("component", "credential"),
		now:    time.Now,
	}
}

// Token returns a credential valid for at least the margin, refreshing if
// needed. If the refresh fails, a still-unexpired stale token is returned.
func (r *Refresher) Token(ctx context.Context) (Credential, error) {
	if cur := r.current.Load(); cur != nil && cur.Remaining(r.now()) > r.opts.Margin {
		return *cur, nil
	}

	ch := r.group.DoChan("refresh", func() (any, error) {
		return r.refresh()
	})

	var err error
	select {
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(Credential), nil
		}
		err = res.Err
	case <-ctx.Done():
		err = ctx.Err()
	}

	if cur := r.current.Load(); cur != nil && !cur.Expired(r.now()) {
		r.logger.Warn("credential refresh failed, using current token",
			"remaining", cur.Remaining(r.now()),
			"error", err)
		return *cur, nil
	}
	return Credential{}, fmt.Errorf("%w: %w", ErrCredentialUnavailable, err)
}

// refresh runs inside the single flight.
func (r *Refresher) refresh() (Credential, error) {
	// A flight that finished just before this one may already have refreshed.
	if cur := r.current.Load(); cur != nil && cur.Remaining(r.now()) > r.opts.Margin {
		return *cur, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
	defer cancel()

	var fresh Credential
	err := r.gw.Do(ctx, r.opts.Dependency, true, func(ctx context.Context) error {
		c, err := r.source.Fetch(ctx)
		if err != nil {
			return err
		}
		fresh = c
		return nil
	})
	metrics.ObserveRefresh(err)
	r.last.Store(&refreshResult{at: r.now(), err: err})
	if err != nil {
		return Credential{}, fmt.Errorf("refreshing credential: %w", err)
	}
	if fresh.Token == "" {
		return Credential{}, errors.New("refreshing credential: source returned empty token")
	}

	r.current.Store(&fresh)
	r.logger.Info("credential refreshed", "expires_at", fresh.ExpiresAt)
	return fresh, nil
}

// Invalidate drops token if it is still the current one, forcing the next
// Token call to refresh. Used after the backend rejects a token with 401.
func (r *Refresher) Invalidate(token string) {
	cur := r.current.Load()
	if cur != nil && cur.Token == token {
		r.current.CompareAndSwap(cur, nil)
	}
}

// Run refreshes proactively every interval until ctx ends.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Token(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("proactive credential refresh failed", "error", err)
			}
		}
	}
}

// Status reports the current token and last refresh attempt.
func (r *Refresher) Status() Status {
	var s Status
	if cur := r.current.Load(); cur != nil {
		s.HasToken = true
		s.Subject, _ = auth.TokenSubject(cur.Token)
		s.ExpiresAt = cur.ExpiresAt
		s.Remaining = cur.Remaining(r.now()).Round(time.Second).String()
	}
	if last := r.last.Load(); last != nil {
		s.LastRefresh = last.at
		if last.err != nil {
			s.LastError = last.err.Error()
		}
	}
	return s
}
