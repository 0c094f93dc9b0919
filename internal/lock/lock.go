// ABOUTME: Lease-based conversation lock manager with bounded acquisition retries.
// ABOUTME: Leases renew in the background and release only when the token still matches.

package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusy means another holder kept the lock for the whole acquire window.
	ErrBusy = errors.New("conversation lock busy")
	// ErrUnavailable means the lock backend could not be reached.
	ErrUnavailable = errors.New("lock backend unavailable")
	// ErrLeaseLost means the lease expired or was taken over by another holder.
	ErrLeaseLost = errors.New("lock lease lost")
)

// Backend is an atomic lease primitive keyed by string.
type Backend interface {
	// TryAcquire sets key to token for lease only if key is unset or expired.
	TryAcquire(ctx context.Context, key, token string, lease time.Duration) (bool, error)
	// Renew extends key's lease only if it still holds token.
	Renew(ctx context.Context, key, token string, lease time.Duration) (bool, error)
	// Release deletes key only if it still holds token.
	Release(ctx context.Context, key, token string) (bool, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Options tunes acquisition behavior.
type Options struct {
	// Attempts is the maximum number of TryAcquire calls per Acquire.
	Attempts int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
	// AcquireTimeout bounds the whole acquisition including retries.
	AcquireTimeout time.Duration
	// SlowHoldWarn logs a warning when a lease is held longer than this.
	SlowHoldWarn time.Duration
	// Prefix is prepended to conversation IDs to form backend keys.
	Prefix string
	// OnAcquire, when set, is called after each Acquire with the time spent
	// waiting and the resulting error.
	OnAcquire func(wait time.Duration, err error)
}

// DefaultOptions mirrors the production defaults.
func DefaultOptions() Options {
	return Options{
		Attempts:       10,
		RetryDelay:     500 * time.Millisecond,
		AcquireTimeout: 5 * time.Second,
		SlowHoldWarn:   3 * time.Second,
		Prefix:         "lock:",
	}
}

// Manager hands out conversation leases from a Backend.
type Manager struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager creates a manager. Zero option fields take their defaults.
func NewManager(backend Backend, opts Options, logger *slog.Logger) *Manager {
	def := DefaultOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = def.AcquireTimeout
	}
	if opts.SlowHoldWarn <= 0 {
		opts.SlowHoldWarn = def.SlowHoldWarn
	}
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend: backend,
		opts:    opts,
		logger:  logger.With("component", "lock"),
		now:     time.Now,
	}
}

// Acquire obtains the lock for conversationID with the given lease duration.
// It returns ErrBusy when the lock stays held through every attempt and
// ErrUnavailable when the backend fails.
func (m *Manager) Acquire(ctx context.Context, conversationID string, lease time.Duration) (*Lease, error) {
	start := m.now()
	l, err := m.acquire(ctx, conversationID, lease)
	if m.opts.OnAcquire != nil {
		m.opts.OnAcquire(m.now().Sub(start), err)
	}
	return l, err
}

func (m *Manager) acquire(ctx context.Context, conversationID string, lease time.Duration) (*Lease, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("lease duration must be positive, got %s", lease)
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.AcquireTimeout)
	defer cancel()

	key := m.opts.Prefix + conversationID
	token := uuid.NewString()

	for attempt := 1; ; attempt++ {
		// The backend starts the lease no earlier than this.
		sent := m.now()
		ok, err := m.backend.TryAcquire(ctx, key, token, lease)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return nil, fmt.Errorf("%w: acquiring %s: %w", ErrUnavailable, conversationID, err)
		}
		if ok {
			now := m.now()
			l := &Lease{
				ConversationID: conversationID,
				Token:          token,
				AcquiredAt:     now,
				key:            key,
				lease:          lease,
				mgr:            m,
			}
			l.expiresAt.Store(sent.Add(lease).UnixNano())
			return l, nil
		}
		if attempt >= m.opts.Attempts {
			break
		}

		timer := time.NewTimer(m.opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrBusy, conversationID, attempt)
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrBusy, conversationID)
}

// Ping checks the backend.
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.backend.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Lease is a held conversation lock.
type Lease struct {
	ConversationID string
	Token          string
	AcquiredAt     time.Time

	key       string
	lease     time.Duration
	mgr       *Manager
	expiresAt atomic.Int64
	lost      atomic.Bool

	mu       sync.Mutex
	released bool
	stop     func()
}

// ExpiresAt returns the lease expiry as last confirmed by the backend.
func (l *Lease) ExpiresAt() time.Time {
	return time.Unix(0, l.expiresAt.Load())
}

// Lost reports whether the lease is known to be gone: a renewal or release
// found another token, or the confirmed expiry passed while renewals failed.
func (l *Lease) Lost() bool {
	return l.lost.Load()
}

// Check returns ErrLeaseLost unless the lease is still held. It needs no
// backend round trip, so it is safe to call right before a side effect.
func (l *Lease) Check() error {
	if !l.lost.Load() && l.mgr.now().Before(l.ExpiresAt()) {
		return nil
	}
	l.lost.Store(true)
	return fmt.Errorf("%w: %s", ErrLeaseLost, l.ConversationID)
}

// Renew extends the lease by its original duration.
func (l *Lease) Renew(ctx context.Context) error {
	sent := l.mgr.now()
	ok, err := l.mgr.backend.Renew(ctx, l.key, l.Token, l.lease)
	if err != nil {
		return fmt.Errorf("%w: renewing %s: %w", ErrUnavailable, l.ConversationID, err)
	}
	if !ok {
		l.lost.Store(true)
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.ConversationID)
	}
	l.expiresAt.Store(sent.Add(l.lease).UnixNano())
	return nil
}

// KeepAlive renews the lease every third of its duration until the returned
// stop function is called, ctx ends, or the lease is lost. Failed renewals
// are retried on the next tick until the confirmed expiry passes; from then
// on the lease counts as lost. onLost, when set, runs once in that case so
// the holder can abort the work the lock protects.
func (l *Lease) KeepAlive(ctx context.Context, onLost func()) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	lost := func(msg string, args ...any) {
		l.lost.Store(true)
		l.mgr.logger.Warn(msg, append([]any{"conversation_id", l.ConversationID}, args...)...)
		if onLost != nil {
			onLost()
		}
	}

	go func() {
		defer close(done)
		interval := l.lease / 3
		if interval <= 0 {
			interval = time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := l.Renew(ctx)
				switch {
				case err == nil:
				case errors.Is(err, ErrLeaseLost):
					lost("lease lost during processing")
					return
				case ctx.Err() != nil:
					return
				case !l.mgr.now().Before(l.ExpiresAt()):
					lost("lease expired while renewals were failing", "error", err)
					return
				default:
					l.mgr.logger.Warn("lease renewal failed",
						"conversation_id", l.ConversationID,
						"expires_at", l.ExpiresAt(),
						"error", err)
				}
			}
		}
	}()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}

	l.mu.Lock()
	l.stop = stop
	l.mu.Unlock()
	return stop
}

// Release stops any keep-alive and deletes the lock if this lease still owns
// it. Releasing twice is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	stop := l.stop
	l.mu.Unlock()

	if stop != nil {
		stop()
	}

	held := l.mgr.now().Sub(l.AcquiredAt)
	if held > l.mgr.opts.SlowHoldWarn {
		l.mgr.logger.Warn("conversation lock held for a long time",
			"conversation_id", l.ConversationID,
			"held", held)
	}

	ok, err := l.mgr.backend.Release(ctx, l.key, l.Token)
	if err != nil {
		return fmt.Errorf("%w: releasing %s: %w", ErrUnavailable, l.ConversationID, err)
	}
	if !ok {
		l.lost.Store(true)
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.ConversationID)
	}
	return nil
}
