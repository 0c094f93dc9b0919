// ABOUTME: Gateway composing rate limiting, circuit breaking, and retry per dependency.
// ABOUTME: Every invocation reports a structured Outcome to registered observers.

package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy configures one dependency.
type Policy struct {
	// Rate is tokens per second; zero disables limiting.
	Rate  float64
	Burst int
	// Wait is how long an attempt may queue for a token; zero fails fast.
	Wait time.Duration

	FailureThreshold int
	Window           time.Duration
	CoolDown         time.Duration
	MaxCoolDown      time.Duration
	HalfOpenProbes   int

	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxRetryAfter time.Duration

	// CallTimeout bounds each attempt; zero relies on the caller's context.
	CallTimeout time.Duration
}

// DefaultPolicy returns the policy used for dependencies without overrides.
func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold: 5,
		Window:           time.Minute,
		CoolDown:         30 * time.Second,
		MaxCoolDown:      5 * time.Minute,
		HalfOpenProbes:   1,
		MaxAttempts:      3,
		BaseDelay:        200 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		MaxRetryAfter:    30 * time.Second,
		CallTimeout:      15 * time.Second,
	}
}

// Outcome describes one finished invocation.
type Outcome struct {
	Dependency string
	Success    bool
	Kind       string
	Attempts   int
	Latency    time.Duration
	Err        error
}

// Observer receives invocation outcomes.
type Observer interface {
	ObserveOutcome(Outcome)
}

// StateObserver is optionally implemented by observers that also want
// circuit transitions.
type StateObserver interface {
	ObserveState(dependency string, from, to State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Outcome)

func (f ObserverFunc) ObserveOutcome(o Outcome) { f(o) }

type dependency struct {
	name    string
	policy  Policy
	limiter *rate.Limiter
	breaker *Breaker
}

// Gateway guards outbound calls per dependency.
type Gateway struct {
	mu        sync.Mutex
	defaults  Policy
	overrides map[string]Policy
	deps      map[string]*dependency
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock overrides the time source used by breakers and latency.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithSleep overrides how backoff waits. Used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = sleep }
}

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(g *Gateway) { g.observers = append(g.observers, o) }
}

// New creates a gateway. overrides maps dependency names to their policies.
func New(defaults Policy, overrides map[string]Policy, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		defaults:  defaults,
		overrides: make(map[string]Policy, len(overrides)),
		deps:      make(map[string]*dependency),
		logger:    logger.With("component", "resilience"),
		now:       time.Now,
		sleep:     sleepContext,
	}
	for name, p := range overrides {
		g.overrides[name] = p
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the effective policy for a dependency.
func (g *Gateway) Policy(name string) Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.overrides[name]; ok {
		return p
	}
	return g.defaults
}

func (g *Gateway) dependency(name string) *dependency {
	g.mu.Lock()
	defer g.mu.Unlock()

	if d, ok := g.deps[name]; ok {
		return d
	}

	p, ok := g.overrides[name]
	if !ok {
		p = g.defaults
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	lim := rate.NewLimiter(rate.Inf, 0)
	if p.Rate > 0 {
		burst := p.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(p.Rate), burst)
	}

	b := NewBreaker(BreakerConfig{
		FailureThreshold: p.FailureThreshold,
		Window:           p.Window,
		CoolDown:         p.CoolDown,
		MaxCoolDown:      p.MaxCoolDown,
		HalfOpenProbes:   p.HalfOpenProbes,
	}, g.now)

	observers := g.observers
	logger := g.logger
	b.OnStateChange(func(from, to State) {
		logger.Warn("circuit state changed", "dependency", name, "from", from.String(), "to", to.String())
		for _, o := range observers {
			if so, ok := o.(StateObserver); ok {
				so.ObserveState(name, from, to)
			}
		}
	})

	d := &dependency{name: name, policy: p, limiter: lim, breaker: b}
	g.deps[name] = d
	return d
}

// Do runs fn under the dependency's policies. idempotent controls which
// failures may be retried.
func (g *Gateway) Do(ctx context.Context, name string, idempotent bool, fn func(ctx context.Context) error) error {
	d := g.dependency(name)
	start := g.now()

	var err error
	attempts := 0
	for attempt := 1; ; attempt++ {
		attempts = attempt
		err = g.attempt(ctx, d, fn)
		if err == nil || !g.retryable(ctx, d, idempotent, attempt, err) {
			break
		}

		delay := backoff(d.policy, attempt)
		if hint := retryAfter(err); hint > delay {
			delay = hint
		}
		g.logger.Debug("retrying call",
			"dependency", name,
			"attempt", attempt,
			"delay", delay,
			"error", err)
		if sleepErr := g.sleep(ctx, delay); sleepErr != nil {
			break
		}
	}

	g.emit(Outcome{
		Dependency: name,
		Success:    err == nil,
		Kind:       Kind(err),
		Attempts:   attempts,
		Latency:    g.now().Sub(start),
		Err:        err,
	})
	return err
}

// Invoke is Do for calls that return a value.
func Invoke[T any](ctx context.Context, g *Gateway, name string, idempotent bool, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, name, idempotent, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (g *Gateway) attempt(ctx context.Context, d *dependency, fn func(ctx context.Context) error) error {
	if err := d.take(ctx); err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}

	done, err := d.breaker.Allow()
	if err != nil {
		return fmt.Errorf("%s: %w", d.name, err)
	}

	callCtx := ctx
	if d.policy.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.policy.CallTimeout)
		defer cancel()
	}

	err = fn(callCtx)
	if err != nil && !errors.Is(err, ErrTimeout) && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s: %w", ErrTimeout, d.name, err)
	}
	done(breakerResult(err))
	return err
}

// take obtains a rate-limit token.
func (d *dependency) take(ctx context.Context) error {
	if d.policy.Wait <= 0 {
		if !d.limiter.Allow() {
			return ErrRateLimited
		}
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, d.policy.Wait)
	defer cancel()
	if err := d.limiter.Wait(wctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrRateLimited
	}
	return nil
}

func (g *Gateway) retryable(ctx context.Context, d *dependency, idempotent bool, attempt int, err error) bool {
	if attempt >= d.policy.MaxAttempts || ctx.Err() != nil {
		return false
	}
	if d.policy.MaxRetryAfter > 0 && retryAfter(err) > d.policy.MaxRetryAfter {
		return false
	}
	if idempotent {
		return IsTransient(err)
	}
	return IsNotDelivered(err)
}

// backoff returns a full-jitter exponential delay for the given attempt.
func backoff(p Policy, attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		return 0
	}
	ceiling := base << min(attempt-1, 20)
	if p.MaxDelay > 0 && (ceiling > p.MaxDelay || ceiling <= 0) {
		ceiling = p.MaxDelay
	}
	return rand.N(ceiling) + 1
}

func (g *Gateway) emit(o Outcome) {
	g.mu.Lock()
	observers := g.observers
	g.mu.Unlock()
	for _, obs := range observers {
		obs.ObserveOutcome(o)
	}
}

// Snapshot returns every known dependency's circuit state, sorted by name.
func (g *Gateway) Snapshot() []CircuitSnapshot {
	g.mu.Lock()
	deps := make([]*dependency, 0, len(g.deps))
	for _, d := range g.deps {
		deps = append(deps, d)
	}
	g.mu.Unlock()

	out := make([]CircuitSnapshot, 0, len(deps))
	for _, d := range deps {
		s := d.breaker.Snapshot()
		s.Dependency = d.name
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dependency < out[j].Dependency })
	return out
}

// Touch creates the named dependencies so they appear in snapshots before
// their first call.
func (g *Gateway) Touch(names ...string) {
	for _, n := range names {
		g.dependency(n)
	}
}

// State returns the circuit state of one dependency.
func (g *Gateway) State(name string) State {
	return g.dependency(name).breaker.State()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// LogObserver writes outcomes to logger: failures at warn, successes at debug.
func LogObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return ObserverFunc(func(o Outcome) {
		attrs := []any{
			"dependency", o.Dependency,
			"kind", o.Kind,
			"attempts", o.Attempts,
			"latency_ms", o.Latency.Milliseconds(),
		}
		if o.Success {
			logger.Debug("dependency call", attrs...)
			return
		}
		logger.Warn("dependency call failed", append(attrs, "error", o.Err)...)
	})
}
