// ABOUTME: Per-dependency circuit breaker with a sliding failure window and escalating cool-down.
// ABOUTME: Half-open admits a bounded number of probes; one success closes the circuit.

package resilience

import (
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Result is what a finished call reports to the breaker.
type Result int

const (
	Success Result = iota
	Failure
	// Ignored releases a probe slot without changing state.
	Ignored
)

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	FailureThreshold int
	Window           time.Duration
	CoolDown         time.Duration
	MaxCoolDown      time.Duration
	HalfOpenProbes   int
}

// CircuitSnapshot is a point-in-time view of a breaker.
type CircuitSnapshot struct {
	Dependency          string        `json:"dependency"`
	State               string        `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitzero"`
	NextProbeAt         time.Time     `json:"next_probe_at,omitzero"`
	CoolDown            time.Duration `json:"cool_down"`
}

// Breaker is a thread-safe circuit breaker.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	now func() time.Time

	state          State
	generation     uint64
	consecutive    int
	firstFailureAt time.Time
	openedAt       time.Time
	nextProbeAt    time.Time
	coolDown       time.Duration
	probes         int

	onChange func(from, to State)
}

// NewBreaker creates a closed breaker. A nil clock means time.Now.
func NewBreaker(cfg BreakerConfig, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.MaxCoolDown < cfg.CoolDown {
		cfg.MaxCoolDown = cfg.CoolDown
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg, now: now, coolDown: cfg.CoolDown}
}

// OnStateChange registers a callback invoked (under the breaker's lock) on
// every transition. It must not call back into the breaker.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Allow asks to make a call. On success the caller must invoke done exactly
// once with the call's result.
func (b *Breaker) Allow() (done func(Result), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == StateOpen {
		if now.Before(b.nextProbeAt) {
			return nil, ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
	}

	probe := false
	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.HalfOpenProbes {
			return nil, ErrCircuitOpen
		}
		b.probes++
		probe = true
	}

	gen := b.generation
	var once sync.Once
	return func(r Result) {
		once.Do(func() { b.record(gen, probe, r) })
	}, nil
}

func (b *Breaker) record(gen uint64, probe bool, r Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Results from calls admitted under an older state are stale.
	if gen != b.generation {
		return
	}

	now := b.now()
	switch b.state {
	case StateHalfOpen:
		if probe {
			b.probes--
		}
		switch r {
		case Success:
			b.coolDown = b.cfg.CoolDown
			b.setState(StateClosed)
		case Failure:
			b.coolDown = min(b.coolDown*2, b.cfg.MaxCoolDown)
			b.trip(now)
		}
	case StateClosed:
		switch r {
		case Success:
			b.consecutive = 0
		case Failure:
			if b.consecutive == 0 || (b.cfg.Window > 0 && now.Sub(b.firstFailureAt) > b.cfg.Window) {
				b.consecutive = 0
				b.firstFailureAt = now
			}
			b.consecutive++
			if b.consecutive >= b.cfg.FailureThreshold {
				b.trip(now)
			}
		}
	}
}

// trip must be called with mu held.
func (b *Breaker) trip(now time.Time) {
	b.openedAt = now
	b.nextProbeAt = now.Add(b.coolDown)
	b.setState(StateOpen)
}

// setState must be called with mu held.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.probes = 0
	if to == StateClosed {
		b.consecutive = 0
		b.openedAt = time.Time{}
		b.nextProbeAt = time.Time{}
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return CircuitSnapshot{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutive,
		OpenedAt:            b.openedAt,
		NextProbeAt:         b.nextProbeAt,
		CoolDown:            b.coolDown,
	}
}
