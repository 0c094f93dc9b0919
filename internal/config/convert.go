// ABOUTME: Conversions from config sections to the option structs of each component.
// ABOUTME: Zero config values fall through to the component's own defaults.

package config

import (
	"log/slog"
	"strings"

	"github.com/2389/concierge/internal/lock"
	"github.com/2389/concierge/internal/orchestrator"
	"github.com/2389/concierge/internal/resilience"
	"github.com/2389/concierge/internal/router"
)

// SlogLevel maps logging.level to a slog level. Unknown values mean info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Apply overlays the non-zero fields of p onto base.
func (p PolicyConfig) Apply(base resilience.Policy) resilience.Policy {
	if p.Rate != 0 {
		base.Rate = p.Rate
	}
	if p.Burst != 0 {
		base.Burst = p.Burst
	}
	if p.Wait != 0 {
		base.Wait = p.Wait
	}
	if p.FailureThreshold != 0 {
		base.FailureThreshold = p.FailureThreshold
	}
	if p.Window != 0 {
		base.Window = p.Window
	}
	if p.CoolDown != 0 {
		base.CoolDown = p.CoolDown
	}
	if p.MaxCoolDown != 0 {
		base.MaxCoolDown = p.MaxCoolDown
	}
	if p.HalfOpenProbes != 0 {
		base.HalfOpenProbes = p.HalfOpenProbes
	}
	if p.MaxAttempts != 0 {
		base.MaxAttempts = p.MaxAttempts
	}
	if p.BaseDelay != 0 {
		base.BaseDelay = p.BaseDelay
	}
	if p.MaxDelay != 0 {
		base.MaxDelay = p.MaxDelay
	}
	if p.MaxRetryAfter != 0 {
		base.MaxRetryAfter = p.MaxRetryAfter
	}
	if p.CallTimeout != 0 {
		base.CallTimeout = p.CallTimeout
	}
	return base
}

// Policies returns the default policy and the per-dependency overrides, each
// layered over resilience.DefaultPolicy.
func (r ResilienceConfig) Policies() (resilience.Policy, map[string]resilience.Policy) {
	defaults := r.Defaults.Apply(resilience.DefaultPolicy())
	overrides := make(map[string]resilience.Policy, len(r.Dependencies))
	for name, p := range r.Dependencies {
		overrides[name] = p.Apply(defaults)
	}
	return defaults, overrides
}

// Options returns lock manager options.
func (l LockConfig) Options() lock.Options {
	opts := lock.DefaultOptions()
	opts.Attempts = l.Attempts
	opts.RetryDelay = l.RetryDelay
	opts.AcquireTimeout = l.AcquireTimeout
	opts.SlowHoldWarn = l.SlowHoldWarn
	return opts
}

// RouterOptions returns intent router options.
func (c *Config) RouterOptions() router.Options {
	opts := router.DefaultOptions()
	opts.Threshold = c.Reasoner.Threshold
	opts.ContextWindow = c.Session.ContextWindow
	opts.CacheTTL = c.Reasoner.CacheTTL
	return opts
}

// OrchestratorConfig returns per-message pipeline settings.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		InFlightTTL:     c.Idempotency.InFlightTTL,
		Retention:       c.Idempotency.Retention,
		OnUnavailable:   orchestrator.UnavailablePolicy(c.Idempotency.OnUnavailable),
		Lease:           c.Lock.Lease,
		MaxTurns:        c.Session.MaxTurns,
		MessageDeadline: c.Orchestrator.MessageDeadline,
		CleanupTimeout:  c.Orchestrator.CleanupTimeout,
		AdmissionRate:   c.Orchestrator.AdmissionRate,
		AdmissionBurst:  c.Orchestrator.AdmissionBurst,
		Apology:         c.Orchestrator.Apology,
	}
}
