// ABOUTME: Aggregated health report: circuit states, store pings, credential status.
// ABOUTME: Backs the HTTP readiness endpoint and the gRPC health service.

package orchestrator

import (
	"context"
	"time"

	"github.com/2389/concierge/internal/credential"
	"github.com/2389/concierge/internal/resilience"
)

// CircuitSource exposes breaker state per dependency.
type CircuitSource interface {
	Snapshot() []resilience.CircuitSnapshot
}

// CredentialSource exposes the backend credential status.
type CredentialSource interface {
	Status() credential.Status
}

const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// Health is a point-in-time view of the process and its dependencies.
type Health struct {
	Status     string                       `json:"status"`
	Stores     map[string]string            `json:"stores"`
	Circuits   []resilience.CircuitSnapshot `json:"circuits"`
	Credential *credential.Status           `json:"credential,omitempty"`
	CheckedAt  time.Time                    `json:"checked_at"`
}

// Ready reports whether every store answered its ping.
func (h Health) Ready() bool {
	for _, v := range h.Stores {
		if v != HealthOK {
			return false
		}
	}
	return true
}

const pingTimeout = 2 * time.Second

// Health pings each store and collects circuit and credential state. An open
// circuit or failing store marks the report degraded.
func (o *Orchestrator) Health(ctx context.Context) Health {
	h := Health{
		Status:    HealthOK,
		Stores:    make(map[string]string, 3),
		CheckedAt: o.now(),
	}

	pings := map[string]func(context.Context) error{
		"idempotency": o.deps.Idempotency.Ping,
		"lock":        o.deps.Locks.Ping,
		"session":     o.deps.Sessions.Ping,
	}
	for name, ping := range pings {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := ping(pctx)
		cancel()
		if err != nil {
			h.Stores[name] = err.Error()
			h.Status = HealthDegraded
			continue
		}
		h.Stores[name] = HealthOK
	}

	if o.deps.Circuits != nil {
		h.Circuits = o.deps.Circuits.Snapshot()
		for _, c := range h.Circuits {
			if c.State == resilience.StateOpen.String() {
				h.Status = HealthDegraded
			}
		}
	}
	if o.deps.Credentials != nil {
		s := o.deps.Credentials.Status()
		h.Credential = &s
		if !s.HasToken && s.LastError != "" {
			h.Status = HealthDegraded
		}
	}
	return h
}
