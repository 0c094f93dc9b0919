// ABOUTME: Per-message state machine composing idempotency, locking, routing, and delivery.
// ABOUTME: Cleanup runs detached from the message deadline so stores stay consistent.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/idempotency"
	"github.com/2389/concierge/internal/lock"
	"github.com/2389/concierge/internal/metrics"
	"github.com/2389/concierge/internal/router"
	"github.com/2389/concierge/internal/session"
)

// Kind is the final classification of a processed message.
type Kind string

const (
	KindResponded Kind = "responded"
	KindDeferred  Kind = "deferred"
	KindDuplicate Kind = "duplicate_skipped"
	KindFailed    Kind = "failed"
)

// Reasons attached to non-responded outcomes.
const (
	ReasonRateLimited        = "rate_limited"
	ReasonInFlight           = "in_flight"
	ReasonStoreUnavailable   = "store_unavailable"
	ReasonLockBusy           = "lock_busy"
	ReasonLockUnavailable    = "lock_unavailable"
	ReasonSessionUnavailable = "session_unavailable"
	ReasonHandler            = "handler"
	ReasonDelivery           = "delivery"
	ReasonSessionSave        = "session_save"
	ReasonLeaseLost          = "lease_lost"
	ReasonInvalid            = "invalid_message"
)

// Outcome is what ProcessMessage reports back to the ingestion layer.
type Outcome struct {
	Kind   Kind                `json:"kind"`
	Reply  string              `json:"reply,omitempty"`
	Reason string              `json:"reason,omitempty"`
	Intent conversation.Intent `json:"intent,omitempty"`
	// Terminal is false only for deferred messages, which the gateway
	// should redeliver.
	Terminal bool `json:"terminal"`
}

// UnavailablePolicy decides what happens when the idempotency store is down.
type UnavailablePolicy string

const (
	// FailClosed defers the message until the store recovers.
	FailClosed UnavailablePolicy = "fail_closed"
	// FailOpen processes the message without duplicate suppression.
	FailOpen UnavailablePolicy = "fail_open"
)

// Router picks and runs a capability handler.
type Router interface {
	Route(ctx context.Context, msg conversation.InboundMessage, st *session.State) (router.Result, error)
}

// Sender delivers replies to the user.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}

// Locker hands out conversation leases.
type Locker interface {
	Acquire(ctx context.Context, conversationID string, lease time.Duration) (*lock.Lease, error)
	Ping(ctx context.Context) error
}

// ReviewRecorder stores messages that need a human to follow up.
type ReviewRecorder interface {
	Record(ctx context.Context, entry conversation.ReviewEntry) error
}

// Config tunes message processing.
type Config struct {
	InFlightTTL     time.Duration
	Retention       time.Duration
	OnUnavailable   UnavailablePolicy
	Lease           time.Duration
	MaxTurns        int
	MessageDeadline time.Duration
	CleanupTimeout  time.Duration
	// AdmissionRate is messages per second across all conversations.
	// Zero or less disables the admission limiter.
	AdmissionRate  float64
	AdmissionBurst int
	Apology        string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		InFlightTTL:     2 * time.Minute,
		Retention:       24 * time.Hour,
		OnUnavailable:   FailClosed,
		Lease:           30 * time.Second,
		MaxTurns:        20,
		MessageDeadline: 45 * time.Second,
		CleanupTimeout:  5 * time.Second,
		AdmissionBurst:  50,
		Apology:         "Sorry, something went wrong on our side. Please try again in a moment.",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InFlightTTL <= 0 {
		c.InFlightTTL = d.InFlightTTL
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.OnUnavailable == "" {
		c.OnUnavailable = d.OnUnavailable
	}
	if c.Lease <= 0 {
		c.Lease = d.Lease
	}
	if c.MessageDeadline <= 0 {
		c.MessageDeadline = d.MessageDeadline
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = d.CleanupTimeout
	}
	if c.AdmissionBurst <= 0 {
		c.AdmissionBurst = d.AdmissionBurst
	}
	if c.Apology == "" {
		c.Apology = d.Apology
	}
	return c
}

// Deps are the collaborators of an Orchestrator. Review, Circuits and
// Credentials are optional.
type Deps struct {
	Idempotency idempotency.Store
	Locks       Locker
	Sessions    session.Store
	Router      Router
	Sender      Sender
	Review      ReviewRecorder
	Circuits    CircuitSource
	Credentials CredentialSource
}

// Orchestrator processes inbound messages.
type Orchestrator struct {
	deps      Deps
	cfg       Config
	admission *rate.Limiter
	logger    *slog.Logger
	now       func() time.Time
}

// New validates deps and builds an Orchestrator.
func New(deps Deps, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Idempotency == nil:
		return nil, errors.New("orchestrator: idempotency store is required")
	case deps.Locks == nil:
		return nil, errors.New("orchestrator: lock manager is required")
	case deps.Sessions == nil:
		return nil, errors.New("orchestrator: session store is required")
	case deps.Router == nil:
		return nil, errors.New("orchestrator: router is required")
	case deps.Sender == nil:
		return nil, errors.New("orchestrator: sender is required")
	}
	cfg = cfg.withDefaults()
	if cfg.OnUnavailable != FailClosed && cfg.OnUnavailable != FailOpen {
		return nil, fmt.Errorf("orchestrator: unknown on_unavailable policy %q", cfg.OnUnavailable)
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.AdmissionRate > 0 {
		limit = rate.Limit(cfg.AdmissionRate)
	}
	return &Orchestrator{
		deps:      deps,
		cfg:       cfg,
		admission: rate.NewLimiter(limit, cfg.AdmissionBurst),
		logger:    logger.With("component", "orchestrator"),
		now:       time.Now,
	}, nil
}

// run carries the per-message resources that cleanup must settle.
type run struct {
	msg    conversation.InboundMessage
	key    string
	owner  string // stamps this attempt's idempotency record
	owned  bool
	lease  *lock.Lease
	state  *session.State
	logger *slog.Logger
}

// ProcessMessage drives msg through the pipeline and reports the outcome.
// It never returns an error: every failure maps onto an Outcome.
func (o *Orchestrator) ProcessMessage(ctx context.Context, msg conversation.InboundMessage) Outcome {
	start := o.now()
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = start
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.MessageDeadline)
	defer cancel()

	r := &run{
		msg:   msg,
		key:   msg.IdempotencyKey(),
		owner: uuid.NewString(),
		logger: o.logger.With(
			"message_id", msg.ID,
			"conversation_id", msg.ConversationID),
	}
	out := o.process(ctx, r)

	elapsed := o.now().Sub(start)
	metrics.ObserveMessage(string(out.Kind), out.Reason, elapsed)
	level := slog.LevelInfo
	if out.Kind == KindFailed {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "message processed",
		"outcome", out.Kind,
		"reason", out.Reason,
		"intent", out.Intent,
		"elapsed", elapsed)
	return out
}

func (o *Orchestrator) process(ctx context.Context, r *run) Outcome {
	msg := r.msg
	if msg.ConversationID == "" || msg.Sender == "" {
		return Outcome{Kind: KindFailed, Reason: ReasonInvalid, Terminal: true}
	}
	if !o.admission.Allow() {
		return deferred(ReasonRateLimited)
	}

	// Received → Admitted
	adm, err := o.deps.Idempotency.Admit(ctx, r.key, r.owner, o.cfg.InFlightTTL)
	switch {
	case err != nil && o.cfg.OnUnavailable == FailOpen:
		r.logger.Warn("idempotency store unavailable, processing without duplicate suppression", "error", err)
	case err != nil:
		r.logger.Error("idempotency store unavailable, deferring", "error", err)
		return deferred(ReasonStoreUnavailable)
	case adm == idempotency.Duplicate:
		return Outcome{Kind: KindDuplicate, Reason: adm.String(), Terminal: true}
	case adm == idempotency.InFlight:
		return deferred(ReasonInFlight)
	default:
		r.owned = true
	}

	// Admitted → Locked
	lease, err := o.deps.Locks.Acquire(ctx, msg.ConversationID, o.cfg.Lease)
	if err != nil {
		reason := ReasonLockUnavailable
		if errors.Is(err, lock.ErrBusy) {
			reason = ReasonLockBusy
		}
		r.logger.Warn("could not lock conversation", "error", err)
		o.abandon(ctx, r)
		return deferred(reason)
	}
	r.lease = lease

	// Work under the lock stops as soon as the lease is known to be gone.
	ctx, cancelLease := context.WithCancelCause(ctx)
	defer cancelLease(nil)
	lease.KeepAlive(ctx, func() { cancelLease(lock.ErrLeaseLost) })

	st, err := o.deps.Sessions.Load(ctx, msg.ConversationID)
	if err != nil {
		r.logger.Error("loading session", "error", err)
		o.abandon(ctx, r)
		return deferred(ReasonSessionUnavailable)
	}
	r.state = st
	if err := lease.Check(); err != nil {
		r.logger.Warn("conversation lock lost before routing", "error", err)
		o.abandon(ctx, r)
		return deferred(ReasonLeaseLost)
	}
	st.AddTurn(session.RoleUser, msg.Text, msg.ReceivedAt, o.cfg.MaxTurns)

	// Locked → Routed
	out := Outcome{Kind: KindResponded, Terminal: true}
	var failure error
	res, err := o.deps.Router.Route(ctx, msg, st)
	out.Intent = res.Decision.Intent
	if err != nil {
		r.logger.Error("capability handler failed", "error", err)
		out.Kind, out.Reason, failure = KindFailed, ReasonHandler, err
		out.Reply = o.cfg.Apology
	} else {
		st.Apply(res.Mutations)
		out.Reply = res.Reply
	}

	// Another worker may own the conversation now. Its view of the session
	// wins, so nothing from this run is sent or saved.
	if err := lease.Check(); err != nil {
		return o.leaseLost(ctx, r, out, errors.Join(failure, err))
	}

	// Routed → Responded
	if out.Reply != "" {
		if err := o.deps.Sender.Send(ctx, msg.Sender, out.Reply); err != nil {
			r.logger.Error("delivering reply", "error", err)
			out.Kind, out.Reason, failure = KindFailed, ReasonDelivery, err
		} else {
			st.AddTurn(session.RoleAssistant, out.Reply, o.now(), o.cfg.MaxTurns)
		}
	}

	// Responded → Finalized
	return o.finalize(ctx, r, out, failure)
}

// finalize saves the session, completes the record and releases the lock.
func (o *Orchestrator) finalize(ctx context.Context, r *run, out Outcome, failure error) Outcome {
	if err := r.lease.Check(); err != nil {
		return o.leaseLost(ctx, r, out, errors.Join(failure, err))
	}

	cctx, cancel := o.cleanupContext(ctx)
	defer cancel()

	if err := o.deps.Sessions.Save(cctx, r.state); err != nil {
		r.logger.Error("saving session", "error", err)
		if failure == nil {
			out.Kind, out.Reason, failure = KindFailed, ReasonSessionSave, err
		}
	}
	return o.settle(cctx, r, out, failure)
}

// leaseLost ends a run whose lock expired or was taken over after routing.
// The session is not saved. Capability side effects may already have
// happened, so the message is failed for review instead of redelivered.
func (o *Orchestrator) leaseLost(ctx context.Context, r *run, out Outcome, failure error) Outcome {
	r.logger.Warn("conversation lock lost, discarding session changes", "error", failure)
	out.Kind, out.Reason = KindFailed, ReasonLeaseLost

	cctx, cancel := o.cleanupContext(ctx)
	defer cancel()
	return o.settle(cctx, r, out, failure)
}

// settle records review entries, completes the record and releases the lock.
func (o *Orchestrator) settle(cctx context.Context, r *run, out Outcome, failure error) Outcome {
	if failure != nil {
		o.review(cctx, r, out, failure)
	}

	if r.owned {
		status := idempotency.StatusCompleted
		if out.Kind == KindFailed {
			status = idempotency.StatusFailed
		}
		err := o.deps.Idempotency.Complete(cctx, r.key, r.owner, status, summary(out), o.cfg.Retention)
		switch {
		case errors.Is(err, idempotency.ErrNotOwner):
			r.logger.Warn("idempotency record now belongs to another attempt, leaving it", "error", err)
		case err != nil:
			r.logger.Error("completing idempotency record", "error", err)
		}
	}
	o.release(cctx, r)
	return out
}

// abandon gives up a message before anything user-visible happened so that
// a redelivery is admitted again.
func (o *Orchestrator) abandon(ctx context.Context, r *run) {
	cctx, cancel := o.cleanupContext(ctx)
	defer cancel()

	if r.owned {
		if err := o.deps.Idempotency.Abandon(cctx, r.key, r.owner); err != nil {
			r.logger.Error("abandoning idempotency record", "error", err)
		}
	}
	o.release(cctx, r)
}

func (o *Orchestrator) release(ctx context.Context, r *run) {
	if r.lease == nil {
		return
	}
	if err := r.lease.Release(ctx); err != nil {
		r.logger.Warn("releasing conversation lock", "error", err)
	}
}

func (o *Orchestrator) review(ctx context.Context, r *run, out Outcome, failure error) {
	if o.deps.Review == nil {
		return
	}
	entry := conversation.ReviewEntry{
		MessageID:      r.msg.ID,
		ConversationID: r.msg.ConversationID,
		Sender:         r.msg.Sender,
		Text:           r.msg.Text,
		Reply:          out.Reply,
		Reason:         out.Reason,
		Error:          failure.Error(),
		CreatedAt:      o.now(),
	}
	if err := o.deps.Review.Record(ctx, entry); err != nil {
		r.logger.Error("recording review entry", "error", err)
	}
}

func (o *Orchestrator) cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CleanupTimeout)
}

func deferred(reason string) Outcome {
	return Outcome{Kind: KindDeferred, Reason: reason}
}

func summary(out Outcome) string {
	s := string(out.Kind)
	if out.Reason != "" {
		s += ":" + out.Reason
	}
	if out.Intent != "" {
		s += " intent=" + string(out.Intent)
	}
	return s
}
