// ABOUTME: Confidence-gated intent router with a deterministic fallback handler.
// ABOUTME: Caches classifications per conversation to skip repeat reasoner calls.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/metrics"
	"github.com/2389/concierge/internal/reasoner"
	"github.com/2389/concierge/internal/resilience"
	"github.com/2389/concierge/internal/session"
	"github.com/2389/concierge/internal/ttlcache"
)

// ErrHandlerFailed wraps errors returned by a capability handler.
var ErrHandlerFailed = errors.New("capability handler failed")

// FallbackHandlerName is the Decision.Handler value for fallback routes.
const FallbackHandlerName = "fallback"

// Handler produces a reply for a routed message.
type Handler interface {
	Handle(ctx context.Context, d conversation.Decision, msg conversation.InboundMessage, st *session.State) (string, session.Mutations, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d conversation.Decision, msg conversation.InboundMessage, st *session.State) (string, session.Mutations, error)

func (f HandlerFunc) Handle(ctx context.Context, d conversation.Decision, msg conversation.InboundMessage, st *session.State) (string, session.Mutations, error) {
	return f(ctx, d, msg, st)
}

// Doer runs a call under resilience policies.
type Doer interface {
	Do(ctx context.Context, dependency string, idempotent bool, fn func(ctx context.Context) error) error
}

// Options tunes routing.
type Options struct {
	// Threshold is the minimum confidence for a capability route.
	Threshold float64
	// ContextWindow is how many recent turns the engine sees.
	ContextWindow int
	// CacheTTL is how long a classification is reused for identical text in
	// the same conversation. Zero disables the cache.
	CacheTTL  time.Duration
	CacheSize int
	// Dependency names the gateway dependency; defaults to "reasoner".
	Dependency string
}

// DefaultOptions returns the standard routing settings.
func DefaultOptions() Options {
	return Options{
		Threshold:     0.6,
		ContextWindow: 6,
		CacheTTL:      120 * time.Second,
		CacheSize:     10000,
		Dependency:    "reasoner",
	}
}

// Result is the outcome of routing one message.
type Result struct {
	Decision  conversation.Decision
	Reply     string
	Mutations session.Mutations
}

// Router dispatches messages to handlers by intent.
type Router struct {
	engine   reasoner.Engine
	gw       Doer
	handlers map[conversation.Intent]Handler
	fallback Handler
	opts     Options
	cache    *ttlcache.Cache[reasoner.Classification]
	logger   *slog.Logger
}

// New creates a router. Handlers are fixed at construction.
func New(engine reasoner.Engine, gw Doer, handlers map[conversation.Intent]Handler, fallback Handler, opts Options, logger *slog.Logger) (*Router, error) {
	if engine == nil {
		return nil, errors.New("router: engine is required")
	}
	if gw == nil {
		return nil, errors.New("router: gateway is required")
	}
	if fallback == nil {
		return nil, errors.New("router: fallback handler is required")
	}
	if opts.Threshold < 0 || opts.Threshold > 1 {
		return nil, fmt.Errorf("router: threshold %v out of range", opts.Threshold)
	}
	if opts.Dependency == "" {
		opts.Dependency = "reasoner"
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		engine:   engine,
		gw:       gw,
		handlers: maps.Clone(handlers),
		fallback: fallback,
		opts:     opts,
		logger:   logger.With("component", "router"),
	}
	if opts.CacheTTL > 0 {
		size := opts.CacheSize
		if size <= 0 {
			size = 10000
		}
		r.cache = ttlcache.New[reasoner.Classification](size)
	}
	return r, nil
}

// Close stops the cache janitor.
func (r *Router) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

// Route classifies msg and runs the chosen handler.
func (r *Router) Route(ctx context.Context, msg conversation.InboundMessage, st *session.State) (Result, error) {
	decision, handler := r.decide(ctx, msg, st)
	metrics.ObserveRoute(string(decision.Intent), decision.Fallback)

	r.logger.Info("routing message",
		"conversation_id", msg.ConversationID,
		"intent", decision.Intent,
		"confidence", decision.Confidence,
		"handler", decision.Handler,
		"fallback", decision.Fallback,
		"reason", decision.Reason)

	reply, muts, err := handler.Handle(ctx, decision, msg, st)
	if err != nil {
		return Result{Decision: decision}, fmt.Errorf("%w: %s: %w", ErrHandlerFailed, decision.Handler, err)
	}

	// Extracted entities fill slots unless the handler resets them.
	if len(decision.Entities) > 0 && !muts.ClearAll {
		set := maps.Clone(decision.Entities)
		maps.Copy(set, muts.Set)
		muts.Set = set
	}
	return Result{Decision: decision, Reply: reply, Mutations: muts}, nil
}

func (r *Router) decide(ctx context.Context, msg conversation.InboundMessage, st *session.State) (conversation.Decision, Handler) {
	c, err := r.classify(ctx, msg, st)
	if err != nil {
		reason := resilience.Kind(err)
		if errors.Is(err, reasoner.ErrMalformedReply) {
			reason = "malformed_reply"
		}
		r.logger.Warn("reasoner unavailable, using fallback",
			"conversation_id", msg.ConversationID,
			"reason", reason,
			"error", err)
		return r.fallbackDecision(msg, reason, nil), r.fallback
	}

	best, ok := conversation.Best(c.Candidates)
	if !ok {
		return r.fallbackDecision(msg, "no_candidates", c.Entities), r.fallback
	}
	if best.Confidence < r.opts.Threshold {
		d := r.fallbackDecision(msg, "low_confidence", c.Entities)
		d.Intent, d.Confidence = best.Intent, best.Confidence
		return d, r.fallback
	}
	// An open multi-turn flow keeps the conversation unless the engine is
	// confident the user switched to another task.
	if owner, ok := conversation.PendingOwner(st.PendingAction); ok &&
		(best.Intent == owner || best.Intent == conversation.IntentGeneric) {
		if h, ok := r.handlers[owner]; ok {
			return conversation.Decision{
				Intent:     owner,
				Confidence: best.Confidence,
				Entities:   c.Entities,
				Handler:    string(owner),
				Reason:     "pending_action",
			}, h
		}
	}

	h, ok := r.handlers[best.Intent]
	if !ok {
		return r.fallbackDecision(msg, "no_handler", c.Entities), r.fallback
	}

	return conversation.Decision{
		Intent:     best.Intent,
		Confidence: best.Confidence,
		Entities:   c.Entities,
		Handler:    string(best.Intent),
		Reason:     c.Reason,
	}, h
}

// fallbackDecision labels the message with the keyword rules so the fallback
// handler has something deterministic to work with.
func (r *Router) fallbackDecision(msg conversation.InboundMessage, reason string, entities map[string]string) conversation.Decision {
	intent, confidence, _ := reasoner.MatchKeywords(msg.Text)
	return conversation.Decision{
		Intent:     intent,
		Confidence: confidence,
		Entities:   entities,
		Handler:    FallbackHandlerName,
		Fallback:   true,
		Reason:     reason,
	}
}

func (r *Router) classify(ctx context.Context, msg conversation.InboundMessage, st *session.State) (reasoner.Classification, error) {
	key := cacheKey(msg, st)
	if r.cache != nil {
		if c, ok := r.cache.Get(key); ok {
			return c, nil
		}
	}

	req := reasoner.Request{
		Text:          msg.Text,
		History:       st.Window(r.opts.ContextWindow),
		Slots:         maps.Clone(st.Context),
		PendingAction: st.PendingAction,
	}

	var c reasoner.Classification
	err := r.gw.Do(ctx, r.opts.Dependency, true, func(ctx context.Context) error {
		var err error
		c, err = r.engine.Classify(ctx, req)
		return err
	})
	if err != nil {
		return reasoner.Classification{}, err
	}

	if r.cache != nil {
		r.cache.Set(key, c, r.opts.CacheTTL)
	}
	return c, nil
}

// cacheKey scopes cached classifications to the conversation and its pending
// action, since the same words can mean different things mid-flow.
func cacheKey(msg conversation.InboundMessage, st *session.State) string {
	text := strings.Join(strings.Fields(strings.ToLower(msg.Text)), " ")
	return msg.ConversationID + "|" + st.PendingAction + "|" + text
}
