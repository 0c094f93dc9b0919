// ABOUTME: HTTP handlers for the inbound webhook, health probes, and the review queue.
// ABOUTME: Deferred messages answer 503 with Retry-After so the gateway redelivers.

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/orchestrator"
	"github.com/2389/concierge/internal/store"
)

// Processor runs inbound messages through the pipeline.
type Processor interface {
	ProcessMessage(ctx context.Context, msg conversation.InboundMessage) orchestrator.Outcome
	Health(ctx context.Context) orchestrator.Health
}

// ReviewQueue lists and resolves messages awaiting staff follow-up.
type ReviewQueue interface {
	ListReview(ctx context.Context, limit int, includeResolved bool) ([]conversation.ReviewEntry, error)
	ResolveReview(ctx context.Context, id string) error
}

// Handler serves the HTTP surface.
type Handler struct {
	proc       Processor
	review     ReviewQueue
	retryAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewHandler creates a Handler. review may be nil.
func NewHandler(proc Processor, review ReviewQueue, retryAfter time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if retryAfter <= 0 {
		retryAfter = 5 * time.Second
	}
	return &Handler{
		proc:       proc,
		review:     review,
		retryAfter: retryAfter,
		logger:     logger.With("component", "webhook"),
		now:        time.Now,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug("writing response", "error", err)
	}
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"status": "error", "error": message})
}

type messageResult struct {
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Outcome        string `json:"outcome"`
	Reason         string `json:"reason,omitempty"`
	Intent         string `json:"intent,omitempty"`
}

type webhookResponse struct {
	Status  string          `json:"status"`
	Results []messageResult `json:"results"`
}

// Webhook handles POST /webhook. Messages in one payload are processed in
// order. If any is deferred the whole delivery is answered 503 so the
// gateway retries it; already finished messages then come back as duplicates.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "reading body")
		return
	}

	parsed, err := ParsePayload(body, h.now())
	if err != nil {
		h.logger.Warn("rejecting webhook", "error", err)
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := webhookResponse{Status: "ok", Results: make([]messageResult, 0, len(parsed))}
	deferred := false
	for _, p := range parsed {
		if p.Skipped != "" {
			h.logger.Debug("skipping webhook message", "reason", p.Skipped)
			resp.Results = append(resp.Results, messageResult{Outcome: "skipped", Reason: p.Skipped})
			continue
		}

		out := h.proc.ProcessMessage(r.Context(), p.Message)
		resp.Results = append(resp.Results, messageResult{
			MessageID:      p.Message.ID,
			ConversationID: p.Message.ConversationID,
			Outcome:        string(out.Kind),
			Reason:         out.Reason,
			Intent:         string(out.Intent),
		})
		if !out.Terminal {
			deferred = true
		}
	}

	if deferred {
		resp.Status = "deferred"
		w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter.Seconds())))
		h.JSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	h.JSON(w, http.StatusOK, resp)
}

// Health handles GET /health. It reports liveness only.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready with the full dependency report. It
// answers 503 when a store is unreachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	report := h.proc.Health(ctx)
	status := http.StatusOK
	if !report.Ready() {
		status = http.StatusServiceUnavailable
	}
	h.JSON(w, status, report)
}

// ListReview handles GET /review?limit=N&all=true.
func (h *Handler) ListReview(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	entries, err := h.review.ListReview(r.Context(), limit, all)
	if err != nil {
		h.logger.Error("listing review queue", "error", err)
		h.Error(w, http.StatusInternalServerError, "listing review queue")
		return
	}
	if entries == nil {
		entries = []conversation.ReviewEntry{}
	}
	h.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ResolveReview handles POST /review/{id}/resolve.
func (h *Handler) ResolveReview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.review.ResolveReview(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.Error(w, http.StatusNotFound, "review entry not found")
	case err != nil:
		h.logger.Error("resolving review entry", "id", id, "error", err)
		h.Error(w, http.StatusInternalServerError, "resolving review entry")
	default:
		h.JSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
	}
}
