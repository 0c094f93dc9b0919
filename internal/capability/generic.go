// ABOUTME: Greeting and small-talk handler plus the deterministic fallback menu.
// ABOUTME: The menu resumes open flows and maps numbers and keywords onto handlers.

package capability

import (
	"context"
	"log/slog"
	"strings"

	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/reasoner"
	"github.com/2389/concierge/internal/router"
	"github.com/2389/concierge/internal/session"
)

const (
	menuEN = "How can I help you today?\n\n1. Book an appointment\n2. Register as a new patient\n3. Services and doctors"
	menuAR = "كيف أقدر أخدمك اليوم؟\n\n1. حجز موعد\n2. تسجيل مريض جديد\n3. الخدمات والأطباء"
)

// Generic answers greetings and thanks.
type Generic struct{}

func (Generic) Handle(_ context.Context, _ conversation.Decision, msg conversation.InboundMessage, _ *session.State) (string, session.Mutations, error) {
	lower := strings.ToLower(msg.Text)
	if strings.Contains(lower, "thank") || strings.Contains(msg.Text, "شكر") {
		return say(msg.Text, "You're welcome! 🌷", "العفو، بالخدمة دايماً 🌷"), session.Mutations{}, nil
	}
	return say(msg.Text, "Hello! 👋 "+menuEN, "أهلاً وسهلاً 👋 "+menuAR), session.Mutations{}, nil
}

// Menu is the fallback handler. It never calls a reasoning engine.
type Menu struct {
	handlers map[conversation.Intent]router.Handler
}

// NewMenu creates the fallback handler over the capability handlers.
func NewMenu(handlers map[conversation.Intent]router.Handler) *Menu {
	return &Menu{handlers: handlers}
}

var menuChoices = map[string]conversation.Intent{
	"1": conversation.IntentBooking,
	"2": conversation.IntentRegistration,
	"3": conversation.IntentResource,
}

func (m *Menu) Handle(ctx context.Context, d conversation.Decision, msg conversation.InboundMessage, st *session.State) (string, session.Mutations, error) {
	if owner, ok := conversation.PendingOwner(st.PendingAction); ok {
		if h, ok := m.handlers[owner]; ok {
			return h.Handle(ctx, d, msg, st)
		}
	}
	if intent, ok := menuChoices[normalizeDigits(msg.Text)]; ok {
		if h, ok := m.handlers[intent]; ok {
			return h.Handle(ctx, d, msg, st)
		}
	}
	// A keyword hit scores above the 0.6 default.
	if intent, confidence, _ := reasoner.MatchKeywords(msg.Text); confidence > 0.6 {
		if h, ok := m.handlers[intent]; ok {
			return h.Handle(ctx, d, msg, st)
		}
	}
	return say(msg.Text, menuEN, menuAR), session.Mutations{}, nil
}

// NewHandlers builds the handler set and its fallback menu.
func NewHandlers(b Backend, logger *slog.Logger) (map[conversation.Intent]router.Handler, router.Handler) {
	handlers := map[conversation.Intent]router.Handler{
		conversation.IntentBooking:      NewBooking(b, logger),
		conversation.IntentRegistration: NewRegistration(b, logger),
		conversation.IntentResource:     NewResource(b),
		conversation.IntentGeneric:      Generic{},
	}
	return handlers, NewMenu(handlers)
}
