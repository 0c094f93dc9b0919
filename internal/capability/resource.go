// ABOUTME: Resource lookup handler listing services with prices, or doctors.
// ABOUTME: Read-only; never changes session state beyond closing stale steps.

package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/session"
)

var doctorWords = []string{"doctor", "doctors", "dr", "دكتور", "دكاترة", "الدكاترة", "طبيب", "أطباء"}

// Resource answers questions about services and doctors.
type Resource struct {
	backend Backend
}

// NewResource creates the resource handler.
func NewResource(b Backend) *Resource {
	return &Resource{backend: b}
}

func (h *Resource) Handle(ctx context.Context, d conversation.Decision, msg conversation.InboundMessage, st *session.State) (string, session.Mutations, error) {
	if mentionsDoctors(msg.Text) {
		doctors, err := h.backend.Doctors(ctx)
		if err != nil {
			return "", session.Mutations{}, fmt.Errorf("listing doctors: %w", err)
		}
		var b strings.Builder
		b.WriteString(say(msg.Text, "**Our doctors**\n\n", "**أطباؤنا**\n\n"))
		for _, doc := range doctors {
			if doc.Specialty != "" {
				fmt.Fprintf(&b, "- %s (%s)\n", doc.Name, doc.Specialty)
			} else {
				fmt.Fprintf(&b, "- %s\n", doc.Name)
			}
		}
		return b.String(), session.Mutations{}, nil
	}

	services, err := h.backend.Services(ctx, d.Entities[SlotService])
	if err != nil {
		return "", session.Mutations{}, fmt.Errorf("listing services: %w", err)
	}
	if len(services) == 0 {
		reply := say(msg.Text,
			"I could not find that service. Reply *menu* to see what we offer.",
			"ما لقيت هالخدمة. اكتب *قائمة* عشان تشوف خدماتنا.")
		return reply, session.Mutations{}, nil
	}

	var b strings.Builder
	b.WriteString(say(msg.Text, "**Our services**\n\n", "**خدماتنا**\n\n"))
	for _, s := range services {
		if s.Price > 0 {
			fmt.Fprintf(&b, "- %s: %.0f SAR\n", s.Name, s.Price)
		} else {
			fmt.Fprintf(&b, "- %s\n", s.Name)
		}
	}
	return b.String(), session.Mutations{}, nil
}

func mentionsDoctors(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool { return r == ' ' || r == '.' || r == '?' || r == ',' }) {
		for _, dw := range doctorWords {
			if w == dw {
				return true
			}
		}
	}
	return false
}
