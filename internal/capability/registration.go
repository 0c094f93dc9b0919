// ABOUTME: Patient registration flow: collect a name and national ID, then create the patient.
// ABOUTME: Hands the conversation back to booking when registration was a detour.

package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/2389/concierge/internal/backend"
	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/session"
)

// Registration handles new patient sign-up.
type Registration struct {
	backend Backend
	logger  *slog.Logger
}

// NewRegistration creates the registration handler.
func NewRegistration(b Backend, logger *slog.Logger) *Registration {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registration{backend: b, logger: logger.With("component", "capability.registration")}
}

func (h *Registration) Handle(ctx context.Context, d conversation.Decision, msg conversation.InboundMessage, st *session.State) (string, session.Mutations, error) {
	name := firstNonEmpty(d.Entities[SlotPatientName], st.Context[SlotPatientName])
	nationalID := firstNonEmpty(d.Entities[SlotNationalID], st.Context[SlotNationalID])

	switch st.PendingAction {
	case StepRegisterName:
		if n := strings.TrimSpace(msg.Text); len([]rune(n)) >= 2 {
			name = n
		}
	case StepRegisterID:
		if id := nationalIDPattern.FindString(normalizeDigits(msg.Text)); id != "" {
			nationalID = id
		}
	default:
		p, err := h.backend.PatientByPhone(ctx, msg.Sender)
		switch {
		case err == nil:
			reply := say(msg.Text,
				fmt.Sprintf("You are already registered as **%s**.", p.Name),
				fmt.Sprintf("أنت مسجل عندنا باسم **%s**.", p.Name))
			return reply, session.Mutations{
				Set:           map[string]string{SlotPatientID: strconv.Itoa(p.ID)},
				PendingAction: session.Pending(""),
			}, nil
		case !errors.Is(err, backend.ErrNotFound):
			return "", session.Mutations{}, fmt.Errorf("looking up patient: %w", err)
		}
	}

	set := make(map[string]string)
	if name == "" {
		reply := say(msg.Text, "What is your full name?", "وش اسمك الكامل؟")
		return reply, session.Mutations{PendingAction: session.Pending(StepRegisterName)}, nil
	}
	set[SlotPatientName] = name

	if nationalID == "" {
		reply := say(msg.Text,
			fmt.Sprintf("Thanks %s. Please send your 10-digit national ID or iqama number.", name),
			fmt.Sprintf("شكراً %s. أرسل رقم الهوية أو الإقامة (10 أرقام).", name))
		return reply, session.Mutations{Set: set, PendingAction: session.Pending(StepRegisterID)}, nil
	}

	p, err := h.backend.CreatePatient(ctx, backend.NewPatient{
		Name:       name,
		Phone:      msg.Sender,
		NationalID: nationalID,
	})
	if err != nil {
		return "", session.Mutations{}, fmt.Errorf("creating patient: %w", err)
	}
	h.logger.Info("patient registered", "patient_id", p.ID, "conversation_id", msg.ConversationID)

	muts := session.Mutations{
		ClearAll:      true,
		Set:           map[string]string{SlotPatientID: strconv.Itoa(p.ID)},
		PendingAction: session.Pending(""),
	}
	reply := say(msg.Text,
		fmt.Sprintf("Welcome **%s**, you are registered.", name),
		fmt.Sprintf("أهلاً **%s**، تم تسجيلك بنجاح ✅", name))

	if st.Context[SlotResume] == string(conversation.IntentBooking) {
		muts.PendingAction = session.Pending(StepBookingService)
		reply += say(msg.Text,
			" Which service would you like to book?",
			" وش الخدمة اللي تبي تحجزها؟")
	}
	return reply, muts, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
