// ABOUTME: Booking flow: pick a service, a date, then a time, and create the booking.
// ABOUTME: Unregistered users are handed to the registration flow first.

package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/2389/concierge/internal/backend"
	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/session"
)

const maxOptions = 5

// Booking handles appointment requests.
type Booking struct {
	backend Backend
	now     func() time.Time
	logger  *slog.Logger
}

// NewBooking creates the booking handler.
func NewBooking(b Backend, logger *slog.Logger) *Booking {
	if logger == nil {
		logger = slog.Default()
	}
	return &Booking{backend: b, now: time.Now, logger: logger.With("component", "capability.booking")}
}

func (h *Booking) Handle(ctx context.Context, d conversation.Decision, msg conversation.InboundMessage, st *session.State) (string, session.Mutations, error) {
	slots := maps.Clone(st.Context)
	if slots == nil {
		slots = make(map[string]string)
	}
	maps.Copy(slots, d.Entities)
	set := make(map[string]string)
	put := func(k, v string) {
		slots[k] = v
		set[k] = v
	}

	if slots[SlotPatientID] == "" {
		p, err := h.backend.PatientByPhone(ctx, msg.Sender)
		switch {
		case errors.Is(err, backend.ErrNotFound):
			reply := say(msg.Text,
				"Before booking I need to register you. What is your full name?",
				"قبل الحجز لازم نسجلك. وش اسمك الكامل؟")
			return reply, session.Mutations{
				Set:           map[string]string{SlotResume: string(conversation.IntentBooking)},
				PendingAction: session.Pending(StepRegisterName),
			}, nil
		case err != nil:
			return "", session.Mutations{}, fmt.Errorf("looking up patient: %w", err)
		}
		put(SlotPatientID, strconv.Itoa(p.ID))
	}

	switch st.PendingAction {
	case StepBookingService:
		if err := h.chooseService(ctx, msg.Text, splitOptions(slots[SlotServiceChoice]), put); err != nil {
			return "", session.Mutations{}, err
		}
	case StepBookingDate:
		if date, ok := parseDate(msg.Text, h.now()); ok {
			put(SlotDate, date)
		}
	case StepBookingTime:
		if tm, ok := parseTime(msg.Text, splitOptions(slots[SlotTimeChoice])); ok {
			put(SlotTime, tm)
		}
	}

	if slots[SlotServiceID] == "" {
		if name := slots[SlotService]; name != "" {
			if err := h.chooseService(ctx, name, nil, put); err != nil {
				return "", session.Mutations{}, err
			}
		}
	}
	if slots[SlotServiceID] == "" {
		return h.askService(ctx, msg, set)
	}

	if slots[SlotDate] == "" {
		reply := say(msg.Text,
			fmt.Sprintf("Which day would you like for **%s**? (today, tomorrow, or YYYY-MM-DD)", slots[SlotService]),
			fmt.Sprintf("أي يوم يناسبك لـ **%s**؟ (اليوم، بكرة، أو YYYY-MM-DD)", slots[SlotService]))
		return reply, session.Mutations{Set: set, PendingAction: session.Pending(StepBookingDate)}, nil
	}

	if slots[SlotTime] == "" {
		return h.askTime(ctx, msg, slots, set)
	}

	patientID, _ := strconv.Atoi(slots[SlotPatientID])
	serviceID, _ := strconv.Atoi(slots[SlotServiceID])
	b, err := h.backend.CreateBooking(ctx, backend.NewBooking{
		PatientID: patientID,
		ServiceID: serviceID,
		StartDate: slots[SlotDate],
		StartTime: slots[SlotTime],
	})
	if err != nil {
		return "", session.Mutations{}, fmt.Errorf("creating booking: %w", err)
	}
	h.logger.Info("booking created", "booking_id", b.ID, "conversation_id", msg.ConversationID)

	reply := say(msg.Text,
		fmt.Sprintf("Your booking is **confirmed**: %s on %s at %s (ref #%d).", slots[SlotService], b.StartDate, b.StartTime, b.ID),
		fmt.Sprintf("تم تأكيد حجزك ✅ %s يوم %s الساعة %s (رقم #%d).", slots[SlotService], b.StartDate, b.StartTime, b.ID))
	return reply, session.Mutations{
		ClearAll:      true,
		Set:           map[string]string{SlotPatientID: slots[SlotPatientID]},
		PendingAction: session.Pending(""),
	}, nil
}

// chooseService resolves text to a service by menu number or search.
func (h *Booking) chooseService(ctx context.Context, text string, options []string, put func(k, v string)) error {
	if opt, ok := pick(text, options); ok {
		id, name, _ := strings.Cut(opt, ":")
		put(SlotServiceID, id)
		put(SlotService, name)
		return nil
	}
	services, err := h.backend.Services(ctx, strings.TrimSpace(text))
	if err != nil {
		return fmt.Errorf("searching services: %w", err)
	}
	if len(services) > 0 {
		put(SlotServiceID, strconv.Itoa(services[0].ID))
		put(SlotService, services[0].Name)
	}
	return nil
}

func (h *Booking) askService(ctx context.Context, msg conversation.InboundMessage, set map[string]string) (string, session.Mutations, error) {
	services, err := h.backend.Services(ctx, "")
	if err != nil {
		return "", session.Mutations{}, fmt.Errorf("listing services: %w", err)
	}
	if len(services) > maxOptions {
		services = services[:maxOptions]
	}

	var b strings.Builder
	b.WriteString(say(msg.Text, "Which service would you like to book?\n\n", "وش الخدمة اللي تبي تحجزها؟\n\n"))
	options := make([]string, 0, len(services))
	for i, s := range services {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s.Name)
		options = append(options, strconv.Itoa(s.ID)+":"+s.Name)
	}
	set[SlotServiceChoice] = strings.Join(options, "|")
	return b.String(), session.Mutations{Set: set, PendingAction: session.Pending(StepBookingService)}, nil
}

func (h *Booking) askTime(ctx context.Context, msg conversation.InboundMessage, slots, set map[string]string) (string, session.Mutations, error) {
	serviceID, _ := strconv.Atoi(slots[SlotServiceID])
	patientID, _ := strconv.Atoi(slots[SlotPatientID])
	free, err := h.backend.Slots(ctx, backend.SlotQuery{ServiceID: serviceID, Date: slots[SlotDate], PatientID: patientID})
	if err != nil {
		return "", session.Mutations{}, fmt.Errorf("listing slots: %w", err)
	}
	if len(free) == 0 {
		reply := say(msg.Text,
			fmt.Sprintf("No times are free on %s. Which other day works for you?", slots[SlotDate]),
			fmt.Sprintf("ما فيه مواعيد متاحة يوم %s. أي يوم ثاني يناسبك؟", slots[SlotDate]))
		return reply, session.Mutations{Set: set, Clear: []string{SlotDate}, PendingAction: session.Pending(StepBookingDate)}, nil
	}
	if len(free) > maxOptions {
		free = free[:maxOptions]
	}

	var b strings.Builder
	b.WriteString(say(msg.Text,
		fmt.Sprintf("Available times on %s:\n\n", slots[SlotDate]),
		fmt.Sprintf("المواعيد المتاحة يوم %s:\n\n", slots[SlotDate])))
	options := make([]string, 0, len(free))
	for i, s := range free {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s.Time)
		options = append(options, s.Time)
	}
	set[SlotTimeChoice] = strings.Join(options, "|")
	return b.String(), session.Mutations{Set: set, PendingAction: session.Pending(StepBookingTime)}, nil
}
