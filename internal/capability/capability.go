// ABOUTME: Shared pieces for capability handlers: backend interface, slot names,
// ABOUTME: pending steps, and bilingual reply helpers.

package capability

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/2389/concierge/internal/backend"
	"github.com/2389/concierge/internal/conversation"
)

// Backend is the part of the backend API the handlers use.
type Backend interface {
	PatientByPhone(ctx context.Context, phone string) (backend.Patient, error)
	CreatePatient(ctx context.Context, np backend.NewPatient) (backend.Patient, error)
	Services(ctx context.Context, q string) ([]backend.Service, error)
	Doctors(ctx context.Context) ([]backend.Doctor, error)
	Slots(ctx context.Context, q backend.SlotQuery) ([]backend.Slot, error)
	CreateBooking(ctx context.Context, nb backend.NewBooking) (backend.Booking, error)
}

// Session slot names.
const (
	SlotPatientID     = "patient_id"
	SlotPatientName   = "name"
	SlotNationalID    = "national_id"
	SlotService       = "service"
	SlotServiceID     = "service_id"
	SlotServiceChoice = "service_options"
	SlotDate          = "date"
	SlotTime          = "time"
	SlotTimeChoice    = "time_options"
	SlotResume        = "resume"
)

var (
	StepBookingService = conversation.PendingStep(conversation.IntentBooking, "service")
	StepBookingDate    = conversation.PendingStep(conversation.IntentBooking, "date")
	StepBookingTime    = conversation.PendingStep(conversation.IntentBooking, "time")
	StepRegisterName   = conversation.PendingStep(conversation.IntentRegistration, "name")
	StepRegisterID     = conversation.PendingStep(conversation.IntentRegistration, "national_id")
)

var (
	timePattern       = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\b`)
	isoDatePattern    = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	dayMonthPattern   = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})\b`)
	nationalIDPattern = regexp.MustCompile(`\b[12]\d{9}\b`)
)

// arabic reports whether text contains Arabic letters.
func arabic(text string) bool {
	for _, r := range text {
		if unicode.Is(unicode.Arabic, r) {
			return true
		}
	}
	return false
}

// say picks the reply language from the user's message.
func say(userText, en, ar string) string {
	if arabic(userText) {
		return ar
	}
	return en
}

// digits maps Arabic-Indic digits to ASCII so numeric answers parse the same
// in either script.
var digits = strings.NewReplacer(
	"٠", "0", "١", "1", "٢", "2", "٣", "3", "٤", "4",
	"٥", "5", "٦", "6", "٧", "7", "٨", "8", "٩", "9",
)

func normalizeDigits(s string) string {
	return digits.Replace(strings.TrimSpace(s))
}

// parseDate understands relative words, ISO dates, and day/month.
func parseDate(text string, now time.Time) (string, bool) {
	t := strings.ToLower(normalizeDigits(text))
	switch {
	case strings.Contains(t, "today"), strings.Contains(t, "اليوم"):
		return now.Format(time.DateOnly), true
	case strings.Contains(t, "tomorrow"), strings.Contains(t, "بكرة"),
		strings.Contains(t, "بكره"), strings.Contains(t, "غدا"):
		return now.AddDate(0, 0, 1).Format(time.DateOnly), true
	}
	if m := isoDatePattern.FindString(t); m != "" {
		if d, err := time.Parse(time.DateOnly, m); err == nil {
			return d.Format(time.DateOnly), true
		}
	}
	if m := dayMonthPattern.FindStringSubmatch(t); m != nil {
		d, err := time.Parse("2/1/2006", m[1]+"/"+m[2]+"/"+now.Format("2006"))
		if err == nil {
			if d.Before(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)) {
				d = d.AddDate(1, 0, 0)
			}
			return d.Format(time.DateOnly), true
		}
	}
	return "", false
}

// parseTime returns HH:MM from text, or the option picked by number.
func parseTime(text string, options []string) (string, bool) {
	t := normalizeDigits(text)
	if m := timePattern.FindStringSubmatch(t); m != nil {
		h := m[1]
		if len(h) == 1 {
			h = "0" + h
		}
		return h + ":" + m[2], true
	}
	if opt, ok := pick(t, options); ok {
		return opt, true
	}
	return "", false
}

// pick returns options[n-1] when text is a number n within range.
func pick(text string, options []string) (string, bool) {
	t := normalizeDigits(text)
	if len(t) == 0 || len(t) > 2 {
		return "", false
	}
	n := 0
	for _, r := range t {
		if r < '0' || r > '9' {
			return "", false
		}
		n = n*10 + int(r-'0')
	}
	if n < 1 || n > len(options) {
		return "", false
	}
	return options[n-1], true
}

func splitOptions(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "|")
}
