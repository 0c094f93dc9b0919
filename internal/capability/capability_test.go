// ABOUTME: Tests for the booking, registration, resource, and menu handlers
// ABOUTME: driven turn by turn against an in-memory fake backend.

package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge/internal/backend"
	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/session"
)

type fakeBackend struct {
	patients map[string]backend.Patient
	services []backend.Service
	doctors  []backend.Doctor
	slots    []backend.Slot
	bookings []backend.NewBooking
	created  []backend.NewPatient
	err      error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		patients: map[string]backend.Patient{},
		services: []backend.Service{{ID: 11, Name: "Laser", Price: 300}, {ID: 12, Name: "Filler", Price: 900}},
		doctors:  []backend.Doctor{{ID: 3, Name: "Dr. Sara", Specialty: "Dermatology"}},
		slots:    []backend.Slot{{Time: "10:00", Minute: 600}, {Time: "10:30", Minute: 630}},
	}
}

func (f *fakeBackend) PatientByPhone(_ context.Context, phone string) (backend.Patient, error) {
	if f.err != nil {
		return backend.Patient{}, f.err
	}
	p, ok := f.patients[backend.LocalPhone(phone)]
	if !ok {
		return backend.Patient{}, backend.ErrNotFound
	}
	return p, nil
}

func (f *fakeBackend) CreatePatient(_ context.Context, np backend.NewPatient) (backend.Patient, error) {
	f.created = append(f.created, np)
	p := backend.Patient{ID: 100 + len(f.created), Name: np.Name, Phone: backend.LocalPhone(np.Phone)}
	f.patients[p.Phone] = p
	return p, nil
}

func (f *fakeBackend) Services(_ context.Context, q string) ([]backend.Service, error) {
	if q == "" {
		return f.services, nil
	}
	var out []backend.Service
	for _, s := range f.services {
		if s.Name == q {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeBackend) Doctors(context.Context) ([]backend.Doctor, error) { return f.doctors, nil }

func (f *fakeBackend) Slots(context.Context, backend.SlotQuery) ([]backend.Slot, error) {
	return f.slots, nil
}

func (f *fakeBackend) CreateBooking(_ context.Context, nb backend.NewBooking) (backend.Booking, error) {
	f.bookings = append(f.bookings, nb)
	return backend.Booking{ID: 900, PatientID: nb.PatientID, StartDate: nb.StartDate, StartTime: nb.StartTime}, nil
}

const sender = "966501234567"

// turn runs one message through h and applies the mutations to st.
func turn(t *testing.T, h interface {
	Handle(context.Context, conversation.Decision, conversation.InboundMessage, *session.State) (string, session.Mutations, error)
}, st *session.State, text string) string {
	t.Helper()
	msg := conversation.InboundMessage{ID: text, ConversationID: "whatsapp:" + sender, Sender: sender, Text: text}
	reply, muts, err := h.Handle(context.Background(), conversation.Decision{}, msg, st)
	require.NoError(t, err)
	st.Apply(muts)
	return reply
}

func TestBookingFlow(t *testing.T) {
	fb := newFakeBackend()
	fb.patients["501234567"] = backend.Patient{ID: 7, Name: "Noura"}
	h := NewBooking(fb, nil)
	h.now = func() time.Time { return time.Date(2026, 11, 1, 9, 0, 0, 0, time.UTC) }
	st := session.New("c")

	reply := turn(t, h, st, "I want to book")
	assert.Contains(t, reply, "1. Laser")
	assert.Equal(t, StepBookingService, st.PendingAction)

	reply = turn(t, h, st, "2")
	assert.Contains(t, reply, "Filler")
	assert.Equal(t, StepBookingDate, st.PendingAction)

	reply = turn(t, h, st, "tomorrow")
	assert.Contains(t, reply, "2026-11-02")
	assert.Contains(t, reply, "2. 10:30")
	assert.Equal(t, StepBookingTime, st.PendingAction)

	reply = turn(t, h, st, "2")
	assert.Contains(t, reply, "confirmed")
	require.Len(t, fb.bookings, 1)
	assert.Equal(t, backend.NewBooking{PatientID: 7, ServiceID: 12, StartDate: "2026-11-02", StartTime: "10:30"}, fb.bookings[0])
	assert.Empty(t, st.PendingAction)
	assert.Equal(t, map[string]string{SlotPatientID: "7"}, st.Context)
}

func TestBookingNoSlotsAsksAnotherDay(t *testing.T) {
	fb := newFakeBackend()
	fb.slots = nil
	h := NewBooking(fb, nil)
	st := session.New("c")
	st.Context = map[string]string{SlotPatientID: "7", SlotServiceID: "11", SlotService: "Laser"}
	st.PendingAction = StepBookingDate

	reply := turn(t, h, st, "2026-12-01")
	assert.Contains(t, reply, "No times are free on 2026-12-01")
	assert.Equal(t, StepBookingDate, st.PendingAction)
	assert.NotContains(t, st.Context, SlotDate)
}

func TestBookingUnregisteredDetoursToRegistration(t *testing.T) {
	fb := newFakeBackend()
	st := session.New("c")

	reply := turn(t, NewBooking(fb, nil), st, "ابي احجز")
	assert.Contains(t, reply, "اسمك")
	assert.Equal(t, StepRegisterName, st.PendingAction)

	reg := NewRegistration(fb, nil)
	turn(t, reg, st, "Noura Alharbi")
	assert.Equal(t, StepRegisterID, st.PendingAction)

	reply = turn(t, reg, st, "١٠٢٣٤٥٦٧٨٩")
	assert.Contains(t, reply, "Noura Alharbi")
	require.Len(t, fb.created, 1)
	assert.Equal(t, "1023456789", fb.created[0].NationalID)
	assert.Equal(t, StepBookingService, st.PendingAction)
	assert.Equal(t, "101", st.Context[SlotPatientID])
}

func TestRegistrationAlreadyRegistered(t *testing.T) {
	fb := newFakeBackend()
	fb.patients["501234567"] = backend.Patient{ID: 7, Name: "Noura"}
	st := session.New("c")

	reply := turn(t, NewRegistration(fb, nil), st, "register me")
	assert.Contains(t, reply, "already registered as **Noura**")
	assert.Equal(t, "7", st.Context[SlotPatientID])
}

func TestRegistrationRejectsBadNationalID(t *testing.T) {
	fb := newFakeBackend()
	st := session.New("c")
	st.Context[SlotPatientName] = "Noura"
	st.PendingAction = StepRegisterID

	reply := turn(t, NewRegistration(fb, nil), st, "12345")
	assert.Contains(t, reply, "10-digit")
	assert.Empty(t, fb.created)
}

func TestBackendErrorsPropagate(t *testing.T) {
	fb := newFakeBackend()
	fb.err = errors.New("backend down")
	msg := conversation.InboundMessage{Sender: sender, Text: "book"}

	_, _, err := NewBooking(fb, nil).Handle(context.Background(), conversation.Decision{}, msg, session.New("c"))
	assert.ErrorContains(t, err, "backend down")
}

func TestResource(t *testing.T) {
	h := NewResource(newFakeBackend())
	st := session.New("c")

	reply := turn(t, h, st, "what services do you have?")
	assert.Contains(t, reply, "- Laser: 300 SAR")

	reply = turn(t, h, st, "show me doctors")
	assert.Contains(t, reply, "Dr. Sara (Dermatology)")

	reply = turn(t, h, st, "وش عندكم دكاترة")
	assert.Contains(t, reply, "أطباؤنا")
}

func TestGeneric(t *testing.T) {
	st := session.New("c")
	assert.Contains(t, turn(t, Generic{}, st, "hello"), "1. Book an appointment")
	assert.Contains(t, turn(t, Generic{}, st, "شكراً"), "العفو")
}

func TestMenu(t *testing.T) {
	fb := newFakeBackend()
	fb.patients["501234567"] = backend.Patient{ID: 7, Name: "Noura"}
	_, menu := NewHandlers(fb, nil)

	st := session.New("c")
	assert.Contains(t, turn(t, menu, st, "umm"), "How can I help")

	reply := turn(t, menu, st, "3")
	assert.Contains(t, reply, "Our services")

	reply = turn(t, menu, st, "book please")
	assert.Contains(t, reply, "Which service")
	assert.Equal(t, StepBookingService, st.PendingAction)

	// Open flows resume even without keywords.
	reply = turn(t, menu, st, "1")
	assert.Contains(t, reply, "Which day")
}

func TestParseDate(t *testing.T) {
	now := time.Date(2026, 11, 20, 9, 0, 0, 0, time.UTC)
	cases := map[string]string{
		"today":         "2026-11-20",
		"بكرة":          "2026-11-21",
		"on 2026-12-05": "2026-12-05",
		"25/11":         "2026-11-25",
		"3/1":           "2027-01-03",
	}
	for in, want := range cases {
		got, ok := parseDate(in, now)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := parseDate("whenever", now)
	assert.False(t, ok)
}

func TestParseTime(t *testing.T) {
	got, ok := parseTime("at 9:30 please", nil)
	require.True(t, ok)
	assert.Equal(t, "09:30", got)

	got, ok = parseTime("٢", []string{"10:00", "10:30"})
	require.True(t, ok)
	assert.Equal(t, "10:30", got)

	_, ok = parseTime("3", []string{"10:00"})
	assert.False(t, ok)
}
