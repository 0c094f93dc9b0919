// ABOUTME: Typed backend endpoints for patients, services, doctors, slots, and bookings.
// ABOUTME: Reads are idempotent; creates are not.

package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Patient is a registered clinic patient.
type Patient struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	NationalID string `json:"national_id,omitempty"`
}

// NewPatient is the payload for registering a patient.
type NewPatient struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	NationalID string `json:"national_id,omitempty"`
}

// Service is a bookable clinic service.
type Service struct {
	ID              int     `json:"id"`
	Name            string  `json:"name"`
	Price           float64 `json:"price,omitempty"`
	DurationMinutes int     `json:"duration_minutes,omitempty"`
}

// Doctor is a practitioner.
type Doctor struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Specialty string `json:"specialty,omitempty"`
}

// Slot is an available start time on a given date.
type Slot struct {
	Time   string `json:"time"`
	Minute int    `json:"minute"`
}

// SlotQuery selects available slots.
type SlotQuery struct {
	ServiceID int
	Date      string
	PatientID int
	DoctorID  int
}

// NewBooking is the payload for creating a booking. StartTime is HH:MM.
type NewBooking struct {
	PatientID int    `json:"patient_id"`
	ServiceID int    `json:"service_id"`
	StartDate string `json:"start_date"`
	StartTime string `json:"start_time"`
	DoctorID  int    `json:"doctor_id,omitempty"`
}

// Booking is a created appointment.
type Booking struct {
	ID        int    `json:"id"`
	PatientID int    `json:"patient_id"`
	ServiceID int    `json:"service_id"`
	StartDate string `json:"start_date"`
	StartTime string `json:"start_time"`
	State     string `json:"state,omitempty"`
}

type page[T any] struct {
	Count   int `json:"count"`
	Results []T `json:"results"`
}

// LocalPhone converts an international Saudi number to the backend's local
// form: country code and leading zero removed.
func LocalPhone(phone string) string {
	p := strings.NewReplacer("+", "", " ", "", "-", "").Replace(phone)
	p = strings.TrimPrefix(p, "966")
	return strings.TrimPrefix(p, "0")
}

// PatientByPhone looks up a patient. It returns ErrNotFound when none exists.
func (c *Client) PatientByPhone(ctx context.Context, phone string) (Patient, error) {
	var p Patient
	err := c.do(ctx, call{
		method:     http.MethodGet,
		path:       "/patients/" + url.PathEscape(LocalPhone(phone)),
		idempotent: true,
	}, &p)
	if err != nil {
		return Patient{}, err
	}
	if p.ID == 0 {
		return Patient{}, ErrNotFound
	}
	return p, nil
}

// CreatePatient registers a patient.
func (c *Client) CreatePatient(ctx context.Context, np NewPatient) (Patient, error) {
	if strings.TrimSpace(np.Name) == "" {
		return Patient{}, errors.New("patient name is required")
	}
	np.Phone = LocalPhone(np.Phone)
	var p Patient
	err := c.do(ctx, call{method: http.MethodPost, path: "/customer/create", body: np}, &p)
	return p, err
}

// Services lists bookable services, optionally filtered by q.
func (c *Client) Services(ctx context.Context, q string) ([]Service, error) {
	query := url.Values{"limit": {"20"}}
	if q != "" {
		query.Set("q", q)
	}
	var out page[Service]
	err := c.do(ctx, call{method: http.MethodGet, path: "/services", query: query, idempotent: true}, &out)
	return out.Results, err
}

// Doctors lists practitioners.
func (c *Client) Doctors(ctx context.Context) ([]Doctor, error) {
	var out page[Doctor]
	err := c.do(ctx, call{
		method:     http.MethodGet,
		path:       "/doctors",
		query:      url.Values{"limit": {"20"}},
		idempotent: true,
	}, &out)
	return out.Results, err
}

// Slots lists available start times.
func (c *Client) Slots(ctx context.Context, q SlotQuery) ([]Slot, error) {
	if q.ServiceID == 0 || q.Date == "" {
		return nil, errors.New("service and date are required")
	}
	query := url.Values{
		"service_id": {strconv.Itoa(q.ServiceID)},
		"date":       {q.Date},
	}
	if q.PatientID != 0 {
		query.Set("patient_id", strconv.Itoa(q.PatientID))
	}
	if q.DoctorID != 0 {
		query.Set("doctor_id", strconv.Itoa(q.DoctorID))
	}
	var out struct {
		Slots []Slot `json:"slots"`
	}
	err := c.do(ctx, call{method: http.MethodGet, path: "/slots", query: query, idempotent: true}, &out)
	return out.Slots, err
}

// CreateBooking books an appointment.
func (c *Client) CreateBooking(ctx context.Context, nb NewBooking) (Booking, error) {
	if nb.PatientID == 0 || nb.ServiceID == 0 {
		return Booking{}, errors.New("patient and service are required")
	}
	if len(nb.StartTime) != 5 {
		return Booking{}, fmt.Errorf("start time %q must be HH:MM", nb.StartTime)
	}
	var b Booking
	err := c.do(ctx, call{method: http.MethodPost, path: "/booking/create", body: nb}, &b)
	return b, err
}
