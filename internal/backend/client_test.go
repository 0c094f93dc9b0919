// ABOUTME: Tests for the backend client against an httptest server.
// ABOUTME: Covers token replay on 401, retry rules, and 404 handling.

package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge/internal/credential"
	"github.com/2389/concierge/internal/resilience"
)

type fakeTokens struct {
	mu          sync.Mutex
	seq         int
	current     string
	invalidated []string
}

func (f *fakeTokens) Token(context.Context) (credential.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == "" {
		f.seq++
		f.current = "tok-" + string(rune('0'+f.seq))
	}
	return credential.Credential{Token: f.current, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) Invalidate(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, token)
	if f.current == token {
		f.current = ""
	}
}

func newTestClient(t *testing.T, h http.Handler) (*Client, *fakeTokens, *resilience.Gateway) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	p := resilience.DefaultPolicy()
	p.CallTimeout = 0
	gw := resilience.New(p, nil, nil,
		resilience.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	tokens := &fakeTokens{}
	return New(srv.URL+"/", gw, tokens, srv.Client(), nil), tokens, gw
}

func TestPatientByPhone(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/patients/501234567", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(Patient{ID: 42, Name: "Noura", Phone: "501234567"})
	}))

	p, err := c.PatientByPhone(context.Background(), "+966501234567")
	require.NoError(t, err)
	assert.Equal(t, 42, p.ID)
}

func TestUnauthorizedReplaysWithFreshToken(t *testing.T) {
	var calls atomic.Int32
	c, tokens, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(page[Doctor]{Count: 1, Results: []Doctor{{ID: 3, Name: "Dr. Sara"}}})
	}))

	docs, err := c.Doctors(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"tok-1"}, tokens.invalidated)
}

func TestUnauthorizedTwiceFails(t *testing.T) {
	c, tokens, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.Doctors(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Len(t, tokens.invalidated, 2)
}

func TestNotFoundKeepsCircuitClosed(t *testing.T) {
	c, _, gw := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	for range 10 {
		_, err := c.PatientByPhone(context.Background(), "0501234567")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, resilience.StateClosed, gw.State(Dependency))
}

func TestReadsRetryTransientFailures(t *testing.T) {
	var calls atomic.Int32
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"slots": []Slot{{Time: "10:00", Minute: 600}}})
	}))

	slots, err := c.Slots(context.Background(), SlotQuery{ServiceID: 127, Date: "2026-11-02", DoctorID: 3})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "10:00", slots[0].Time)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCreatesAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.CreateBooking(context.Background(), NewBooking{PatientID: 1, ServiceID: 2, StartDate: "2026-11-02", StartTime: "10:00"})
	var re *resilience.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusServiceUnavailable, re.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCreateBookingSendsPayload(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/booking/create", r.URL.Path)
		var nb NewBooking
		require.NoError(t, json.NewDecoder(r.Body).Decode(&nb))
		assert.Equal(t, "10:30", nb.StartTime)
		_ = json.NewEncoder(w).Encode(Booking{ID: 900, PatientID: nb.PatientID, StartTime: nb.StartTime})
	}))

	b, err := c.CreateBooking(context.Background(), NewBooking{PatientID: 1, ServiceID: 2, StartDate: "2026-11-02", StartTime: "10:30"})
	require.NoError(t, err)
	assert.Equal(t, 900, b.ID)

	_, err = c.CreateBooking(context.Background(), NewBooking{PatientID: 1, ServiceID: 2, StartTime: "10:30:00"})
	assert.Error(t, err)
}

func TestLocalPhone(t *testing.T) {
	assert.Equal(t, "501234567", LocalPhone("+966 50-123-4567"))
	assert.Equal(t, "501234567", LocalPhone("0501234567"))
	assert.Equal(t, "501234567", LocalPhone("966501234567"))
}
