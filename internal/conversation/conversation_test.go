// ABOUTME: Tests for message identity helpers and intent tie-breaking.
// ABOUTME: Ensures idempotency keys collapse redeliveries and priorities order ties.

package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKey_UsesGatewayID(t *testing.T) {
	msg := InboundMessage{ID: "MSG1", Sender: "1", Text: "hi"}
	assert.Equal(t, "msg:MSG1", msg.IdempotencyKey())
}

func TestIdempotencyKey_HashesWithinBucket(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	a := InboundMessage{Sender: "9665", Text: "hello", ReceivedAt: base}
	b := InboundMessage{Sender: "9665", Text: "hello", ReceivedAt: base.Add(2 * time.Second)}
	c := InboundMessage{Sender: "9665", Text: "hello", ReceivedAt: base.Add(6 * time.Second)}
	d := InboundMessage{Sender: "9665", Text: "bye", ReceivedAt: base}

	assert.Equal(t, a.IdempotencyKey(), b.IdempotencyKey())
	assert.NotEqual(t, a.IdempotencyKey(), c.IdempotencyKey())
	assert.NotEqual(t, a.IdempotencyKey(), d.IdempotencyKey())
	assert.Contains(t, a.IdempotencyKey(), "hash:")
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"+966 55 123-4567", "966551234567"},
		{"966551234567@s.whatsapp.net", "966551234567"},
		{"966551234567:12@s.whatsapp.net", "966551234567"},
		{"  (555) 010  ", "555010"},
		{"alice", "alice"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizePhone(tt.in), tt.in)
	}
}

func TestConversationKey(t *testing.T) {
	assert.Equal(t, "whatsapp:966551234567", ConversationKey("whatsapp", "+966551234567@s.whatsapp.net"))
}

func TestParseIntent(t *testing.T) {
	got, err := ParseIntent("appointment")
	require.NoError(t, err)
	assert.Equal(t, IntentBooking, got)

	_, err = ParseIntent("weather")
	assert.Error(t, err)
}

func TestBest_TieBreaksByPriority(t *testing.T) {
	best, ok := Best([]Candidate{
		{Intent: IntentGeneric, Confidence: 0.7},
		{Intent: IntentResource, Confidence: 0.7},
		{Intent: IntentRegistration, Confidence: 0.7},
		{Intent: IntentBooking, Confidence: 0.7},
	})
	require.True(t, ok)
	assert.Equal(t, IntentBooking, best.Intent)

	best, _ = Best([]Candidate{
		{Intent: IntentBooking, Confidence: 0.5},
		{Intent: IntentGeneric, Confidence: 0.9},
	})
	assert.Equal(t, IntentGeneric, best.Intent)
}

func TestBest_Empty(t *testing.T) {
	_, ok := Best(nil)
	assert.False(t, ok)
}

func TestPriorityOrder(t *testing.T) {
	assert.Greater(t, IntentBooking.Priority(), IntentRegistration.Priority())
	assert.Greater(t, IntentRegistration.Priority(), IntentResource.Priority())
	assert.Greater(t, IntentResource.Priority(), IntentGeneric.Priority())
	assert.Equal(t, 0, Intent("weather").Priority())
	assert.False(t, Intent("weather").Valid())
}

func TestPendingOwner(t *testing.T) {
	step := PendingStep(IntentBooking, "date")
	assert.Equal(t, "booking:date", step)

	owner, ok := PendingOwner(step)
	require.True(t, ok)
	assert.Equal(t, IntentBooking, owner)

	_, ok = PendingOwner("weather:city")
	assert.False(t, ok)
	_, ok = PendingOwner("booking")
	assert.False(t, ok)
}
