// ABOUTME: Intent labels, scored candidates, and the routing decision record.
// ABOUTME: Priority ordering breaks confidence ties between candidates.

package conversation

import (
	"fmt"
	"strings"
)

// Intent labels a class of user request.
type Intent string

const (
	IntentBooking      Intent = "booking"
	IntentRegistration Intent = "patient_registration"
	IntentResource     Intent = "resource_lookup"
	IntentGeneric      Intent = "generic"
)

// Intents lists the known intents from highest to lowest priority.
var Intents = []Intent{IntentBooking, IntentRegistration, IntentResource, IntentGeneric}

// Priority returns the tie-break rank of an intent. Higher wins. Unknown
// intents rank below every known one.
func (i Intent) Priority() int {
	for idx, known := range Intents {
		if known == i {
			return len(Intents) - idx
		}
	}
	return 0
}

// Valid reports whether the intent is one of the known labels.
func (i Intent) Valid() bool {
	return i.Priority() > 0
}

// ParseIntent maps loose labels from reasoning engines onto known intents.
func ParseIntent(s string) (Intent, error) {
	switch s {
	case "booking", "book", "appointment":
		return IntentBooking, nil
	case "patient_registration", "registration", "register", "patient":
		return IntentRegistration, nil
	case "resource_lookup", "resource", "lookup", "faq", "information":
		return IntentResource, nil
	case "generic", "greeting", "general", "smalltalk":
		return IntentGeneric, nil
	}
	return "", fmt.Errorf("unknown intent %q", s)
}

// PendingStep names a step of a multi-turn flow owned by intent, stored as
// the session's pending action.
func PendingStep(intent Intent, step string) string {
	return string(intent) + ":" + step
}

// PendingOwner returns the intent that owns a pending action built by
// PendingStep.
func PendingOwner(action string) (Intent, bool) {
	name, _, ok := strings.Cut(action, ":")
	if !ok {
		return "", false
	}
	i := Intent(name)
	return i, i.Valid()
}

// Candidate is one scored intent proposed by a reasoning engine.
type Candidate struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Best returns the highest-confidence candidate, breaking ties by intent
// priority. ok is false when candidates is empty.
func Best(candidates []Candidate) (best Candidate, ok bool) {
	for i, c := range candidates {
		if i == 0 ||
			c.Confidence > best.Confidence ||
			(c.Confidence == best.Confidence && c.Intent.Priority() > best.Intent.Priority()) {
			best = c
			ok = true
		}
	}
	return best, ok
}

// Decision is the router's verdict for one message. It is logged but never
// persisted.
type Decision struct {
	Intent     Intent
	Confidence float64
	Entities   map[string]string
	Handler    string
	Fallback   bool
	Reason     string
}
