// ABOUTME: Keyword-based intent engine for Arabic and English messages.
// ABOUTME: Needs no network, so it also serves as the deterministic fallback scorer.

package reasoner

import (
	"context"
	"strings"
	"unicode"

	"github.com/2389/concierge/internal/conversation"
)

type keywordRule struct {
	intent     conversation.Intent
	confidence float64
	reason     string
	arabic     []string
	english    []string
}

var keywordRules = []keywordRule{
	{
		intent:     conversation.IntentBooking,
		confidence: 0.8,
		reason:     "booking keyword detected",
		arabic:     []string{"احجز", "حجز", "موعد", "مواعيد"},
		english:    []string{"book", "booking", "appointment", "schedule", "reschedule"},
	},
	{
		intent:     conversation.IntentRegistration,
		confidence: 0.8,
		reason:     "registration keyword detected",
		arabic:     []string{"سجل", "تسجيل", "ملف"},
		english:    []string{"register", "registration", "sign up", "signup"},
	},
	{
		intent:     conversation.IntentGeneric,
		confidence: 0.9,
		reason:     "greeting detected",
		arabic:     []string{"هلا", "مرحبا", "السلام", "شكرا", "شكراً"},
		english:    []string{"hello", "hi", "hey", "thanks", "thank you"},
	},
}

// RulesEngine scores messages by keyword. Anything without a known keyword
// is treated as a resource lookup at 0.6.
type RulesEngine struct{}

// NewRulesEngine returns the keyword engine.
func NewRulesEngine() *RulesEngine { return &RulesEngine{} }

func (RulesEngine) Name() string { return "rules" }

// Classify never fails.
func (RulesEngine) Classify(_ context.Context, req Request) (Classification, error) {
	intent, confidence, reason := MatchKeywords(req.Text)
	return Classification{
		Candidates: []conversation.Candidate{{Intent: intent, Confidence: confidence}},
		Reason:     reason,
	}, nil
}

// MatchKeywords applies the keyword rules in order and returns the first hit.
func MatchKeywords(text string) (conversation.Intent, float64, string) {
	lower := strings.ToLower(strings.TrimSpace(text))
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	joined := " " + strings.Join(words, " ") + " "

	for _, rule := range keywordRules {
		for _, kw := range rule.arabic {
			if strings.Contains(lower, kw) {
				return rule.intent, rule.confidence, rule.reason
			}
		}
		for _, kw := range rule.english {
			if strings.Contains(joined, " "+kw+" ") {
				return rule.intent, rule.confidence, rule.reason
			}
		}
	}
	return conversation.IntentResource, 0.6, "default classification"
}
