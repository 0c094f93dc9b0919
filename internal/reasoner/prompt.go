// ABOUTME: Shared classification prompt and JSON reply parser for LLM engines.
// ABOUTME: Tolerates code fences and single-intent or candidate-list replies.

package reasoner

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/2389/concierge/internal/conversation"
)

const systemPrompt = `You are the intent classifier for a medical center's WhatsApp assistant.
Users write in Arabic or English.

Score the user's latest message against these intents:

- booking: book, reschedule, or cancel an appointment ("ابي احجز", "I want to book", "موعد")
- patient_registration: register or update patient details ("سجل اسمي", "register", "تسجيل")
- resource_lookup: services, doctors, offers, prices, opening hours ("وش عندكم خدمات", "show me doctors", "أسعار")
- generic: greetings, thanks, feedback, small talk ("هلا", "hello", "شكراً")

Reply with ONLY a JSON object of this shape:
{"candidates":[{"intent":"booking","confidence":0.92}],"entities":{"doctor":"..."},"reasoning":"..."}

Confidence is between 0 and 1. List every plausible intent. Entities are
string values you can read directly from the conversation, such as doctor,
service, date, time, name, or national_id.`

// buildPrompt renders the user turn for an LLM engine.
func buildPrompt(req Request) string {
	var b strings.Builder
	if len(req.History) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range req.History {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
		}
		b.WriteString("\n")
	}
	if len(req.Slots) > 0 {
		b.WriteString("Known details:\n")
		for _, k := range sortedKeys(req.Slots) {
			fmt.Fprintf(&b, "- %s: %s\n", k, req.Slots[k])
		}
		b.WriteString("\n")
	}
	if req.PendingAction != "" {
		fmt.Fprintf(&b, "The assistant is waiting for: %s\n\n", req.PendingAction)
	}
	fmt.Fprintf(&b, "Latest message: %q", req.Text)
	return b.String()
}

type replyCandidate struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

type reply struct {
	Candidates []replyCandidate `json:"candidates"`
	Intent     string           `json:"intent"`
	Confidence *float64         `json:"confidence"`
	Entities   map[string]any   `json:"entities"`
	Reasoning  string           `json:"reasoning"`
}

// parseReply extracts a Classification from raw model output.
func parseReply(raw string) (Classification, error) {
	body := extractJSON(raw)
	if body == "" {
		return Classification{}, fmt.Errorf("%w: no JSON object in %q", ErrMalformedReply, truncate(raw, 80))
	}

	var r reply
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return Classification{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	raws := r.Candidates
	if len(raws) == 0 && r.Intent != "" && r.Confidence != nil {
		raws = []replyCandidate{{Intent: r.Intent, Confidence: *r.Confidence}}
	}
	if len(raws) == 0 {
		return Classification{}, fmt.Errorf("%w: no candidates", ErrMalformedReply)
	}

	out := Classification{Reason: r.Reasoning}
	for _, rc := range raws {
		intent, err := conversation.ParseIntent(strings.ToLower(strings.TrimSpace(rc.Intent)))
		if err != nil {
			return Classification{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
		}
		if rc.Confidence < 0 || rc.Confidence > 1 {
			return Classification{}, fmt.Errorf("%w: confidence %v out of range", ErrMalformedReply, rc.Confidence)
		}
		out.Candidates = append(out.Candidates, conversation.Candidate{Intent: intent, Confidence: rc.Confidence})
	}

	if len(r.Entities) > 0 {
		out.Entities = make(map[string]string, len(r.Entities))
		for k, v := range r.Entities {
			switch val := v.(type) {
			case nil:
			case string:
				if val != "" {
					out.Entities[k] = val
				}
			case float64:
				out.Entities[k] = strconv.FormatFloat(val, 'f', -1, 64)
			case bool:
				out.Entities[k] = strconv.FormatBool(val)
			}
		}
	}
	return out, nil
}

// extractJSON returns the outermost {...} span of s, skipping code fences.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
