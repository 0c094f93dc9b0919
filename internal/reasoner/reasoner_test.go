// ABOUTME: Tests for reply parsing, the keyword engine, and the LLM engines
// ABOUTME: against httptest servers speaking the provider wire formats.

package reasoner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	openaioption "github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge/internal/conversation"
	"github.com/2389/concierge/internal/resilience"
	"github.com/2389/concierge/internal/session"
)

func TestParseReplyCandidates(t *testing.T) {
	raw := "```json\n" + `{"candidates":[{"intent":"booking","confidence":0.9},{"intent":"resource","confidence":0.4}],
"entities":{"doctor":"Dr. Sara","count":2,"empty":""},"reasoning":"asks for a slot"}` + "\n```"

	c, err := parseReply(raw)
	require.NoError(t, err)
	require.Len(t, c.Candidates, 2)
	assert.Equal(t, conversation.IntentBooking, c.Candidates[0].Intent)
	assert.Equal(t, conversation.IntentResource, c.Candidates[1].Intent)
	assert.Equal(t, map[string]string{"doctor": "Dr. Sara", "count": "2"}, c.Entities)
	assert.Equal(t, "asks for a slot", c.Reason)
}

func TestParseReplySingleIntent(t *testing.T) {
	c, err := parseReply(`{"intent":"Greeting","confidence":0.95,"reasoning":"hi"}`)
	require.NoError(t, err)
	require.Len(t, c.Candidates, 1)
	assert.Equal(t, conversation.IntentGeneric, c.Candidates[0].Intent)
	assert.InDelta(t, 0.95, c.Candidates[0].Confidence, 1e-9)
}

func TestParseReplyMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":       "I think this is a booking",
		"broken json":    `{"intent": booking}`,
		"no candidates":  `{"reasoning":"unsure"}`,
		"unknown intent": `{"intent":"weather","confidence":0.9}`,
		"out of range":   `{"intent":"booking","confidence":1.7}`,
		"missing score":  `{"intent":"booking"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseReply(raw)
			assert.ErrorIs(t, err, ErrMalformedReply)
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt(Request{
		Text:          "tomorrow at 5",
		History:       []session.Turn{{Role: session.RoleUser, Text: "book with Dr. Sara"}},
		Slots:         map[string]string{"doctor": "Sara", "branch": "north"},
		PendingAction: "booking_time",
	})
	assert.Contains(t, p, "user: book with Dr. Sara")
	assert.Contains(t, p, "- branch: north\n- doctor: Sara")
	assert.Contains(t, p, "waiting for: booking_time")
	assert.Contains(t, p, `Latest message: "tomorrow at 5"`)
}

func TestRulesEngine(t *testing.T) {
	cases := []struct {
		text       string
		intent     conversation.Intent
		confidence float64
	}{
		{"ابي احجز موعد", conversation.IntentBooking, 0.8},
		{"I want to book an appointment", conversation.IntentBooking, 0.8},
		{"please register me", conversation.IntentRegistration, 0.8},
		{"ابي تسجيل", conversation.IntentRegistration, 0.8},
		{"Hello!", conversation.IntentGeneric, 0.9},
		{"هلا والله", conversation.IntentGeneric, 0.9},
		{"what services do you have", conversation.IntentResource, 0.6},
		// "hi" inside another word is not a greeting.
		{"this laser offer", conversation.IntentResource, 0.6},
	}
	e := NewRulesEngine()
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			c, err := e.Classify(context.Background(), Request{Text: tc.text})
			require.NoError(t, err)
			require.Len(t, c.Candidates, 1)
			assert.Equal(t, tc.intent, c.Candidates[0].Intent)
			assert.InDelta(t, tc.confidence, c.Candidates[0].Confidence, 1e-9)
		})
	}
}

func openAIServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "Latest message")

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEngineClassify(t *testing.T) {
	srv := openAIServer(t, http.StatusOK, `{"candidates":[{"intent":"patient_registration","confidence":0.88}]}`)
	e := NewOpenAIEngine(OpenAIOptions{APIKey: "test"}, openaioption.WithBaseURL(srv.URL+"/"))

	c, err := e.Classify(context.Background(), Request{Text: "register me"})
	require.NoError(t, err)
	require.Len(t, c.Candidates, 1)
	assert.Equal(t, conversation.IntentRegistration, c.Candidates[0].Intent)
}

func TestOpenAIEngineRemoteError(t *testing.T) {
	srv := openAIServer(t, http.StatusServiceUnavailable, "")
	e := NewOpenAIEngine(OpenAIOptions{APIKey: "test"}, openaioption.WithBaseURL(srv.URL+"/"))

	_, err := e.Classify(context.Background(), Request{Text: "hi"})
	var re *resilience.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusServiceUnavailable, re.StatusCode)
	assert.Equal(t, 7*time.Second, re.RetryAfter)
	assert.True(t, resilience.IsTransient(err))
}

func TestOpenAIEngineMalformed(t *testing.T) {
	srv := openAIServer(t, http.StatusOK, "sure, happy to help")
	e := NewOpenAIEngine(OpenAIOptions{APIKey: "test"}, openaioption.WithBaseURL(srv.URL+"/"))

	_, err := e.Classify(context.Background(), Request{Text: "hi"})
	assert.ErrorIs(t, err, ErrMalformedReply)
}

func TestAnthropicEngineClassify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       defaultAnthropicModel,
			"stop_reason": "end_turn",
			"content": []map[string]any{{
				"type": "text",
				"text": `{"intent":"booking","confidence":0.7,"entities":{"service":"laser"}}`,
			}},
			"usage": map[string]any{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	e := NewAnthropicEngine(AnthropicOptions{APIKey: "test"}, anthropicoption.WithBaseURL(srv.URL))
	c, err := e.Classify(context.Background(), Request{Text: "laser booking"})
	require.NoError(t, err)
	require.Len(t, c.Candidates, 1)
	assert.Equal(t, conversation.IntentBooking, c.Candidates[0].Intent)
	assert.Equal(t, "laser", c.Entities["service"])
}

func TestAnthropicEngineRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	e := NewAnthropicEngine(AnthropicOptions{APIKey: "test"}, anthropicoption.WithBaseURL(srv.URL))
	_, err := e.Classify(context.Background(), Request{Text: "hi"})
	var re *resilience.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusTooManyRequests, re.StatusCode)
}
