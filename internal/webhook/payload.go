// ABOUTME: WaSender webhook payload decoding into inbound conversation messages.
// ABOUTME: Accepts both the event envelope and the legacy body.data.messages shape.

package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/2389/concierge/internal/conversation"
)

// ErrInvalidPayload is returned for bodies that are not WaSender webhooks.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// EventMessagesReceived is the event name of inbound message webhooks.
const EventMessagesReceived = "messages.received"

// Channel prefixes conversation IDs built from WhatsApp senders.
const Channel = "whatsapp"

const (
	maxTextLength  = 4000
	minPhoneDigits = 10
)

type envelope struct {
	Event string          `json:"event"`
	Data  *messagesData   `json:"data"`
	Body  *legacyEnvelope `json:"body"`
}

type legacyEnvelope struct {
	Data *messagesData `json:"data"`
}

type messagesData struct {
	// Messages is a single object in the event format and an array in the
	// legacy format.
	Messages json.RawMessage `json:"messages"`
}

type waMessage struct {
	Key struct {
		RemoteJid       string `json:"remoteJid"`
		FromMe          bool   `json:"fromMe"`
		ID              string `json:"id"`
		SenderPn        string `json:"senderPn"`
		CleanedSenderPn string `json:"cleanedSenderPn"`
		AddressingMode  string `json:"addressingMode"`
	} `json:"key"`
	Message          map[string]json.RawMessage `json:"message"`
	PushName         string                     `json:"pushName"`
	MessageTimestamp int64                      `json:"messageTimestamp"`
}

// Parsed is one decoded inbound message, or the reason it was skipped.
type Parsed struct {
	Message conversation.InboundMessage
	Skipped string
}

// typoFixer repairs the capitalized booleans some gateway builds emit.
var typoFixer = strings.NewReplacer(`Falsee`, `false`, `Truee`, `true`)

var nonDigit = regexp.MustCompile(`\D`)

// ParsePayload decodes a WaSender webhook body. Messages sent by the bot
// itself and messages with no usable sender come back with Skipped set.
func ParsePayload(body []byte, now time.Time) ([]Parsed, error) {
	body = []byte(typoFixer.Replace(string(body)))

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	var data *messagesData
	switch {
	case env.Event != "" && env.Event != EventMessagesReceived:
		return nil, fmt.Errorf("%w: unexpected event %q", ErrInvalidPayload, env.Event)
	case env.Data != nil:
		data = env.Data
	case env.Body != nil && env.Body.Data != nil:
		data = env.Body.Data
	default:
		return nil, fmt.Errorf("%w: missing data.messages", ErrInvalidPayload)
	}

	raw := bytes.TrimSpace(data.Messages)
	var msgs []waMessage
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return nil, fmt.Errorf("%w: no messages", ErrInvalidPayload)
	case raw[0] == '[':
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil, fmt.Errorf("%w: messages: %w", ErrInvalidPayload, err)
		}
	default:
		var m waMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: message: %w", ErrInvalidPayload, err)
		}
		msgs = []waMessage{m}
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrInvalidPayload)
	}

	out := make([]Parsed, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.parse(now))
	}
	return out, nil
}

func (m waMessage) parse(now time.Time) Parsed {
	if m.Key.FromMe {
		return Parsed{Skipped: "from_me"}
	}
	phone := m.phone()
	if len(phone) < minPhoneDigits {
		return Parsed{Skipped: "no_sender"}
	}

	text, kind := m.content()
	text = strings.TrimSpace(text)
	if text == "" {
		return Parsed{Skipped: "empty_text"}
	}
	if r := []rune(text); len(r) > maxTextLength {
		text = string(r[:maxTextLength])
	}

	received := now
	if m.MessageTimestamp > 0 {
		received = time.Unix(m.MessageTimestamp, 0)
	}

	meta := map[string]string{"message_type": kind}
	if name := pushName(m.PushName); name != "" {
		meta["push_name"] = name
	}

	return Parsed{Message: conversation.InboundMessage{
		ID:             m.Key.ID,
		ConversationID: conversation.ConversationKey(Channel, phone),
		Sender:         phone,
		Text:           text,
		ReceivedAt:     received,
		Metadata:       meta,
	}}
}

// phone prefers the gateway's cleaned phone number over the JID, which is an
// opaque LID in lid addressing mode.
func (m waMessage) phone() string {
	switch {
	case m.Key.CleanedSenderPn != "":
		return nonDigit.ReplaceAllString(m.Key.CleanedSenderPn, "")
	case m.Key.SenderPn != "":
		return jidDigits(m.Key.SenderPn)
	case m.Key.AddressingMode == "lid":
		return ""
	default:
		return jidDigits(m.Key.RemoteJid)
	}
}

func jidDigits(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	return nonDigit.ReplaceAllString(user, "")
}

// content extracts display text and a message type label. Media without a
// caption becomes a bracketed placeholder so the conversation still records it.
func (m waMessage) content() (string, string) {
	str := func(key string) string {
		var s string
		_ = json.Unmarshal(m.Message[key], &s)
		return s
	}
	field := func(key, name, fallback string) string {
		var obj map[string]any
		if err := json.Unmarshal(m.Message[key], &obj); err == nil {
			if v, ok := obj[name].(string); ok && v != "" {
				return v
			}
		}
		return fallback
	}

	switch {
	case m.Message["conversation"] != nil:
		return str("conversation"), "text"
	case m.Message["extendedTextMessage"] != nil:
		return field("extendedTextMessage", "text", ""), "text"
	case m.Message["imageMessage"] != nil:
		return field("imageMessage", "caption", "[Image]"), "image"
	case m.Message["audioMessage"] != nil:
		return "[Audio Message]", "audio"
	case m.Message["videoMessage"] != nil:
		return field("videoMessage", "caption", "[Video]"), "video"
	case m.Message["documentMessage"] != nil:
		return "[Document: " + field("documentMessage", "fileName", "Document") + "]", "document"
	case m.Message["locationMessage"] != nil:
		return "[Location: " + field("locationMessage", "name", "Location") + "]", "location"
	case m.Message["contactMessage"] != nil:
		return "[Contact: " + field("contactMessage", "displayName", "Contact") + "]", "contact"
	default:
		return "", "unknown"
	}
}

// pushName drops placeholder display names.
func pushName(name string) string {
	name = strings.TrimSpace(name)
	switch name {
	case "", ".", "..", "...", "null", "undefined", "None", "Unknown":
		return ""
	}
	if len([]rune(name)) < 2 {
		return ""
	}
	return name
}
