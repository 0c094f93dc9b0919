// ABOUTME: InboundMessage and the identity helpers derived from it.
// ABOUTME: Conversation keys come from sender addresses; idempotency keys from gateway IDs.

package conversation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DedupeBucket is the width of the time bucket used when hashing messages
// that arrive without a gateway-assigned ID.
const DedupeBucket = 5 * time.Second

// InboundMessage is a normalized chat message handed to the orchestrator.
type InboundMessage struct {
	ID             string
	ConversationID string
	Sender         string
	Text           string
	ReceivedAt     time.Time
	Metadata       map[string]string
}

// IdempotencyKey returns the duplicate-suppression key for the message.
func (m InboundMessage) IdempotencyKey() string {
	if m.ID != "" {
		return "msg:" + m.ID
	}
	bucket := m.ReceivedAt.Unix() / int64(DedupeBucket/time.Second)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", m.Sender, m.Text, bucket)))
	return "hash:" + hex.EncodeToString(sum[:16])
}

// ConversationKey builds a stable conversation ID from a channel name and a
// sender address. Phone-like addresses are reduced to their digits.
func ConversationKey(channel, address string) string {
	return channel + ":" + NormalizePhone(address)
}

// NormalizePhone strips WhatsApp JID suffixes, the leading plus sign, and any
// formatting characters, leaving only digits. Non-numeric addresses are
// returned trimmed but otherwise unchanged.
func NormalizePhone(address string) string {
	addr := strings.TrimSpace(address)
	if i := strings.IndexByte(addr, '@'); i >= 0 {
		addr = addr[:i]
	}
	// Multi-device JIDs carry a ":<device>" suffix on the user part.
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		addr = addr[:i]
	}

	var b strings.Builder
	for _, r := range addr {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return addr
		}
	}
	return b.String()
}
