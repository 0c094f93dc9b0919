// ABOUTME: Review queue entry describing a message that needs human follow-up.
// ABOUTME: Written when a reply could not be produced or delivered.

package conversation

import "time"

// ReviewEntry records a message whose processing ended in a failure that
// staff should look at.
type ReviewEntry struct {
	ID             string    `json:"id"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text"`
	Reply          string    `json:"reply,omitempty"`
	Reason         string    `json:"reason"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
