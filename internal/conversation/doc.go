// Package conversation defines the message and intent vocabulary shared by
// every stage of the pipeline.
//
// # Messages
//
// An InboundMessage is built once by the webhook layer and never mutated:
//
//	msg := conversation.InboundMessage{
//		ID:             "3EB0C767D26A",
//		ConversationID: conversation.ConversationKey("whatsapp", "+966 55 123 4567"),
//		Sender:         "966551234567",
//		Text:           "book appointment",
//		ReceivedAt:     time.Now(),
//	}
//
// IdempotencyKey returns the key used for duplicate suppression. Gateways
// that assign message IDs get "msg:<id>". When the ID is missing, the key is a
// hash of sender, text, and a five second time bucket so that rapid
// redeliveries still collapse onto one key.
//
// # Intents
//
// The router scores a fixed set of intents. When two candidates share the
// same confidence, Priority breaks the tie:
//
//	booking > patient_registration > resource_lookup > generic
//
// A Decision records what the router chose and whether the rule-based
// fallback handled the message.
package conversation
