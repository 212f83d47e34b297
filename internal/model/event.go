package model

import (
	"time"
)

// EventType represents the type of an audit event.
type EventType string

const (
	EventNewMessage        EventType = "new_message"
	EventIntentDetected    EventType = "intent_detected"
	EventIdentityConfirmed EventType = "identity_confirmed"
	EventEscalated         EventType = "escalated_to_human"
	EventReleased          EventType = "released_to_bot"
	EventPaymentProcessed  EventType = "payment_processed"
	EventHandlerError      EventType = "handler_error"
)

// Event is an append-only audit log entry. It is written for operator
// visibility and debugging and is never read back by control flow.
type Event struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	PaymentID      string    `json:"payment_id,omitempty"`
	Type           EventType `json:"type"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
