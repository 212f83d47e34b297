// Package model defines data structures for the voucher bot core.
package model

import (
	"time"
)

// Mode represents who is in control of a conversation.
type Mode string

const (
	ModeBot      Mode = "bot"
	ModeHuman    Mode = "human"
	ModeResolved Mode = "resolved"
	ModeSpam     Mode = "spam"
)

// DialogState represents the position in the identity/payment dialog.
type DialogState string

const (
	DialogNone                        DialogState = "none"
	DialogAwaitingIdentity            DialogState = "awaiting_identity"
	DialogAwaitingConfirmation        DialogState = "awaiting_confirmation"
	DialogAwaitingPaymentName         DialogState = "awaiting_payment_name"
	DialogAwaitingPaymentConfirmation DialogState = "awaiting_payment_confirmation"
	DialogIdentityOK                  DialogState = "identity_ok"
)

// Conversation represents one WhatsApp thread, keyed by sender phone.
type Conversation struct {
	ID            string      `json:"id"`
	Phone         string      `json:"phone"`
	DisplayName   string      `json:"display_name"`
	Mode          Mode        `json:"mode"`
	DialogState   DialogState `json:"dialog_state"`
	CustomerID    *string     `json:"customer_id,omitempty"`
	LastIntent    string      `json:"last_intent,omitempty"`
	LastMessage   string      `json:"last_message,omitempty"`
	LastMessageAt time.Time   `json:"last_message_at"`
	UnreadCount   int         `json:"unread_count"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// IdentityConfirmed reports whether the conversation is linked to a billing customer.
func (c *Conversation) IdentityConfirmed() bool {
	return c.CustomerID != nil && *c.CustomerID != ""
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
	HasMore       bool           `json:"has_more"`
}
