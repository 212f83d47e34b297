package model

import (
	"time"
)

// Direction represents the direction of a message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Sender represents the class of a message sender.
type Sender string

const (
	SenderCustomer   Sender = "customer"
	SenderBot        Sender = "bot"
	SenderHumanAgent Sender = "human_agent"
)

// MessageType represents the content type of a message.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
)

// Message represents a single inbound or outbound unit of conversation.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// ExternalID is the channel-assigned message id. It is the sole
	// deduplication key for inbound events and is empty for outbound.
	ExternalID string `json:"external_id,omitempty"`

	// Content
	Direction Direction   `json:"direction"`
	Sender    Sender      `json:"sender"`
	Type      MessageType `json:"type"`
	Body      string      `json:"body,omitempty"`

	// Media metadata (backfilled after download for image messages)
	MediaID       string `json:"media_id,omitempty"`
	MediaMime     string `json:"media_mime,omitempty"`
	MediaURL      string `json:"media_url,omitempty"`
	MediaFilename string `json:"media_filename,omitempty"`
	MediaSize     int64  `json:"media_size,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ListMessagesResponse is the response for listing a conversation's messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"has_more"`
}

// SendReplyRequest is the request for an operator to send a reply.
type SendReplyRequest struct {
	Body string `json:"body"`
}
