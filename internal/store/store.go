// Package store provides persistence for conversations, messages, payments,
// the customer cache and the audit event log.
package store

import (
	"context"
	"errors"

	"github.com/fiberperu/voucherbot/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a uniqueness constraint is violated.
var ErrDuplicate = errors.New("duplicate")

// Store is the persistence boundary for the bot core. Writes to a single
// conversation's rows are serialized upstream by the gateway dispatcher, so
// implementations may use plain read-modify-write.
type Store interface {
	// Conversations
	UpsertConversationOnInbound(ctx context.Context, phone, displayName, lastMessage string) (*model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	GetConversationByPhone(ctx context.Context, phone string) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, conv *model.Conversation) error
	ListConversations(ctx context.Context, limit, offset int) ([]model.Conversation, int, error)

	// Messages
	// InsertInboundMessage stores an inbound message. It returns ErrDuplicate
	// when a message with the same external id already exists; this is the
	// sole duplicate-delivery defense.
	InsertInboundMessage(ctx context.Context, msg *model.Message) error
	InsertMessage(ctx context.Context, msg *model.Message) error
	UpdateMessageMedia(ctx context.Context, messageID, url, filename, mime string, size int64) error
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, int, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)

	// Payments
	CreatePayment(ctx context.Context, rec *model.PaymentRecord) error
	GetPayment(ctx context.Context, id string) (*model.PaymentRecord, error)
	UpdatePayment(ctx context.Context, rec *model.PaymentRecord) error
	LatestPendingPayment(ctx context.Context, conversationID string) (*model.PaymentRecord, error)
	FindValidatedByOperationCode(ctx context.Context, code, excludeID string) (*model.PaymentRecord, error)
	ListPayments(ctx context.Context, limit, offset int) ([]model.PaymentRecord, int, error)

	// Customer cache
	UpsertCustomer(ctx context.Context, rec *model.CustomerRecord) error
	GetCustomer(ctx context.Context, id string) (*model.CustomerRecord, error)

	// Audit log (append only)
	AppendEvent(ctx context.Context, ev *model.Event) error
}
