package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fiberperu/voucherbot/internal/model"
	"github.com/fiberperu/voucherbot/pkg/logger"
	"github.com/fiberperu/voucherbot/pkg/metrics"
)

const (
	// StreamName is the name of the voucherbot event stream.
	StreamName = "VOUCHERBOT"

	// SubjectPrefix is the prefix for all voucherbot subjects.
	SubjectPrefix = "vb"
)

// Publisher writes domain events to JetStream. Publishing is best effort:
// failures are logged and counted but never interrupt message handling.
type Publisher struct {
	client *Client
	logger *logger.Logger
}

// NewPublisher creates a publisher on an established NATS client. A nil
// client yields a disabled publisher whose methods are no-ops.
func NewPublisher(client *Client, log *logger.Logger) *Publisher {
	return &Publisher{client: client, logger: log}
}

// EnsureStream ensures the event stream exists with proper configuration.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	js := p.client.JetStream()

	// Check if stream exists
	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      90 * 24 * time.Hour,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Conversation, message and payment events",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// MessageSubject returns the subject for a stored message.
func MessageSubject(conversationID string, direction model.Direction) string {
	return fmt.Sprintf("%s.conv.%s.msg.%s", SubjectPrefix, conversationID, direction)
}

// EventSubject returns the subject for an audit event.
func EventSubject(conversationID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.conv.%s.event.%s", SubjectPrefix, conversationID, eventType)
}

// PaymentSubject returns the subject for a payment status change.
func PaymentSubject(paymentID string, status model.PaymentStatus) string {
	return fmt.Sprintf("%s.payment.%s.%s", SubjectPrefix, paymentID, status)
}

// PublishMessage publishes a stored message.
func (p *Publisher) PublishMessage(ctx context.Context, msg *model.Message) {
	if msg == nil {
		return
	}
	p.publish(ctx, "message", MessageSubject(msg.ConversationID, msg.Direction), msg)
}

// PublishEvent publishes an audit event.
func (p *Publisher) PublishEvent(ctx context.Context, event *model.Event) {
	if event == nil {
		return
	}
	p.publish(ctx, "event", EventSubject(event.ConversationID, event.Type), event)
}

// PublishPayment publishes a payment status change.
func (p *Publisher) PublishPayment(ctx context.Context, payment *model.PaymentRecord) {
	if payment == nil {
		return
	}
	p.publish(ctx, "payment", PaymentSubject(payment.ID, payment.Status), payment)
}

func (p *Publisher) publish(ctx context.Context, kind, subject string, v any) {
	if p.client == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("failed to marshal event", zap.String("subject", subject), zap.Error(err))
		metrics.EventPublishFailures.WithLabelValues(kind).Inc()
		return
	}
	if _, err := p.client.JetStream().Publish(ctx, subject, data); err != nil {
		p.logger.Error("failed to publish event", zap.String("subject", subject), zap.Error(err))
		metrics.EventPublishFailures.WithLabelValues(kind).Inc()
	}
}
