// Package dialog drives the per-conversation state machine: routing inbound
// events, the identity confirmation round trip, escalation to human
// operators, and handing vouchers to the reconciliation engine.
package dialog

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fiberperu/voucherbot/internal/billing"
	"github.com/fiberperu/voucherbot/internal/classifier"
	"github.com/fiberperu/voucherbot/internal/model"
	"github.com/fiberperu/voucherbot/internal/reconcile"
	"github.com/fiberperu/voucherbot/internal/store"
	"github.com/fiberperu/voucherbot/internal/whatsapp"
	"github.com/fiberperu/voucherbot/pkg/logger"
	"github.com/fiberperu/voucherbot/pkg/metrics"
)

// complaintThreshold is the classifier confidence above which a complaint is
// auto-escalated.
const complaintThreshold = 0.6

// Sender is the outbound messaging surface the machine depends on.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
	MarkRead(ctx context.Context, messageID string)
	DownloadMedia(ctx context.Context, mediaID string) (*whatsapp.Media, error)
}

// Reconciler is the payment lifecycle surface the machine depends on.
type Reconciler interface {
	SavePendingVoucher(ctx context.Context, conv *model.Conversation, msg *model.Message, extraction *model.VoucherExtraction) *model.PaymentRecord
	Finalize(ctx context.Context, paymentID, phone, confirmedCustomerID string) *reconcile.Outcome
}

// Billing is the subset of the billing client the machine depends on.
type Billing interface {
	SearchByPhone(ctx context.Context, phone string) (*billing.Customer, error)
	SearchByName(ctx context.Context, name string) (*billing.Customer, error)
	OutstandingBalance(ctx context.Context, serviceID string, owner billing.Owner) (*billing.Debt, error)
}

// Publisher fans out stored messages and audit events to the real-time
// stream. Payment fan-out belongs to the reconciliation engine.
type Publisher interface {
	PublishMessage(ctx context.Context, msg *model.Message)
	PublishEvent(ctx context.Context, event *model.Event)
}

// Machine routes normalized inbound events through the dialog state machine.
// Callers must serialize invocations per conversation key; the gateway
// dispatcher does this.
type Machine struct {
	store      store.Store
	billing    Billing
	classifier classifier.Client
	sender     Sender
	reconciler Reconciler
	publisher  Publisher
	templates  Templates
	logger     *logger.Logger
}

// NewMachine creates a dialog state machine.
func NewMachine(st store.Store, bc Billing, cl classifier.Client, sender Sender, rec Reconciler, pub Publisher, tmpl Templates, log *logger.Logger) *Machine {
	return &Machine{
		store:      st,
		billing:    bc,
		classifier: cl,
		sender:     sender,
		reconciler: rec,
		publisher:  pub,
		templates:  tmpl,
		logger:     log,
	}
}

// HandleEvent processes one normalized inbound event. It never returns an
// error: failures resolve to escalation plus an apology, and duplicate
// deliveries are dropped silently before any side effect.
func (m *Machine) HandleEvent(ctx context.Context, ev whatsapp.InboundEvent) {
	log := m.logger.WithConversation("", ev.Phone)

	conv, err := m.store.UpsertConversationOnInbound(ctx, ev.Phone, ev.DisplayName, inboundSummary(ev))
	if err != nil {
		log.Error("failed to upsert conversation", zap.Error(err))
		return
	}
	log = m.logger.WithConversation(conv.ID, ev.Phone)

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		ExternalID:     ev.ExternalID,
		Direction:      model.DirectionInbound,
		Sender:         model.SenderCustomer,
		Type:           model.MessageType(ev.Type),
		Body:           inboundBody(ev),
		MediaID:        ev.MediaID,
		MediaMime:      ev.MediaMime,
		CreatedAt:      time.Now(),
	}
	if err := m.store.InsertInboundMessage(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// Redelivery. The insert is the sole dedup gate and runs before
			// any side-effecting work.
			log.Info("duplicate delivery dropped", zap.String("external_id", ev.ExternalID))
			metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "duplicate").Inc()
			return
		}
		log.Error("failed to store inbound message", zap.Error(err))
		return
	}
	metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "accepted").Inc()
	metrics.MessagesTotal.WithLabelValues(string(msg.Direction), string(msg.Sender)).Inc()

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic handling event", zap.Any("panic", r))
			m.appendEvent(ctx, conv, "", model.EventHandlerError, "panic while handling event")
			m.escalate(ctx, conv, "unexpected error")
			m.sendBot(ctx, conv, m.templates.GenericError())
		}
	}()

	m.sender.MarkRead(ctx, ev.ExternalID)
	if m.publisher != nil {
		m.publisher.PublishMessage(ctx, msg)
		m.publisher.PublishEvent(ctx, &model.Event{
			ID:             uuid.Must(uuid.NewV7()).String(),
			ConversationID: conv.ID,
			Type:           model.EventNewMessage,
			CreatedAt:      time.Now(),
		})
	}

	// A human operator owns this thread: store and fan out only.
	if conv.Mode == model.ModeHuman {
		log.Info("conversation in human mode, no automated reply")
		return
	}
	if conv.Mode == model.ModeSpam {
		return
	}
	if conv.Mode == model.ModeResolved {
		conv.Mode = model.ModeBot
		if err := m.store.UpdateConversation(ctx, conv); err != nil {
			log.Error("failed to reopen conversation", zap.Error(err))
		}
	}

	switch ev.Type {
	case "image":
		m.handleImage(ctx, conv, msg, ev)
	case "text":
		m.handleText(ctx, conv, ev.Text)
	default:
		// Audio, video, stickers, locations: tell the customer what the bot
		// can process instead of staying silent.
		m.sendBot(ctx, conv, m.templates.UnsupportedType())
	}
}

// Image flow

func (m *Machine) handleImage(ctx context.Context, conv *model.Conversation, msg *model.Message, ev whatsapp.InboundEvent) {
	m.sendBot(ctx, conv, m.templates.VoucherReceived())

	var extraction *model.VoucherExtraction
	media, err := m.sender.DownloadMedia(ctx, ev.MediaID)
	if err != nil {
		m.logger.Error("media download failed",
			zap.String("conversation_id", conv.ID),
			zap.String("media_id", ev.MediaID),
			zap.Error(err))
	} else {
		if err := m.store.UpdateMessageMedia(ctx, msg.ID, media.URL, media.Filename, media.Mime, media.Size); err != nil {
			m.logger.Warn("media backfill failed", zap.String("message_id", msg.ID), zap.Error(err))
		}
		extraction = m.classifier.ClassifyVoucher(ctx, media.Data, media.Mime)
	}

	rec := m.reconciler.SavePendingVoucher(ctx, conv, msg, extraction)
	if rec == nil {
		m.escalate(ctx, conv, "failed to save voucher")
		m.sendBot(ctx, conv, m.templates.GenericError())
		return
	}

	if conv.IdentityConfirmed() {
		m.finalizeAndReply(ctx, conv, rec.ID)
		return
	}

	// Identity unknown: the record stays pending until the name/confirmation
	// round trip completes.
	customer, err := m.billing.SearchByPhone(ctx, conv.Phone)
	if err == nil && customer.Name != "" {
		m.transition(ctx, conv, model.DialogAwaitingPaymentConfirmation)
		m.sendBot(ctx, conv, m.templates.ConfirmIdentity(customer.Name))
		return
	}
	m.transition(ctx, conv, model.DialogAwaitingPaymentName)
	m.sendBot(ctx, conv, m.templates.AskForName())
}

func (m *Machine) finalizeAndReply(ctx context.Context, conv *model.Conversation, paymentID string) {
	customerID := ""
	if conv.CustomerID != nil {
		customerID = *conv.CustomerID
	}
	outcome := m.reconciler.Finalize(ctx, paymentID, conv.Phone, customerID)
	m.sendBot(ctx, conv, m.templates.PaymentResult(outcome))

	if outcome.Code == reconcile.CodeClientNotFound || outcome.Code == reconcile.CodeManualReview {
		m.escalate(ctx, conv, "payment requires review: "+outcome.Code)
	}
}

// Text routing

func (m *Machine) handleText(ctx context.Context, conv *model.Conversation, text string) {
	switch conv.DialogState {
	case model.DialogNone:
		m.handleInitial(ctx, conv, text)
	case model.DialogAwaitingIdentity:
		m.handleIdentityAnswer(ctx, conv, text, false)
	case model.DialogAwaitingConfirmation:
		m.handleConfirmationAnswer(ctx, conv, text, false)
	case model.DialogAwaitingPaymentName:
		m.handleIdentityAnswer(ctx, conv, text, true)
	case model.DialogAwaitingPaymentConfirmation:
		m.handleConfirmationAnswer(ctx, conv, text, true)
	case model.DialogIdentityOK:
		m.handleConversational(ctx, conv, text)
	default:
		m.handleInitial(ctx, conv, text)
	}
}

func (m *Machine) handleInitial(ctx context.Context, conv *model.Conversation, text string) {
	customer, err := m.billing.SearchByPhone(ctx, conv.Phone)
	if err != nil && !errors.Is(err, billing.ErrNotFound) {
		m.logger.Warn("phone lookup failed", zap.String("phone", conv.Phone), zap.Error(err))
	}
	if customer != nil && customer.Name != "" {
		m.transition(ctx, conv, model.DialogAwaitingConfirmation)
		m.sendBot(ctx, conv, m.templates.ConfirmIdentity(customer.Name))
		return
	}

	// Unknown number. A plain greeting or a plans question is likely not a
	// customer at all: offer the sales contact before the identity request.
	intent := m.classifier.ClassifyIntent(ctx, text, nil)
	if intent.Label == classifier.IntentGreeting || intent.Label == classifier.IntentSales {
		m.sendBot(ctx, conv, m.templates.NotACustomer())
	}
	m.transition(ctx, conv, model.DialogAwaitingIdentity)
	m.sendBot(ctx, conv, m.templates.AskForName())
}

// handleIdentityAnswer consumes the reply to a name request. paymentPending
// selects the payment-flavored variant that finalizes the latest pending
// voucher on success.
func (m *Machine) handleIdentityAnswer(ctx context.Context, conv *model.Conversation, text string, paymentPending bool) {
	if !LooksLikeName(text) {
		// Not a name. Answer the question if it was one, then hand over.
		if LooksLikeQuestion(text) {
			reply := m.classifier.GenerateReply(ctx, text, m.history(ctx, conv), nil)
			m.sendBot(ctx, conv, reply)
		}
		m.escalate(ctx, conv, "identity not provided")
		m.sendBot(ctx, conv, m.templates.IdentityNotFound())
		return
	}

	customer, err := m.billing.SearchByName(ctx, text)
	if err != nil || customer == nil {
		customer, err = m.billing.SearchByPhone(ctx, conv.Phone)
	}
	if err != nil || customer == nil {
		m.escalate(ctx, conv, "identity lookup failed for "+text)
		m.sendBot(ctx, conv, m.templates.IdentityNotFound())
		return
	}

	m.confirmIdentity(ctx, conv, customer)
	if paymentPending {
		m.finalizePending(ctx, conv)
		return
	}
	m.sendBot(ctx, conv, m.templates.IdentityConfirmed(customer.Name))
	m.sendDebtSummary(ctx, conv, customer)
}

// handleConfirmationAnswer consumes the reply to a yes/no identity question.
func (m *Machine) handleConfirmationAnswer(ctx context.Context, conv *model.Conversation, text string, paymentPending bool) {
	switch ClassifyYesNo(text) {
	case AnswerYes:
		customer, err := m.billing.SearchByPhone(ctx, conv.Phone)
		if err != nil || customer == nil {
			m.escalate(ctx, conv, "confirmation re-resolve failed")
			m.sendBot(ctx, conv, m.templates.IdentityNotFound())
			return
		}
		m.confirmIdentity(ctx, conv, customer)
		if paymentPending {
			m.finalizePending(ctx, conv)
			return
		}
		m.sendBot(ctx, conv, m.templates.IdentityConfirmed(customer.Name))
		m.sendDebtSummary(ctx, conv, customer)

	case AnswerNo:
		next := model.DialogAwaitingIdentity
		if paymentPending {
			next = model.DialogAwaitingPaymentName
		}
		m.transition(ctx, conv, next)
		m.sendBot(ctx, conv, m.templates.AskForNameAgain())

	default:
		// Answer the digression and re-append the pending question.
		reply := m.classifier.GenerateReply(ctx, text, m.history(ctx, conv), nil)
		name := conv.DisplayName
		if customer, err := m.billing.SearchByPhone(ctx, conv.Phone); err == nil && customer.Name != "" {
			name = customer.Name
		}
		m.sendBot(ctx, conv, reply+m.templates.ConfirmationReminder(name))
	}
}

// handleConversational is the identity_ok steady state.
func (m *Machine) handleConversational(ctx context.Context, conv *model.Conversation, text string) {
	if WantsHuman(text) {
		m.escalate(ctx, conv, "customer requested a human")
		m.sendBot(ctx, conv, m.templates.Escalated())
		return
	}

	history := m.history(ctx, conv)
	intent := m.classifier.ClassifyIntent(ctx, text, history)

	conv.LastIntent = intent.Label
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		m.logger.Warn("failed to record intent", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	m.appendEvent(ctx, conv, "", model.EventIntentDetected, intent.Label)

	if intent.Label == classifier.IntentComplaint && intent.Confidence > complaintThreshold {
		m.escalate(ctx, conv, "complaint detected")
		m.sendBot(ctx, conv, m.templates.ComplaintEscalated())
		return
	}

	reply := m.classifier.GenerateReply(ctx, text, history, m.customerContext(ctx, conv))
	m.sendBot(ctx, conv, reply)
}

// Mutation points

// confirmIdentity is the single mutation point that links the conversation to
// a billing customer and unlocks payment finalization.
func (m *Machine) confirmIdentity(ctx context.Context, conv *model.Conversation, customer *billing.Customer) {
	id := customer.ID()
	conv.CustomerID = &id
	if customer.Name != "" {
		conv.DisplayName = customer.Name
	}
	conv.DialogState = model.DialogIdentityOK
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		m.logger.Error("failed to confirm identity",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		return
	}

	if err := m.store.UpsertCustomer(ctx, &model.CustomerRecord{
		ID:       id,
		Phone:    conv.Phone,
		Name:     customer.Name,
		Username: customer.Username,
		Plan:     customer.Plan,
	}); err != nil {
		m.logger.Warn("customer cache refresh failed", zap.String("customer_id", id), zap.Error(err))
	}

	m.appendEvent(ctx, conv, "", model.EventIdentityConfirmed, customer.Name)
	m.logger.Info("identity confirmed",
		zap.String("conversation_id", conv.ID),
		zap.String("customer_id", id))
}

// escalate hands the conversation to a human operator. Re-escalating an
// already-human conversation is a no-op.
func (m *Machine) escalate(ctx context.Context, conv *model.Conversation, reason string) {
	if conv.Mode == model.ModeHuman {
		return
	}
	conv.Mode = model.ModeHuman
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		m.logger.Error("failed to escalate conversation",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		return
	}
	metrics.EscalationsTotal.Inc()
	m.appendEvent(ctx, conv, "", model.EventEscalated, reason)
	m.logger.Info("conversation escalated",
		zap.String("conversation_id", conv.ID),
		zap.String("reason", reason))
}

func (m *Machine) transition(ctx context.Context, conv *model.Conversation, next model.DialogState) {
	conv.DialogState = next
	if err := m.store.UpdateConversation(ctx, conv); err != nil {
		m.logger.Error("dialog transition failed",
			zap.String("conversation_id", conv.ID),
			zap.String("next", string(next)),
			zap.Error(err))
	}
}

// Helpers

func (m *Machine) finalizePending(ctx context.Context, conv *model.Conversation) {
	rec, err := m.store.LatestPendingPayment(ctx, conv.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("pending payment lookup failed",
				zap.String("conversation_id", conv.ID), zap.Error(err))
		}
		m.sendBot(ctx, conv, m.templates.IdentityConfirmed(conv.DisplayName))
		return
	}
	m.finalizeAndReply(ctx, conv, rec.ID)
}

func (m *Machine) sendDebtSummary(ctx context.Context, conv *model.Conversation, customer *billing.Customer) {
	debt, err := m.billing.OutstandingBalance(ctx, customer.ID(), billing.Owner{
		Username: customer.Username,
		Name:     customer.Name,
	})
	if err != nil {
		m.logger.Warn("debt summary lookup failed",
			zap.String("customer_id", customer.ID()), zap.Error(err))
		return
	}
	m.sendBot(ctx, conv, m.templates.DebtSummary(conv.DisplayName, debt.Total, debt.InvoiceCount))
}

// sendBot sends an automated reply and stores it as an outbound message.
// Failures are logged, never propagated: the inbound event is already
// acknowledged.
func (m *Machine) sendBot(ctx context.Context, conv *model.Conversation, body string) {
	if body == "" {
		return
	}
	if _, err := m.sender.SendText(ctx, conv.Phone, body); err != nil {
		m.logger.Error("outbound send failed",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		Direction:      model.DirectionOutbound,
		Sender:         model.SenderBot,
		Type:           model.MessageTypeText,
		Body:           body,
		CreatedAt:      time.Now(),
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		m.logger.Error("failed to store outbound message",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(msg.Direction), string(msg.Sender)).Inc()
	if m.publisher != nil {
		m.publisher.PublishMessage(ctx, msg)
	}
}

func (m *Machine) appendEvent(ctx context.Context, conv *model.Conversation, paymentID string, typ model.EventType, description string) {
	ev := &model.Event{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		PaymentID:      paymentID,
		Type:           typ,
		Description:    description,
		CreatedAt:      time.Now(),
	}
	if err := m.store.AppendEvent(ctx, ev); err != nil {
		m.logger.Warn("failed to append event",
			zap.String("conversation_id", conv.ID),
			zap.String("type", string(typ)),
			zap.Error(err))
		return
	}
	if m.publisher != nil {
		m.publisher.PublishEvent(ctx, ev)
	}
}

// history converts recent stored messages into classifier turns, oldest
// first.
func (m *Machine) history(ctx context.Context, conv *model.Conversation) []classifier.Turn {
	msgs, err := m.store.RecentMessages(ctx, conv.ID, 15)
	if err != nil {
		m.logger.Warn("history lookup failed",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		return nil
	}
	turns := make([]classifier.Turn, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Type != model.MessageTypeText || msg.Body == "" {
			continue
		}
		role := "assistant"
		if msg.Direction == model.DirectionInbound {
			role = "user"
		}
		turns = append(turns, classifier.Turn{Role: role, Content: msg.Body})
	}
	return turns
}

func (m *Machine) customerContext(ctx context.Context, conv *model.Conversation) *classifier.CustomerContext {
	if !conv.IdentityConfirmed() {
		return nil
	}
	cached, err := m.store.GetCustomer(ctx, *conv.CustomerID)
	if err != nil {
		return &classifier.CustomerContext{Name: conv.DisplayName}
	}
	cc := &classifier.CustomerContext{Name: cached.Name, Plan: cached.Plan}
	if debt, err := m.billing.OutstandingBalance(ctx, cached.ID, billing.Owner{
		Username: cached.Username,
		Name:     cached.Name,
	}); err == nil && debt.HasDebt {
		cc.Debt = &debt.Total
	}
	return cc
}

func inboundSummary(ev whatsapp.InboundEvent) string {
	switch ev.Type {
	case "image":
		return "📷 Imagen"
	case "text":
	default:
		return "📎 " + ev.Type
	}
	if len(ev.Text) <= 100 {
		return ev.Text
	}
	// Cut on a rune boundary so accented text stays valid UTF-8.
	cut := 100
	for cut > 0 && !utf8.RuneStart(ev.Text[cut]) {
		cut--
	}
	return ev.Text[:cut]
}

func inboundBody(ev whatsapp.InboundEvent) string {
	if ev.Type == "image" {
		return ev.Caption
	}
	return ev.Text
}
