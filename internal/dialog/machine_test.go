package dialog

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/fiberperu/voucherbot/internal/billing"
	"github.com/fiberperu/voucherbot/internal/classifier"
	"github.com/fiberperu/voucherbot/internal/model"
	"github.com/fiberperu/voucherbot/internal/reconcile"
	"github.com/fiberperu/voucherbot/internal/store"
	"github.com/fiberperu/voucherbot/internal/whatsapp"
	"github.com/fiberperu/voucherbot/pkg/logger"
)

const testPhone = "51999111222"

type mockSender struct {
	sent      []string
	downloads int
}

func (m *mockSender) SendText(ctx context.Context, to, body string) (string, error) {
	m.sent = append(m.sent, body)
	return "wamid.out", nil
}

func (m *mockSender) MarkRead(ctx context.Context, messageID string) {}

func (m *mockSender) DownloadMedia(ctx context.Context, mediaID string) (*whatsapp.Media, error) {
	m.downloads++
	return &whatsapp.Media{
		URL:      "/uploads/test.jpg",
		Filename: "test.jpg",
		Mime:     "image/jpeg",
		Data:     []byte("fake"),
	}, nil
}

type mockBilling struct {
	byPhone *billing.Customer
	byName  *billing.Customer
	debt    *billing.Debt
}

func (m *mockBilling) SearchByPhone(ctx context.Context, phone string) (*billing.Customer, error) {
	if m.byPhone == nil {
		return nil, billing.ErrNotFound
	}
	return m.byPhone, nil
}

func (m *mockBilling) SearchByName(ctx context.Context, name string) (*billing.Customer, error) {
	if m.byName == nil {
		return nil, billing.ErrNotFound
	}
	return m.byName, nil
}

func (m *mockBilling) OutstandingBalance(ctx context.Context, serviceID string, owner billing.Owner) (*billing.Debt, error) {
	if m.debt == nil {
		return &billing.Debt{}, nil
	}
	return m.debt, nil
}

type mockClassifier struct {
	intent classifier.Intent
	reply  string
}

func (m *mockClassifier) ClassifyVoucher(ctx context.Context, image []byte, mime string) *model.VoucherExtraction {
	amount := 59.00
	return &model.VoucherExtraction{Success: true, IsValid: true, Amount: &amount}
}

func (m *mockClassifier) ClassifyIntent(ctx context.Context, text string, history []classifier.Turn) classifier.Intent {
	return m.intent
}

func (m *mockClassifier) GenerateReply(ctx context.Context, text string, history []classifier.Turn, customer *classifier.CustomerContext) string {
	if m.reply == "" {
		return "respuesta generada"
	}
	return m.reply
}

func (m *mockClassifier) Name() string { return "mock" }

type mockReconciler struct {
	saved     []*model.PaymentRecord
	finalized []string
	outcome   *reconcile.Outcome
}

func (m *mockReconciler) SavePendingVoucher(ctx context.Context, conv *model.Conversation, msg *model.Message, extraction *model.VoucherExtraction) *model.PaymentRecord {
	rec := &model.PaymentRecord{
		ID:             "pay-1",
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Status:         model.PaymentPending,
		Extraction:     extraction,
	}
	m.saved = append(m.saved, rec)
	return rec
}

func (m *mockReconciler) Finalize(ctx context.Context, paymentID, phone, confirmedCustomerID string) *reconcile.Outcome {
	m.finalized = append(m.finalized, paymentID)
	if m.outcome != nil {
		return m.outcome
	}
	return &reconcile.Outcome{
		Code:    reconcile.CodeSuccess,
		Payment: &model.PaymentRecord{ID: paymentID, Status: model.PaymentValidated},
	}
}

type fixture struct {
	machine    *Machine
	store      *store.Memory
	sender     *mockSender
	billing    *mockBilling
	reconciler *mockReconciler
	classifier *mockClassifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:      store.NewMemory(),
		sender:     &mockSender{},
		billing:    &mockBilling{},
		reconciler: &mockReconciler{},
		classifier: &mockClassifier{intent: classifier.Intent{Label: classifier.IntentInfo, Confidence: 0.8}},
	}
	f.machine = NewMachine(f.store, f.billing, f.classifier, f.sender, f.reconciler, nil,
		Templates{SupportPhone: "932258382", SalesPhone: "940366709"}, logger.Nop())
	return f
}

func textEvent(id, text string) whatsapp.InboundEvent {
	return whatsapp.InboundEvent{
		Phone:       testPhone,
		DisplayName: "Juan",
		ExternalID:  id,
		Type:        "text",
		Text:        text,
	}
}

func imageEvent(id string) whatsapp.InboundEvent {
	return whatsapp.InboundEvent{
		Phone:      testPhone,
		ExternalID: id,
		Type:       "image",
		MediaID:    "media-1",
		MediaMime:  "image/jpeg",
	}
}

func (f *fixture) conversation(t *testing.T) *model.Conversation {
	t.Helper()
	conv, err := f.store.GetConversationByPhone(context.Background(), testPhone)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	return conv
}

func testCustomer() *billing.Customer {
	return &billing.Customer{ServiceID: "1001", Name: "Juan Perez Garcia", Username: "jperez"}
}

func TestDuplicateDeliveryIsDropped(t *testing.T) {
	f := newFixture(t)
	f.billing.byPhone = testCustomer()

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))
	sentAfterFirst := len(f.sender.sent)
	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))

	if len(f.sender.sent) != sentAfterFirst {
		t.Fatal("duplicate delivery must not trigger a second reply")
	}
	conv := f.conversation(t)
	msgs, total, err := f.store.ListMessages(context.Background(), conv.ID, 50, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	inbound := 0
	for _, m := range msgs {
		if m.Direction == model.DirectionInbound {
			inbound++
		}
	}
	if inbound != 1 {
		t.Fatalf("inbound messages = %d (of %d), want exactly 1", inbound, total)
	}
}

func TestHumanModeSuppressesAutomatedReplies(t *testing.T) {
	f := newFixture(t)
	f.billing.byPhone = testCustomer()

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))
	conv := f.conversation(t)
	conv.Mode = model.ModeHuman
	if err := f.store.UpdateConversation(context.Background(), conv); err != nil {
		t.Fatalf("update conversation: %v", err)
	}

	sentBefore := len(f.sender.sent)
	f.machine.HandleEvent(context.Background(), textEvent("wamid.2", "quiero pagar"))
	f.machine.HandleEvent(context.Background(), imageEvent("wamid.3"))

	if len(f.sender.sent) != sentBefore {
		t.Fatalf("automated replies sent in human mode: %d", len(f.sender.sent)-sentBefore)
	}
	if len(f.reconciler.saved) != 0 {
		t.Fatal("human-mode image must not create a payment record")
	}
}

func TestInitialTextKnownCustomerAsksConfirmation(t *testing.T) {
	f := newFixture(t)
	f.billing.byPhone = testCustomer()

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))

	conv := f.conversation(t)
	if conv.DialogState != model.DialogAwaitingConfirmation {
		t.Fatalf("dialog state = %s, want awaiting_confirmation", conv.DialogState)
	}
	if len(f.sender.sent) != 1 || !strings.Contains(f.sender.sent[0], "Juan Perez Garcia") {
		t.Fatalf("expected confirmation prompt naming the customer, got %v", f.sender.sent)
	}
}

func TestUnsupportedTypeGetsGuidance(t *testing.T) {
	f := newFixture(t)

	f.machine.HandleEvent(context.Background(), whatsapp.InboundEvent{
		Phone:      testPhone,
		ExternalID: "wamid.1",
		Type:       "audio",
	})

	if len(f.sender.sent) != 1 {
		t.Fatalf("sent = %d, want exactly one guidance reply", len(f.sender.sent))
	}
	if !strings.Contains(f.sender.sent[0], "mensajes de texto") {
		t.Fatalf("expected guidance toward text and voucher photos, got %q", f.sender.sent[0])
	}
	if len(f.reconciler.saved) != 0 {
		t.Fatal("unsupported type must not create a payment record")
	}
	conv := f.conversation(t)
	if conv.DialogState != model.DialogNone {
		t.Fatalf("dialog state = %s, want unchanged none", conv.DialogState)
	}
}

func TestInitialGreetingUnknownNumberOffersSalesContact(t *testing.T) {
	f := newFixture(t)
	f.classifier.intent = classifier.Intent{Label: classifier.IntentGreeting, Confidence: 0.9}

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola buenas"))

	if len(f.sender.sent) != 2 {
		t.Fatalf("sent = %d, want sales contact plus name request", len(f.sender.sent))
	}
	if !strings.Contains(f.sender.sent[0], "940366709") {
		t.Fatalf("expected sales contact in first reply, got %q", f.sender.sent[0])
	}
	conv := f.conversation(t)
	if conv.DialogState != model.DialogAwaitingIdentity {
		t.Fatalf("dialog state = %s, want awaiting_identity", conv.DialogState)
	}
}

func TestInitialTextUnknownCustomerAsksName(t *testing.T) {
	f := newFixture(t)

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))

	conv := f.conversation(t)
	if conv.DialogState != model.DialogAwaitingIdentity {
		t.Fatalf("dialog state = %s, want awaiting_identity", conv.DialogState)
	}
}

func TestConfirmationYesConfirmsIdentity(t *testing.T) {
	f := newFixture(t)
	f.billing.byPhone = testCustomer()

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))
	f.machine.HandleEvent(context.Background(), textEvent("wamid.2", "sí"))

	conv := f.conversation(t)
	if conv.DialogState != model.DialogIdentityOK {
		t.Fatalf("dialog state = %s, want identity_ok", conv.DialogState)
	}
	if !conv.IdentityConfirmed() || *conv.CustomerID != "1001" {
		t.Fatalf("customer id not linked: %+v", conv.CustomerID)
	}
	if conv.DisplayName != "Juan Perez Garcia" {
		t.Fatalf("display name = %q, want authoritative billing name", conv.DisplayName)
	}
}

func TestConfirmationNoReasksForName(t *testing.T) {
	f := newFixture(t)
	f.billing.byPhone = testCustomer()

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))
	f.machine.HandleEvent(context.Background(), textEvent("wamid.2", "no"))

	conv := f.conversation(t)
	if conv.DialogState != model.DialogAwaitingIdentity {
		t.Fatalf("dialog state = %s, want awaiting_identity", conv.DialogState)
	}
	if conv.IdentityConfirmed() {
		t.Fatal("identity must not be confirmed after a negative answer")
	}
}

func TestConfirmationDigressionKeepsState(t *testing.T) {
	f := newFixture(t)
	f.billing.byPhone = testCustomer()

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))
	f.machine.HandleEvent(context.Background(), textEvent("wamid.2", "¿cuánto cuesta el plan?"))

	conv := f.conversation(t)
	if conv.DialogState != model.DialogAwaitingConfirmation {
		t.Fatalf("dialog state = %s, want unchanged awaiting_confirmation", conv.DialogState)
	}
	last := f.sender.sent[len(f.sender.sent)-1]
	if !strings.Contains(last, "confirmas") {
		t.Fatalf("digression reply must re-append the confirmation reminder, got %q", last)
	}
}

func TestIdentityAnswerNameMatchConfirms(t *testing.T) {
	f := newFixture(t)
	f.billing.byName = testCustomer()

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))
	f.machine.HandleEvent(context.Background(), textEvent("wamid.2", "Juan Perez Garcia"))

	conv := f.conversation(t)
	if conv.DialogState != model.DialogIdentityOK {
		t.Fatalf("dialog state = %s, want identity_ok", conv.DialogState)
	}
	if !conv.IdentityConfirmed() {
		t.Fatal("identity must be confirmed after a name match")
	}
}

func TestIdentityAnswerSingleNameStillSearched(t *testing.T) {
	f := newFixture(t)
	f.billing.byName = testCustomer()

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))
	f.machine.HandleEvent(context.Background(), textEvent("wamid.2", "Juan"))

	conv := f.conversation(t)
	if !conv.IdentityConfirmed() {
		t.Fatal("a single first name must still reach the billing search")
	}
	if conv.Mode != model.ModeBot {
		t.Fatalf("mode = %s, want bot", conv.Mode)
	}
}

func TestIdentityAnswerNoMatchEscalates(t *testing.T) {
	f := newFixture(t)

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))
	f.machine.HandleEvent(context.Background(), textEvent("wamid.2", "Pedro Gonzales Ruiz"))

	conv := f.conversation(t)
	if conv.Mode != model.ModeHuman {
		t.Fatalf("mode = %s, want human after failed identity lookup", conv.Mode)
	}
}

func TestWantsHumanEscalates(t *testing.T) {
	f := newFixture(t)
	f.billing.byPhone = testCustomer()

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))
	f.machine.HandleEvent(context.Background(), textEvent("wamid.2", "sí"))
	f.machine.HandleEvent(context.Background(), textEvent("wamid.3", "quiero hablar con un asesor"))

	conv := f.conversation(t)
	if conv.Mode != model.ModeHuman {
		t.Fatalf("mode = %s, want human", conv.Mode)
	}
}

func TestComplaintAutoEscalates(t *testing.T) {
	f := newFixture(t)
	f.billing.byPhone = testCustomer()
	f.classifier.intent = classifier.Intent{Label: classifier.IntentComplaint, Confidence: 0.9}

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))
	f.machine.HandleEvent(context.Background(), textEvent("wamid.2", "sí"))
	f.machine.HandleEvent(context.Background(), textEvent("wamid.3", "llevo tres días sin servicio y nadie responde"))

	conv := f.conversation(t)
	if conv.Mode != model.ModeHuman {
		t.Fatalf("mode = %s, want human after high-confidence complaint", conv.Mode)
	}
}

func TestLowConfidenceComplaintStaysWithBot(t *testing.T) {
	f := newFixture(t)
	f.billing.byPhone = testCustomer()
	f.classifier.intent = classifier.Intent{Label: classifier.IntentComplaint, Confidence: 0.4}

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))
	f.machine.HandleEvent(context.Background(), textEvent("wamid.2", "sí"))
	f.machine.HandleEvent(context.Background(), textEvent("wamid.3", "creo que algo anda mal"))

	conv := f.conversation(t)
	if conv.Mode != model.ModeBot {
		t.Fatalf("mode = %s, want bot", conv.Mode)
	}
}

func TestImageWithConfirmedIdentityFinalizesImmediately(t *testing.T) {
	f := newFixture(t)
	f.billing.byPhone = testCustomer()

	f.machine.HandleEvent(context.Background(), textEvent("wamid.1", "hola"))
	f.machine.HandleEvent(context.Background(), textEvent("wamid.2", "sí"))
	f.machine.HandleEvent(context.Background(), imageEvent("wamid.3"))

	if len(f.reconciler.saved) != 1 {
		t.Fatalf("saved vouchers = %d, want 1", len(f.reconciler.saved))
	}
	if len(f.reconciler.finalized) != 1 {
		t.Fatalf("finalized = %d, want immediate finalize with confirmed identity", len(f.reconciler.finalized))
	}
	last := f.sender.sent[len(f.sender.sent)-1]
	if !strings.Contains(last, "Pago registrado") {
		t.Fatalf("expected success template, got %q", last)
	}
}

func TestImageBeforeIdentityHeldPending(t *testing.T) {
	f := newFixture(t)

	f.machine.HandleEvent(context.Background(), imageEvent("wamid.1"))

	if len(f.reconciler.saved) != 1 {
		t.Fatalf("saved vouchers = %d, want 1", len(f.reconciler.saved))
	}
	if len(f.reconciler.finalized) != 0 {
		t.Fatal("voucher must stay pending until identity is confirmed")
	}
	conv := f.conversation(t)
	if conv.DialogState != model.DialogAwaitingPaymentName {
		t.Fatalf("dialog state = %s, want awaiting_payment_name", conv.DialogState)
	}
}

func TestPaymentNameRoundTripFinalizes(t *testing.T) {
	f := newFixture(t)
	f.billing.byName = testCustomer()

	f.machine.HandleEvent(context.Background(), imageEvent("wamid.1"))

	// The machine's reconciler mock does not persist records, so seed the
	// pending row the real engine would have written.
	conv := f.conversation(t)
	pending := &model.PaymentRecord{
		ConversationID: conv.ID,
		Status:         model.PaymentPending,
	}
	if err := f.store.CreatePayment(context.Background(), pending); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	f.machine.HandleEvent(context.Background(), textEvent("wamid.2", "Juan Perez Garcia"))

	conv = f.conversation(t)
	if !conv.IdentityConfirmed() {
		t.Fatal("identity must be confirmed")
	}
	if len(f.reconciler.finalized) != 1 || f.reconciler.finalized[0] != pending.ID {
		t.Fatalf("finalized = %v, want [%s]", f.reconciler.finalized, pending.ID)
	}
}

func TestInboundSummaryCutsOnRuneBoundary(t *testing.T) {
	// 1 byte + 60 two-byte runes: byte 100 falls inside a rune.
	text := "a" + strings.Repeat("é", 60)
	got := inboundSummary(whatsapp.InboundEvent{Type: "text", Text: text})
	if len(got) > 100 {
		t.Fatalf("summary is %d bytes, want at most 100", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("summary is not valid UTF-8: %q", got)
	}
}

func TestPaymentConfirmationYesFinalizes(t *testing.T) {
	f := newFixture(t)
	f.billing.byPhone = testCustomer()

	f.machine.HandleEvent(context.Background(), imageEvent("wamid.1"))
	conv := f.conversation(t)
	if conv.DialogState != model.DialogAwaitingPaymentConfirmation {
		t.Fatalf("dialog state = %s, want awaiting_payment_confirmation", conv.DialogState)
	}
	pending := &model.PaymentRecord{ConversationID: conv.ID, Status: model.PaymentPending}
	if err := f.store.CreatePayment(context.Background(), pending); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	f.machine.HandleEvent(context.Background(), textEvent("wamid.2", "sí"))

	if len(f.reconciler.finalized) != 1 {
		t.Fatalf("finalized = %d, want 1", len(f.reconciler.finalized))
	}
}
