package reconcile

import (
	"context"
	"testing"

	"github.com/fiberperu/voucherbot/internal/billing"
	"github.com/fiberperu/voucherbot/internal/model"
	"github.com/fiberperu/voucherbot/internal/store"
	"github.com/fiberperu/voucherbot/pkg/logger"
)

type mockBilling struct {
	customer       *billing.Customer
	searchErr      error
	debt           *billing.Debt
	debtErr        error
	registerCalls  int
	registerErr    error
	markPaidCalls  int
	searchedPhones []string
}

func (m *mockBilling) Search(ctx context.Context, phone, name string) (*billing.Customer, error) {
	m.searchedPhones = append(m.searchedPhones, phone)
	if m.searchErr != nil {
		return nil, m.searchErr
	}
	if m.customer == nil {
		return nil, billing.ErrNotFound
	}
	return m.customer, nil
}

func (m *mockBilling) GetCustomer(ctx context.Context, serviceID string) (*billing.Customer, error) {
	if m.customer == nil {
		return nil, billing.ErrNotFound
	}
	return m.customer, nil
}

func (m *mockBilling) OutstandingBalance(ctx context.Context, serviceID string, owner billing.Owner) (*billing.Debt, error) {
	if m.debtErr != nil {
		return nil, m.debtErr
	}
	return m.debt, nil
}

func (m *mockBilling) RegisterPayment(ctx context.Context, serviceID string, payment billing.PaymentData) (*billing.RegisterResult, error) {
	m.registerCalls++
	if m.registerErr != nil {
		return nil, m.registerErr
	}
	return &billing.RegisterResult{}, nil
}

func (m *mockBilling) MarkInvoicePaid(ctx context.Context, invoiceID string) error {
	m.markPaidCalls++
	return nil
}

type recordingPublisher struct {
	payments []*model.PaymentRecord
}

func (p *recordingPublisher) PublishPayment(ctx context.Context, payment *model.PaymentRecord) {
	p.payments = append(p.payments, payment)
}

func testCustomer() *billing.Customer {
	return &billing.Customer{
		ServiceID: "1001",
		Name:      "Juan Perez Garcia",
		Username:  "jperez",
		Plan:      "Plan 50Mbps",
	}
}

func amount(v float64) *float64 { return &v }

func setup(t *testing.T, bc *mockBilling) (*Engine, *store.Memory, *model.Conversation, *model.Message) {
	t.Helper()
	st := store.NewMemory()
	engine := NewEngine(st, bc, nil, 0.50, logger.Nop())

	conv, err := st.UpsertConversationOnInbound(context.Background(), "51999111222", "Juan", "voucher")
	if err != nil {
		t.Fatalf("upsert conversation: %v", err)
	}
	msg := &model.Message{
		ConversationID: conv.ID,
		ExternalID:     "wamid.test",
		Direction:      model.DirectionInbound,
		Sender:         model.SenderCustomer,
		Type:           model.MessageTypeImage,
	}
	if err := st.InsertInboundMessage(context.Background(), msg); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	return engine, st, conv, msg
}

func TestFinalizeValidated(t *testing.T) {
	bc := &mockBilling{
		customer: testCustomer(),
		debt: &billing.Debt{
			HasDebt:        true,
			Total:          59.00,
			Monthly:        59.00,
			InvoiceCount:   1,
			FirstInvoiceID: "F-1",
		},
	}
	engine, st, conv, msg := setup(t, bc)

	rec := engine.SavePendingVoucher(context.Background(), conv, msg, &model.VoucherExtraction{
		Success:       true,
		IsValid:       true,
		PaymentMethod: "yape",
		Amount:        amount(59.00),
		OperationCode: "OP123",
	})
	if rec == nil {
		t.Fatal("expected pending record")
	}
	if rec.Status != model.PaymentPending {
		t.Fatalf("status = %s, want pending", rec.Status)
	}

	outcome := engine.Finalize(context.Background(), rec.ID, "51999111222", "")
	if outcome.Code != CodeSuccess {
		t.Fatalf("code = %s, want %s", outcome.Code, CodeSuccess)
	}
	if outcome.Payment.Status != model.PaymentValidated {
		t.Fatalf("status = %s, want validated", outcome.Payment.Status)
	}
	if bc.registerCalls != 1 {
		t.Fatalf("register calls = %d, want 1", bc.registerCalls)
	}
	if bc.markPaidCalls != 1 {
		t.Fatalf("mark paid calls = %d, want 1", bc.markPaidCalls)
	}

	stored, err := st.GetPayment(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if stored.Status != model.PaymentValidated {
		t.Fatalf("stored status = %s, want validated", stored.Status)
	}
	if stored.InvoiceID != "F-1" {
		t.Fatalf("invoice id = %q, want F-1", stored.InvoiceID)
	}
}

func TestFinalizeTerminalIsNoOp(t *testing.T) {
	bc := &mockBilling{
		customer: testCustomer(),
		debt:     &billing.Debt{HasDebt: true, Total: 59.00, Monthly: 59.00},
	}
	engine, _, conv, msg := setup(t, bc)

	rec := engine.SavePendingVoucher(context.Background(), conv, msg, &model.VoucherExtraction{
		Success: true, IsValid: true, Amount: amount(59.00),
	})

	first := engine.Finalize(context.Background(), rec.ID, "51999111222", "")
	second := engine.Finalize(context.Background(), rec.ID, "51999111222", "")

	if first.Code != second.Code {
		t.Fatalf("second finalize code = %s, want %s", second.Code, first.Code)
	}
	if bc.registerCalls != 1 {
		t.Fatalf("register calls = %d, want 1 (second finalize must not re-execute)", bc.registerCalls)
	}
}

func TestFinalizeAmountTolerance(t *testing.T) {
	tests := []struct {
		name       string
		amount     float64
		monthly    float64
		total      float64
		wantCode   string
		wantStatus model.PaymentStatus
	}{
		{"exact monthly", 59.00, 59.00, 118.00, CodeSuccess, model.PaymentValidated},
		{"exact total", 118.00, 59.00, 118.00, CodeSuccess, model.PaymentValidated},
		{"within tolerance", 59.50, 59.00, 118.00, CodeSuccess, model.PaymentValidated},
		{"at boundary", 58.50, 59.00, 118.00, CodeSuccess, model.PaymentValidated},
		{"over boundary", 58.49, 59.00, 118.00, CodeAmountMismatch, model.PaymentRejected},
		{"matches neither", 30.00, 59.00, 59.00, CodeAmountMismatch, model.PaymentRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bc := &mockBilling{
				customer: testCustomer(),
				debt:     &billing.Debt{HasDebt: true, Total: tt.total, Monthly: tt.monthly},
			}
			engine, _, conv, msg := setup(t, bc)
			rec := engine.SavePendingVoucher(context.Background(), conv, msg, &model.VoucherExtraction{
				Success: true, IsValid: true, Amount: amount(tt.amount),
			})

			outcome := engine.Finalize(context.Background(), rec.ID, "51999111222", "")
			if outcome.Code != tt.wantCode {
				t.Fatalf("code = %s, want %s", outcome.Code, tt.wantCode)
			}
			if outcome.Payment.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", outcome.Payment.Status, tt.wantStatus)
			}
			if tt.wantStatus == model.PaymentRejected && outcome.Payment.Reason == "" {
				t.Fatal("rejected record must carry the reference amounts in its reason")
			}
		})
	}
}

func TestFinalizeDuplicateOperationCode(t *testing.T) {
	bc := &mockBilling{
		customer: testCustomer(),
		debt:     &billing.Debt{HasDebt: true, Total: 59.00, Monthly: 59.00},
	}
	engine, st, conv, msg := setup(t, bc)

	extraction := &model.VoucherExtraction{
		Success: true, IsValid: true, Amount: amount(59.00), OperationCode: "OP123",
	}
	first := engine.SavePendingVoucher(context.Background(), conv, msg, extraction)
	if out := engine.Finalize(context.Background(), first.ID, "51999111222", ""); out.Code != CodeSuccess {
		t.Fatalf("first finalize code = %s, want success", out.Code)
	}

	// Same operation code from a different conversation.
	conv2, err := st.UpsertConversationOnInbound(context.Background(), "51988000111", "Maria", "voucher")
	if err != nil {
		t.Fatalf("upsert conversation: %v", err)
	}
	msg2 := &model.Message{
		ConversationID: conv2.ID,
		ExternalID:     "wamid.test2",
		Direction:      model.DirectionInbound,
		Sender:         model.SenderCustomer,
		Type:           model.MessageTypeImage,
	}
	if err := st.InsertInboundMessage(context.Background(), msg2); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	second := engine.SavePendingVoucher(context.Background(), conv2, msg2, extraction)

	outcome := engine.Finalize(context.Background(), second.ID, "51988000111", "")
	if outcome.Code != CodeDuplicate {
		t.Fatalf("code = %s, want duplicate", outcome.Code)
	}
	if outcome.Payment.DuplicateOf != first.ID {
		t.Fatalf("duplicate_of = %q, want %q", outcome.Payment.DuplicateOf, first.ID)
	}
	if bc.registerCalls != 1 {
		t.Fatalf("register calls = %d, want 1 (duplicate must not register)", bc.registerCalls)
	}
}

func TestFinalizeUnreadable(t *testing.T) {
	tests := []struct {
		name       string
		extraction *model.VoucherExtraction
	}{
		{"nil extraction", nil},
		{"unsuccessful", &model.VoucherExtraction{Success: false}},
		{"not a voucher", &model.VoucherExtraction{Success: true, IsValid: false, InvalidReason: "es un meme"}},
		{"no amount", &model.VoucherExtraction{Success: true, IsValid: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bc := &mockBilling{customer: testCustomer()}
			engine, _, conv, msg := setup(t, bc)
			rec := engine.SavePendingVoucher(context.Background(), conv, msg, tt.extraction)

			outcome := engine.Finalize(context.Background(), rec.ID, "51999111222", "")
			if outcome.Code != CodeUnreadable {
				t.Fatalf("code = %s, want unreadable", outcome.Code)
			}
			if outcome.Payment.Status != model.PaymentManualReview {
				t.Fatalf("status = %s, want manual_review", outcome.Payment.Status)
			}
			if bc.registerCalls != 0 {
				t.Fatal("unreadable voucher must not reach billing")
			}
		})
	}
}

func TestFinalizeClientNotFound(t *testing.T) {
	bc := &mockBilling{}
	engine, _, conv, msg := setup(t, bc)
	rec := engine.SavePendingVoucher(context.Background(), conv, msg, &model.VoucherExtraction{
		Success: true, IsValid: true, Amount: amount(59.00),
	})

	outcome := engine.Finalize(context.Background(), rec.ID, "51999111222", "")
	if outcome.Code != CodeClientNotFound {
		t.Fatalf("code = %s, want client_not_found", outcome.Code)
	}
	if outcome.Payment.Status != model.PaymentManualReview {
		t.Fatalf("status = %s, want manual_review", outcome.Payment.Status)
	}
}

func TestFinalizeNoDebt(t *testing.T) {
	bc := &mockBilling{
		customer: testCustomer(),
		debt:     &billing.Debt{HasDebt: false},
	}
	engine, _, conv, msg := setup(t, bc)
	rec := engine.SavePendingVoucher(context.Background(), conv, msg, &model.VoucherExtraction{
		Success: true, IsValid: true, Amount: amount(59.00),
	})

	outcome := engine.Finalize(context.Background(), rec.ID, "51999111222", "")
	if outcome.Code != CodeNoDebt {
		t.Fatalf("code = %s, want no_debt", outcome.Code)
	}
	if bc.registerCalls != 0 {
		t.Fatal("no-debt voucher must not register a payment")
	}
}

func TestFinalizeRegistrationFailureStillValidates(t *testing.T) {
	bc := &mockBilling{
		customer:    testCustomer(),
		debt:        &billing.Debt{HasDebt: true, Total: 59.00, Monthly: 59.00},
		registerErr: billing.ErrNotFound,
	}
	engine, _, conv, msg := setup(t, bc)
	rec := engine.SavePendingVoucher(context.Background(), conv, msg, &model.VoucherExtraction{
		Success: true, IsValid: true, Amount: amount(59.00),
	})

	outcome := engine.Finalize(context.Background(), rec.ID, "51999111222", "")
	if outcome.Code != CodeSuccess {
		t.Fatalf("code = %s, want success despite registration failure", outcome.Code)
	}
	if outcome.Payment.Registered {
		t.Fatal("registered flag must stay false when upstream write fails")
	}
}

func TestFinalizePublishesPaymentExactlyOnce(t *testing.T) {
	bc := &mockBilling{
		customer: testCustomer(),
		debt:     &billing.Debt{HasDebt: true, Total: 59.00, Monthly: 59.00},
	}
	pub := &recordingPublisher{}
	st := store.NewMemory()
	engine := NewEngine(st, bc, pub, 0.50, logger.Nop())

	conv, err := st.UpsertConversationOnInbound(context.Background(), "51999111222", "Juan", "voucher")
	if err != nil {
		t.Fatalf("upsert conversation: %v", err)
	}
	msg := &model.Message{
		ConversationID: conv.ID,
		ExternalID:     "wamid.test",
		Direction:      model.DirectionInbound,
		Sender:         model.SenderCustomer,
		Type:           model.MessageTypeImage,
	}
	if err := st.InsertInboundMessage(context.Background(), msg); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	rec := engine.SavePendingVoucher(context.Background(), conv, msg, &model.VoucherExtraction{
		Success: true, IsValid: true, Amount: amount(59.00),
	})

	engine.Finalize(context.Background(), rec.ID, "51999111222", "")
	engine.Finalize(context.Background(), rec.ID, "51999111222", "")

	if len(pub.payments) != 1 {
		t.Fatalf("payment publishes = %d, want exactly 1 for a finalized record", len(pub.payments))
	}
	if pub.payments[0].ID != rec.ID {
		t.Fatalf("published payment id = %q, want %q", pub.payments[0].ID, rec.ID)
	}
}

func TestFinalizeCachesCustomer(t *testing.T) {
	bc := &mockBilling{
		customer: testCustomer(),
		debt:     &billing.Debt{HasDebt: true, Total: 59.00, Monthly: 59.00},
	}
	engine, st, conv, msg := setup(t, bc)
	rec := engine.SavePendingVoucher(context.Background(), conv, msg, &model.VoucherExtraction{
		Success: true, IsValid: true, Amount: amount(59.00),
	})
	engine.Finalize(context.Background(), rec.ID, "51999111222", "")

	cached, err := st.GetCustomer(context.Background(), "1001")
	if err != nil {
		t.Fatalf("get cached customer: %v", err)
	}
	if cached.Name != "Juan Perez Garcia" {
		t.Fatalf("cached name = %q", cached.Name)
	}
}
