// Package reconcile owns the payment-record lifecycle: persist a pending
// voucher extraction, validate it against billing data, detect duplicates and
// cross-customer leakage, and decide accept or reject.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fiberperu/voucherbot/internal/billing"
	"github.com/fiberperu/voucherbot/internal/model"
	"github.com/fiberperu/voucherbot/internal/store"
	"github.com/fiberperu/voucherbot/pkg/logger"
	"github.com/fiberperu/voucherbot/pkg/metrics"
)

// Result codes distinguish terminal outcomes sharing a status and select the
// customer-facing template.
const (
	CodeSuccess         = "success"
	CodeValidatedNoDebt = "validated_no_debt"
	CodeDuplicate       = "duplicate"
	CodeUnreadable      = "unreadable"
	CodeClientNotFound  = "client_not_found"
	CodeNoDebt          = "no_debt"
	CodeAmountMismatch  = "amount_mismatch"
	CodeManualReview    = "manual_review"
)

// Billing is the subset of the billing client the engine depends on.
type Billing interface {
	Search(ctx context.Context, phone, name string) (*billing.Customer, error)
	GetCustomer(ctx context.Context, serviceID string) (*billing.Customer, error)
	OutstandingBalance(ctx context.Context, serviceID string, owner billing.Owner) (*billing.Debt, error)
	RegisterPayment(ctx context.Context, serviceID string, payment billing.PaymentData) (*billing.RegisterResult, error)
	MarkInvoicePaid(ctx context.Context, invoiceID string) error
}

// Publisher fans finalized payments out to the real-time stream. The engine
// is the only publisher of payment records, so every finalize produces at
// most one fan-out.
type Publisher interface {
	PublishPayment(ctx context.Context, payment *model.PaymentRecord)
}

// Outcome is the result of finalizing a payment record. Finalize never
// returns an error to its caller: every failure path resolves to a terminal
// record status and a code.
type Outcome struct {
	Code     string
	Payment  *model.PaymentRecord
	Customer *billing.Customer
	Debt     *billing.Debt
}

// Engine reconciles submitted vouchers against outstanding balances.
type Engine struct {
	store     store.Store
	billing   Billing
	publisher Publisher
	tolerance float64
	logger    *logger.Logger
}

// NewEngine creates a reconciliation engine. tolerance is the currency margin
// within which a voucher amount matches a reference amount.
func NewEngine(st store.Store, bc Billing, pub Publisher, tolerance float64, log *logger.Logger) *Engine {
	return &Engine{
		store:     st,
		billing:   bc,
		publisher: pub,
		tolerance: tolerance,
		logger:    log,
	}
}

// SavePendingVoucher creates a pending payment record storing the raw
// extraction for later replay. It never fails the caller: on storage error it
// logs and returns nil.
func (e *Engine) SavePendingVoucher(ctx context.Context, conv *model.Conversation, msg *model.Message, extraction *model.VoucherExtraction) *model.PaymentRecord {
	rec := &model.PaymentRecord{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Status:         model.PaymentPending,
		Extraction:     extraction,
		CreatedAt:      time.Now(),
	}
	if err := e.store.CreatePayment(ctx, rec); err != nil {
		e.logger.Error("failed to save pending voucher",
			zap.String("conversation_id", conv.ID), zap.Error(err))
		return nil
	}
	e.logger.Info("pending voucher saved",
		zap.String("payment_id", rec.ID),
		zap.String("conversation_id", conv.ID),
		zap.Bool("extracted", extraction != nil && extraction.Success))
	return rec
}

// Finalize runs the reconciliation algorithm on a payment record. phone is
// the sender identity; confirmedCustomerID is the billing customer id when
// identity has already been confirmed, empty otherwise.
//
// Finalizing a record already in a terminal status is a no-op returning the
// stored result.
func (e *Engine) Finalize(ctx context.Context, paymentID, phone, confirmedCustomerID string) *Outcome {
	rec, err := e.store.GetPayment(ctx, paymentID)
	if err != nil {
		e.logger.Error("failed to load payment record",
			zap.String("payment_id", paymentID), zap.Error(err))
		return &Outcome{Code: CodeManualReview}
	}
	if rec.Status.Terminal() {
		return e.storedOutcome(rec)
	}

	rec.Status = model.PaymentProcessing
	if err := e.store.UpdatePayment(ctx, rec); err != nil {
		e.logger.Error("failed to mark payment processing",
			zap.String("payment_id", rec.ID), zap.Error(err))
	}

	outcome := e.reconcile(ctx, rec, phone, confirmedCustomerID)
	e.settle(ctx, rec, outcome)
	return outcome
}

func (e *Engine) reconcile(ctx context.Context, rec *model.PaymentRecord, phone, confirmedCustomerID string) *Outcome {
	ext := rec.Extraction

	if ext == nil || !ext.Success {
		rec.Status = model.PaymentManualReview
		rec.Reason = "extraction unavailable"
		return &Outcome{Code: CodeUnreadable, Payment: rec}
	}
	if !ext.IsValid {
		rec.Status = model.PaymentManualReview
		rec.Reason = "not a recognizable voucher"
		if ext.InvalidReason != "" {
			rec.Reason = ext.InvalidReason
		}
		return &Outcome{Code: CodeUnreadable, Payment: rec}
	}
	if ext.Amount == nil {
		rec.Status = model.PaymentManualReview
		rec.Reason = "no amount extracted"
		return &Outcome{Code: CodeUnreadable, Payment: rec}
	}
	amount := *ext.Amount

	if ext.OperationCode != "" {
		original, err := e.store.FindValidatedByOperationCode(ctx, ext.OperationCode, rec.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			e.logger.Error("duplicate lookup failed",
				zap.String("payment_id", rec.ID), zap.Error(err))
		}
		if original != nil {
			rec.Status = model.PaymentDuplicate
			rec.DuplicateOf = original.ID
			rec.Reason = fmt.Sprintf("operation code %s already validated", ext.OperationCode)
			return &Outcome{Code: CodeDuplicate, Payment: rec}
		}
	}

	customer := e.resolveCustomer(ctx, phone, confirmedCustomerID, ext.PayerName)
	if customer == nil {
		rec.Status = model.PaymentManualReview
		rec.Reason = "customer not found in billing system"
		return &Outcome{Code: CodeClientNotFound, Payment: rec}
	}
	e.cacheCustomer(ctx, customer, phone)

	debt, err := e.billing.OutstandingBalance(ctx, customer.ID(), billing.Owner{
		Username: customer.Username,
		Name:     customer.Name,
	})
	if err != nil {
		e.logger.Error("outstanding balance query failed",
			zap.String("payment_id", rec.ID),
			zap.String("customer_id", customer.ID()),
			zap.Error(err))
		rec.Status = model.PaymentManualReview
		rec.Reason = "billing system unavailable"
		return &Outcome{Code: CodeManualReview, Payment: rec, Customer: customer}
	}

	if !debt.HasDebt {
		zero := 0.0
		rec.Status = model.PaymentManualReview
		rec.DebtSnapshot = &zero
		rec.Reason = "no outstanding balance"
		return &Outcome{Code: CodeNoDebt, Payment: rec, Customer: customer, Debt: debt}
	}

	// The customer may pay one installment or clear the whole balance.
	diff := math.Min(math.Abs(amount-debt.Monthly), math.Abs(amount-debt.Total))
	rec.DebtSnapshot = &debt.Total
	rec.AmountDifference = &diff

	if diff > e.tolerance {
		rec.Status = model.PaymentRejected
		rec.Reason = fmt.Sprintf("amount %.2f matches neither installment %.2f nor total %.2f",
			amount, debt.Monthly, debt.Total)
		return &Outcome{Code: CodeAmountMismatch, Payment: rec, Customer: customer, Debt: debt}
	}

	// Registration is best effort. The local determination that the voucher
	// is valid stands even when the upstream write fails.
	e.register(ctx, rec, customer, debt, amount)

	now := time.Now()
	rec.Status = model.PaymentValidated
	rec.ValidatedAt = &now
	code := CodeSuccess
	if debt.Total == 0 {
		code = CodeValidatedNoDebt
	}
	return &Outcome{Code: code, Payment: rec, Customer: customer, Debt: debt}
}

func (e *Engine) resolveCustomer(ctx context.Context, phone, confirmedCustomerID, payerName string) *billing.Customer {
	if confirmedCustomerID != "" {
		customer, err := e.billing.GetCustomer(ctx, confirmedCustomerID)
		if err == nil {
			return customer
		}
		if !errors.Is(err, billing.ErrNotFound) {
			e.logger.Warn("confirmed customer lookup failed",
				zap.String("customer_id", confirmedCustomerID), zap.Error(err))
		}
	}
	customer, err := e.billing.Search(ctx, phone, payerName)
	if err != nil {
		if !errors.Is(err, billing.ErrNotFound) {
			e.logger.Warn("customer search failed", zap.String("phone", phone), zap.Error(err))
		}
		return nil
	}
	return customer
}

func (e *Engine) cacheCustomer(ctx context.Context, customer *billing.Customer, phone string) {
	err := e.store.UpsertCustomer(ctx, &model.CustomerRecord{
		ID:       customer.ID(),
		Phone:    phone,
		Name:     customer.Name,
		Username: customer.Username,
		Plan:     customer.Plan,
	})
	if err != nil {
		e.logger.Warn("customer cache refresh failed",
			zap.String("customer_id", customer.ID()), zap.Error(err))
	}
}

func (e *Engine) register(ctx context.Context, rec *model.PaymentRecord, customer *billing.Customer, debt *billing.Debt, amount float64) {
	ext := rec.Extraction
	result, err := e.billing.RegisterPayment(ctx, customer.ID(), billing.PaymentData{
		Amount:        amount,
		Date:          ext.PaymentDate,
		Method:        ext.PaymentMethod,
		OperationCode: ext.OperationCode,
	})
	if err != nil {
		e.logger.Warn("payment registration failed",
			zap.String("payment_id", rec.ID),
			zap.String("customer_id", customer.ID()),
			zap.Error(err))
	} else if result != nil {
		rec.Registered = true
		rec.BillingPaymentID = string(result.PaymentID)
	}

	if debt.FirstInvoiceID != "" {
		rec.InvoiceID = debt.FirstInvoiceID
		if err := e.billing.MarkInvoicePaid(ctx, debt.FirstInvoiceID); err != nil {
			e.logger.Warn("invoice paid marking failed",
				zap.String("invoice_id", debt.FirstInvoiceID), zap.Error(err))
		}
	}
}

// settle persists the terminal record, counts it, and fans it out.
func (e *Engine) settle(ctx context.Context, rec *model.PaymentRecord, outcome *Outcome) {
	rec.ResultCode = outcome.Code
	if err := e.store.UpdatePayment(ctx, rec); err != nil {
		e.logger.Error("failed to persist payment outcome",
			zap.String("payment_id", rec.ID),
			zap.String("status", string(rec.Status)),
			zap.Error(err))
	}
	metrics.PaymentsTotal.WithLabelValues(string(rec.Status)).Inc()

	e.appendEvent(ctx, rec, outcome.Code)
	if e.publisher != nil {
		e.publisher.PublishPayment(ctx, rec)
	}

	e.logger.Info("payment finalized",
		zap.String("payment_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.String("code", outcome.Code))
}

func (e *Engine) appendEvent(ctx context.Context, rec *model.PaymentRecord, code string) {
	ev := &model.Event{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: rec.ConversationID,
		PaymentID:      rec.ID,
		Type:           model.EventPaymentProcessed,
		Description:    fmt.Sprintf("payment %s: %s", rec.Status, code),
		CreatedAt:      time.Now(),
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.logger.Warn("failed to append payment event",
			zap.String("payment_id", rec.ID), zap.Error(err))
	}
}

// storedOutcome reconstructs the outcome of an already-finalized record.
func (e *Engine) storedOutcome(rec *model.PaymentRecord) *Outcome {
	code := rec.ResultCode
	if code == "" {
		switch rec.Status {
		case model.PaymentValidated:
			code = CodeSuccess
		case model.PaymentDuplicate:
			code = CodeDuplicate
		case model.PaymentRejected:
			code = CodeAmountMismatch
		default:
			code = CodeManualReview
		}
	}
	return &Outcome{Code: code, Payment: rec}
}
