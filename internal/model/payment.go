package model

import (
	"time"
)

// PaymentStatus represents the lifecycle status of a payment record.
// pending and processing are transient; validated, rejected and duplicate are
// terminal and never mutated again. manual_review is terminal for the bot but
// may be resolved later by an operator.
type PaymentStatus string

const (
	PaymentPending      PaymentStatus = "pending"
	PaymentProcessing   PaymentStatus = "processing"
	PaymentValidated    PaymentStatus = "validated"
	PaymentRejected     PaymentStatus = "rejected"
	PaymentDuplicate    PaymentStatus = "duplicate"
	PaymentManualReview PaymentStatus = "manual_review"
)

// Terminal reports whether the status admits no further automated transition.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentValidated, PaymentRejected, PaymentDuplicate, PaymentManualReview:
		return true
	}
	return false
}

// Confidence is the classifier's self-reported extraction confidence.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// VoucherExtraction holds the structured fields the classifier reads off a
// voucher image. It is stored verbatim on the payment record so finalization
// can replay it without re-invoking the classifier.
type VoucherExtraction struct {
	Success       bool       `json:"success"`
	IsValid       bool       `json:"is_valid_voucher"`
	PaymentMethod string     `json:"payment_method,omitempty"`
	Amount        *float64   `json:"amount,omitempty"`
	Currency      string     `json:"currency,omitempty"`
	OperationCode string     `json:"operation_code,omitempty"`
	PaymentDate   string     `json:"payment_date,omitempty"`
	PayerName     string     `json:"payer_name,omitempty"`
	Confidence    Confidence `json:"confidence,omitempty"`
	InvalidReason string     `json:"invalid_reason,omitempty"`
}

// PaymentRecord represents one submitted voucher and its reconciliation state.
type PaymentRecord struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`

	Status     PaymentStatus      `json:"status"`
	Extraction *VoucherExtraction `json:"extraction,omitempty"`

	// ResultCode distinguishes terminal outcomes sharing a status, e.g. the
	// manual_review reasons, and selects the customer-facing template.
	ResultCode string `json:"result_code,omitempty"`

	// Reconciliation outcome
	DebtSnapshot     *float64 `json:"debt_snapshot,omitempty"`
	AmountDifference *float64 `json:"amount_difference,omitempty"`
	Reason           string   `json:"reason,omitempty"`

	// DuplicateOf is the id of the earlier validated record sharing the
	// operation code, set when status is duplicate.
	DuplicateOf string `json:"duplicate_of,omitempty"`

	// Billing registration identifiers (best effort)
	BillingPaymentID string `json:"billing_payment_id,omitempty"`
	InvoiceID        string `json:"invoice_id,omitempty"`
	Registered       bool   `json:"registered"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
}

// ListPaymentsResponse is the response for listing payment records.
type ListPaymentsResponse struct {
	Payments []PaymentRecord `json:"payments"`
	Total    int             `json:"total"`
	HasMore  bool            `json:"has_more"`
}

// ReviewPaymentRequest is an operator's resolution of a manual-review record.
type ReviewPaymentRequest struct {
	Status PaymentStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}
