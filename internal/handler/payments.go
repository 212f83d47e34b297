package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fiberperu/voucherbot/internal/billing"
	"github.com/fiberperu/voucherbot/internal/events"
	"github.com/fiberperu/voucherbot/internal/middleware"
	"github.com/fiberperu/voucherbot/internal/model"
	"github.com/fiberperu/voucherbot/internal/store"
	"github.com/fiberperu/voucherbot/pkg/logger"
	"github.com/fiberperu/voucherbot/pkg/metrics"
)

// Suspender performs service suspension against the billing system.
type Suspender interface {
	SuspendService(ctx context.Context, serviceID, reason string) (*billing.SuspendResult, error)
}

// PaymentHandler handles the operator's payment endpoints.
type PaymentHandler struct {
	store     store.Store
	suspender Suspender
	publisher *events.Publisher
	logger    *logger.Logger
}

// NewPaymentHandler creates a new payment handler.
func NewPaymentHandler(st store.Store, suspender Suspender, pub *events.Publisher, log *logger.Logger) *PaymentHandler {
	return &PaymentHandler{
		store:     st,
		suspender: suspender,
		publisher: pub,
		logger:    log,
	}
}

// List handles GET /api/v1/payments
func (h *PaymentHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)

	recs, total, err := h.store.ListPayments(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list payments", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list payments")
		return
	}
	writeJSON(w, http.StatusOK, model.ListPaymentsResponse{
		Payments: recs,
		Total:    total,
		HasMore:  offset+len(recs) < total,
	})
}

// Get handles GET /api/v1/payments/:id
func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "id")
	if err := middleware.ValidatePaymentID(paymentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.store.GetPayment(r.Context(), paymentID)
	if err != nil {
		writeError(w, http.StatusNotFound, "payment not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Review handles POST /api/v1/payments/:id/review — an operator resolving a
// manual_review record to validated or rejected.
func (h *PaymentHandler) Review(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	paymentID := chi.URLParam(r, "id")
	if err := middleware.ValidatePaymentID(paymentID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.ReviewPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != model.PaymentValidated && req.Status != model.PaymentRejected {
		writeError(w, http.StatusBadRequest, "status must be validated or rejected")
		return
	}

	rec, err := h.store.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "payment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load payment")
		return
	}
	// validated/rejected/duplicate are final even for operators.
	if rec.Status != model.PaymentManualReview {
		writeError(w, http.StatusConflict, "payment is not awaiting review")
		return
	}

	rec.Status = req.Status
	if req.Reason != "" {
		rec.Reason = req.Reason
	}
	if req.Status == model.PaymentValidated {
		now := time.Now()
		rec.ValidatedAt = &now
	}
	if err := h.store.UpdatePayment(ctx, rec); err != nil {
		h.logger.Error("failed to resolve payment review",
			zap.String("payment_id", paymentID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update payment")
		return
	}
	metrics.PaymentsTotal.WithLabelValues(string(rec.Status)).Inc()

	ev := &model.Event{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: rec.ConversationID,
		PaymentID:      rec.ID,
		Type:           model.EventPaymentProcessed,
		Description:    "review resolved to " + string(rec.Status) + " by " + middleware.GetAgentID(ctx),
		CreatedAt:      time.Now(),
	}
	if err := h.store.AppendEvent(ctx, ev); err != nil {
		h.logger.Warn("failed to append review event",
			zap.String("payment_id", paymentID), zap.Error(err))
	}
	if h.publisher != nil {
		h.publisher.PublishPayment(ctx, rec)
	}

	writeJSON(w, http.StatusOK, rec)
}

// SuspendRequest is the request body for a service suspension.
type SuspendRequest struct {
	ServiceID string `json:"service_id"`
	Reason    string `json:"reason,omitempty"`
}

// Suspend handles POST /api/v1/billing/suspend — an operator cutting a
// customer's service for non-payment.
func (h *PaymentHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	var req SuspendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ServiceID == "" {
		writeError(w, http.StatusBadRequest, "service_id is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "suspension por falta de pago"
	}

	result, err := h.suspender.SuspendService(r.Context(), req.ServiceID, req.Reason)
	if err != nil {
		h.logger.Error("service suspension failed",
			zap.String("service_id", req.ServiceID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "suspension request failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
