// Package gateway receives WhatsApp webhook callbacks: it verifies
// signatures, acknowledges immediately, and dispatches normalized events to
// the dialog state machine with per-conversation ordering.
package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/fiberperu/voucherbot/internal/middleware"
	"github.com/fiberperu/voucherbot/internal/whatsapp"
	"github.com/fiberperu/voucherbot/pkg/logger"
	"github.com/fiberperu/voucherbot/pkg/metrics"
)

// maxBodyBytes caps webhook payloads.
const maxBodyBytes = 1 << 20

// Gateway is the webhook HTTP surface.
type Gateway struct {
	verifyToken string
	appSecret   string
	dispatcher  *Dispatcher
	logger      *logger.Logger
}

// New creates a webhook gateway.
func New(verifyToken, appSecret string, dispatcher *Dispatcher, log *logger.Logger) *Gateway {
	return &Gateway{
		verifyToken: verifyToken,
		appSecret:   appSecret,
		dispatcher:  dispatcher,
		logger:      log,
	}
}

// Verify handles the GET challenge handshake for channel registration.
func (g *Gateway) Verify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == g.verifyToken {
		g.logger.Info("webhook verified")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
		return
	}
	g.logger.Warn("webhook verification rejected", zap.String("mode", mode))
	w.WriteHeader(http.StatusForbidden)
}

// Receive handles webhook deliveries. Once the signature checks out, the
// response is 200 unconditionally and immediately: the provider enforces an
// aggressive timeout and retries unacknowledged deliveries, which would
// amplify duplicate processing. All downstream work happens after the
// acknowledgement via the dispatcher.
func (g *Gateway) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		g.logger.Error("failed to read webhook body", zap.Error(err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !whatsapp.VerifySignature(g.appSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		g.logger.Warn("webhook signature mismatch")
		metrics.WebhookEventsTotal.WithLabelValues("batch", "bad_signature").Inc()
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	// Acknowledge before any processing.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"received": true})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	events, err := whatsapp.ParsePayload(body)
	if err != nil {
		g.logger.Error("failed to parse webhook payload", zap.Error(err))
		metrics.WebhookEventsTotal.WithLabelValues("batch", "malformed").Inc()
		return
	}
	for _, ev := range events {
		if err := middleware.ValidatePhone(ev.Phone); err != nil {
			g.logger.Warn("dropping event with invalid sender phone",
				zap.String("phone", ev.Phone), zap.Error(err))
			metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "invalid_phone").Inc()
			continue
		}
		g.dispatcher.Enqueue(ev)
	}
}
