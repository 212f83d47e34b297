// Package handler provides HTTP handlers for the operator API.
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

	"github.com/fiberperu/voucherbot/internal/events"
	"github.com/fiberperu/voucherbot/internal/middleware"
	"github.com/fiberperu/voucherbot/internal/model"
	"github.com/fiberperu/voucherbot/internal/store"
	"github.com/fiberperu/voucherbot/pkg/logger"
	"github.com/fiberperu/voucherbot/pkg/metrics"
)

// TextSender sends outbound text messages.
type TextSender interface {
	SendText(ctx context.Context, to, body string) (string, error)
}

// ConversationHandler handles the operator's conversation endpoints.
type ConversationHandler struct {
	store     store.Store
	sender    TextSender
	publisher *events.Publisher
	logger    *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(st store.Store, sender TextSender, pub *events.Publisher, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		store:     st,
		sender:    sender,
		publisher: pub,
		logger:    log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePage(r)

	convs, total, err := h.store.ListConversations(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	writeJSON(w, http.StatusOK, model.ListConversationsResponse{
		Conversations: convs,
		Total:         total,
		HasMore:       offset+len(convs) < total,
	})
}

// Get handles GET /api/v1/conversations/:id
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Messages handles GET /api/v1/conversations/:id/messages
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset := parsePage(r)

	msgs, total, err := h.store.ListMessages(r.Context(), conversationID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list messages",
			zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	writeJSON(w, http.StatusOK, model.ListMessagesResponse{
		Messages: msgs,
		Total:    total,
		HasMore:  offset+len(msgs) < total,
	})
}

// Reply handles POST /api/v1/conversations/:id/messages — a human operator
// sending a message into the thread.
func (h *ConversationHandler) Reply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageContent(req.Body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.store.GetConversation(ctx, conversationID)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	if _, err := h.sender.SendText(ctx, conv.Phone, req.Body); err != nil {
		h.logger.Error("operator reply send failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to send message")
		return
	}

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		Direction:      model.DirectionOutbound,
		Sender:         model.SenderHumanAgent,
		Type:           model.MessageTypeText,
		Body:           req.Body,
		CreatedAt:      time.Now(),
	}
	if err := h.store.InsertMessage(ctx, msg); err != nil {
		h.logger.Error("failed to store operator reply",
			zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(msg.Direction), string(msg.Sender)).Inc()
	if h.publisher != nil {
		h.publisher.PublishMessage(ctx, msg)
	}

	conv.UnreadCount = 0
	conv.LastMessage = req.Body
	conv.LastMessageAt = msg.CreatedAt
	if err := h.store.UpdateConversation(ctx, conv); err != nil {
		h.logger.Warn("failed to bump conversation on reply",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}

	writeJSON(w, http.StatusCreated, msg)
}

// Takeover handles POST /api/v1/conversations/:id/takeover — a human
// operator taking control from the bot.
func (h *ConversationHandler) Takeover(w http.ResponseWriter, r *http.Request) {
	h.setMode(w, r, model.ModeHuman, model.EventEscalated, "operator takeover")
}

// Release handles POST /api/v1/conversations/:id/release — returning control
// to the bot.
func (h *ConversationHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.setMode(w, r, model.ModeBot, model.EventReleased, "released to bot")
}

func (h *ConversationHandler) setMode(w http.ResponseWriter, r *http.Request, mode model.Mode, eventType model.EventType, description string) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv.Mode == mode {
		writeJSON(w, http.StatusOK, conv)
		return
	}

	conv.Mode = mode
	if err := h.store.UpdateConversation(ctx, conv); err != nil {
		h.logger.Error("failed to update conversation mode",
			zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update conversation")
		return
	}
	if mode == model.ModeHuman {
		metrics.EscalationsTotal.Inc()
	}

	ev := &model.Event{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conv.ID,
		Type:           eventType,
		Description:    description + " by " + middleware.GetAgentID(ctx),
		CreatedAt:      time.Now(),
	}
	if err := h.store.AppendEvent(ctx, ev); err != nil {
		h.logger.Warn("failed to append mode event",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	if h.publisher != nil {
		h.publisher.PublishEvent(ctx, ev)
	}

	writeJSON(w, http.StatusOK, conv)
}
