package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/fiberperu/voucherbot/internal/model"
)

// Memory is an in-memory Store implementation used in tests and for local
// development without Postgres.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	byPhone       map[string]string
	messages      map[string]*model.Message
	byExternalID  map[string]string
	payments      map[string]*model.PaymentRecord
	customers     map[string]*model.CustomerRecord
	events        []model.Event
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*model.Conversation),
		byPhone:       make(map[string]string),
		messages:      make(map[string]*model.Message),
		byExternalID:  make(map[string]string),
		payments:      make(map[string]*model.PaymentRecord),
		customers:     make(map[string]*model.CustomerRecord),
	}
}

// UpsertConversationOnInbound creates the conversation on first contact or
// bumps its last-message summary and unread counter.
func (m *Memory) UpsertConversationOnInbound(ctx context.Context, phone, displayName, lastMessage string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if id, ok := m.byPhone[phone]; ok {
		conv := m.conversations[id]
		if displayName != "" && displayName != phone && (conv.DisplayName == "" || conv.DisplayName == phone) {
			conv.DisplayName = displayName
		}
		conv.LastMessage = truncate(lastMessage, 100)
		conv.LastMessageAt = now
		conv.UnreadCount++
		conv.UpdatedAt = now
		out := *conv
		return &out, nil
	}

	conv := &model.Conversation{
		ID:            uuid.Must(uuid.NewV7()).String(),
		Phone:         phone,
		DisplayName:   displayName,
		Mode:          model.ModeBot,
		DialogState:   model.DialogNone,
		LastMessage:   truncate(lastMessage, 100),
		LastMessageAt: now,
		UnreadCount:   1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.conversations[conv.ID] = conv
	m.byPhone[phone] = conv.ID
	out := *conv
	return &out, nil
}

// GetConversation retrieves a conversation by ID.
func (m *Memory) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *conv
	return &out, nil
}

// GetConversationByPhone retrieves a conversation by sender phone.
func (m *Memory) GetConversationByPhone(ctx context.Context, phone string) (*model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byPhone[phone]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m.conversations[id]
	return &out, nil
}

// UpdateConversation saves a conversation's mutable fields.
func (m *Memory) UpdateConversation(ctx context.Context, conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.conversations[conv.ID]
	if !ok {
		return ErrNotFound
	}
	updated := *conv
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now()
	m.conversations[conv.ID] = &updated
	return nil
}

// ListConversations returns conversations ordered by most recent activity.
func (m *Memory) ListConversations(ctx context.Context, limit, offset int) ([]model.Conversation, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	convs := make([]model.Conversation, 0, len(m.conversations))
	for _, conv := range m.conversations {
		convs = append(convs, *conv)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})

	total := len(convs)
	start, end := pageBounds(total, limit, offset)
	return convs[start:end], total, nil
}

// InsertInboundMessage stores an inbound message, rejecting duplicates by
// external id.
func (m *Memory) InsertInboundMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.ExternalID != "" {
		if _, ok := m.byExternalID[msg.ExternalID]; ok {
			return ErrDuplicate
		}
	}
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.Must(uuid.NewV7()).String()
		msg.ID = stored.ID
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
		msg.CreatedAt = stored.CreatedAt
	}
	m.messages[stored.ID] = &stored
	if stored.ExternalID != "" {
		m.byExternalID[stored.ExternalID] = stored.ID
	}
	return nil
}

// InsertMessage stores an outbound message.
func (m *Memory) InsertMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.Must(uuid.NewV7()).String()
		msg.ID = stored.ID
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
		msg.CreatedAt = stored.CreatedAt
	}
	m.messages[stored.ID] = &stored
	return nil
}

// UpdateMessageMedia backfills media metadata after a download completes.
func (m *Memory) UpdateMessageMedia(ctx context.Context, messageID, url, filename, mime string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	msg.MediaURL = url
	msg.MediaFilename = filename
	msg.MediaMime = mime
	msg.MediaSize = size
	return nil
}

// ListMessages returns a conversation's messages in chronological order.
func (m *Memory) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.conversationMessages(conversationID)
	total := len(msgs)
	start, end := pageBounds(total, limit, offset)
	return msgs[start:end], total, nil
}

// RecentMessages returns the last limit text messages in chronological order,
// used as classifier context.
func (m *Memory) RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.conversationMessages(conversationID)
	var texts []model.Message
	for _, msg := range msgs {
		if msg.Type == model.MessageTypeText && msg.Body != "" {
			texts = append(texts, msg)
		}
	}
	if len(texts) > limit {
		texts = texts[len(texts)-limit:]
	}
	return texts, nil
}

func (m *Memory) conversationMessages(conversationID string) []model.Message {
	var msgs []model.Message
	for _, msg := range m.messages {
		if msg.ConversationID == conversationID {
			msgs = append(msgs, *msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs
}

// CreatePayment stores a new payment record.
func (m *Memory) CreatePayment(ctx context.Context, rec *model.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *rec
	if stored.ID == "" {
		stored.ID = uuid.Must(uuid.NewV7()).String()
		rec.ID = stored.ID
	}
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
		rec.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.payments[stored.ID] = &stored
	return nil
}

// GetPayment retrieves a payment record by ID.
func (m *Memory) GetPayment(ctx context.Context, id string) (*model.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

// UpdatePayment saves a payment record's mutable fields.
func (m *Memory) UpdatePayment(ctx context.Context, rec *model.PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.payments[rec.ID]
	if !ok {
		return ErrNotFound
	}
	updated := *rec
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now()
	m.payments[rec.ID] = &updated
	return nil
}

// LatestPendingPayment returns the most recent pending record for a
// conversation, or ErrNotFound.
func (m *Memory) LatestPendingPayment(ctx context.Context, conversationID string) (*model.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *model.PaymentRecord
	for _, rec := range m.payments {
		if rec.ConversationID != conversationID || rec.Status != model.PaymentPending {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	out := *latest
	return &out, nil
}

// FindValidatedByOperationCode returns a validated record carrying the given
// operation code, excluding the record being finalized.
func (m *Memory) FindValidatedByOperationCode(ctx context.Context, code, excludeID string) (*model.PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.payments {
		if rec.ID == excludeID || rec.Status != model.PaymentValidated {
			continue
		}
		if rec.Extraction != nil && rec.Extraction.OperationCode == code {
			out := *rec
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// ListPayments returns payment records, newest first.
func (m *Memory) ListPayments(ctx context.Context, limit, offset int) ([]model.PaymentRecord, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := make([]model.PaymentRecord, 0, len(m.payments))
	for _, rec := range m.payments {
		recs = append(recs, *rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})

	total := len(recs)
	start, end := pageBounds(total, limit, offset)
	return recs[start:end], total, nil
}

// UpsertCustomer refreshes the customer cache entry.
func (m *Memory) UpsertCustomer(ctx context.Context, rec *model.CustomerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *rec
	stored.LastSyncedAt = time.Now()
	m.customers[stored.ID] = &stored
	return nil
}

// GetCustomer retrieves a cached customer by billing-system id.
func (m *Memory) GetCustomer(ctx context.Context, id string) (*model.CustomerRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.customers[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

// AppendEvent appends an audit log entry.
func (m *Memory) AppendEvent(ctx context.Context, ev *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *ev
	if stored.ID == "" {
		stored.ID = uuid.Must(uuid.NewV7()).String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	m.events = append(m.events, stored)
	return nil
}

// Events returns a copy of the audit log, for tests.
func (m *Memory) Events() []model.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Event, len(m.events))
	copy(out, m.events)
	return out
}

func pageBounds(total, limit, offset int) (int, int) {
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if limit <= 0 || end > total {
		end = total
	}
	return start, end
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so accented text stays valid UTF-8.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	cut := s[:n]
	if i := strings.LastIndexByte(cut, ' '); i > n/2 {
		cut = cut[:i]
	}
	return cut
}
