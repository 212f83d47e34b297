package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fiberperu/voucherbot/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id              UUID PRIMARY KEY,
	phone           TEXT NOT NULL UNIQUE,
	display_name    TEXT NOT NULL DEFAULT '',
	mode            TEXT NOT NULL DEFAULT 'bot',
	dialog_state    TEXT NOT NULL DEFAULT 'none',
	customer_id     TEXT,
	last_intent     TEXT NOT NULL DEFAULT '',
	last_message    TEXT NOT NULL DEFAULT '',
	last_message_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	unread_count    INT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	id              UUID PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations(id),
	external_id     TEXT UNIQUE,
	direction       TEXT NOT NULL,
	sender          TEXT NOT NULL,
	type            TEXT NOT NULL,
	body            TEXT,
	media_id        TEXT,
	media_mime      TEXT,
	media_url       TEXT,
	media_filename  TEXT,
	media_size      BIGINT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS payments (
	id                 UUID PRIMARY KEY,
	conversation_id    UUID NOT NULL REFERENCES conversations(id),
	message_id         UUID NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	result_code        TEXT NOT NULL DEFAULT '',
	extraction         JSONB,
	debt_snapshot      NUMERIC(10,2),
	amount_difference  NUMERIC(10,2),
	reason             TEXT NOT NULL DEFAULT '',
	duplicate_of       TEXT NOT NULL DEFAULT '',
	billing_payment_id TEXT NOT NULL DEFAULT '',
	invoice_id         TEXT NOT NULL DEFAULT '',
	registered         BOOLEAN NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	validated_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_payments_operation_code
	ON payments ((extraction->>'operation_code')) WHERE status = 'validated';

CREATE TABLE IF NOT EXISTS customers (
	id             TEXT PRIMARY KEY,
	phone          TEXT,
	name           TEXT NOT NULL DEFAULT '',
	username       TEXT,
	plan           TEXT,
	last_synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS events (
	id              UUID PRIMARY KEY,
	conversation_id UUID NOT NULL,
	payment_id      TEXT,
	type            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// Postgres is the pgx-backed Store implementation.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to Postgres and ensures the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// Ping checks database connectivity, for readiness probes.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

const conversationColumns = `id, phone, display_name, mode, dialog_state, customer_id,
	last_intent, last_message, last_message_at, unread_count, created_at, updated_at`

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var conv model.Conversation
	err := row.Scan(
		&conv.ID, &conv.Phone, &conv.DisplayName, &conv.Mode, &conv.DialogState,
		&conv.CustomerID, &conv.LastIntent, &conv.LastMessage, &conv.LastMessageAt,
		&conv.UnreadCount, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// UpsertConversationOnInbound creates the conversation on first contact or
// bumps its last-message summary and unread counter.
func (p *Postgres) UpsertConversationOnInbound(ctx context.Context, phone, displayName, lastMessage string) (*model.Conversation, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, phone, display_name, last_message, last_message_at, unread_count)
		VALUES ($1, $2, $3, $4, NOW(), 1)
		ON CONFLICT (phone) DO UPDATE SET
			display_name    = CASE
				WHEN conversations.display_name = '' OR conversations.display_name = conversations.phone
				THEN COALESCE(NULLIF(EXCLUDED.display_name, conversations.phone), conversations.display_name)
				ELSE conversations.display_name END,
			last_message    = EXCLUDED.last_message,
			last_message_at = NOW(),
			unread_count    = conversations.unread_count + 1,
			updated_at      = NOW()
		RETURNING `+conversationColumns,
		uuid.Must(uuid.NewV7()).String(), phone, displayName, lastMessage)
	return scanConversation(row)
}

// GetConversation retrieves a conversation by ID.
func (p *Postgres) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

// GetConversationByPhone retrieves a conversation by sender phone.
func (p *Postgres) GetConversationByPhone(ctx context.Context, phone string) (*model.Conversation, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE phone = $1`, phone)
	return scanConversation(row)
}

// UpdateConversation saves a conversation's mutable fields.
func (p *Postgres) UpdateConversation(ctx context.Context, conv *model.Conversation) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE conversations SET
			display_name = $2, mode = $3, dialog_state = $4, customer_id = $5,
			last_intent = $6, last_message = $7, last_message_at = $8,
			unread_count = $9, updated_at = NOW()
		WHERE id = $1`,
		conv.ID, conv.DisplayName, conv.Mode, conv.DialogState, conv.CustomerID,
		conv.LastIntent, conv.LastMessage, conv.LastMessageAt, conv.UnreadCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversations returns conversations ordered by most recent activity.
func (p *Postgres) ListConversations(ctx context.Context, limit, offset int) ([]model.Conversation, int, error) {
	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		ORDER BY last_message_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		convs = append(convs, *conv)
	}
	return convs, total, rows.Err()
}

const messageColumns = `id, conversation_id, COALESCE(external_id, ''), direction, sender, type,
	COALESCE(body, ''), COALESCE(media_id, ''), COALESCE(media_mime, ''),
	COALESCE(media_url, ''), COALESCE(media_filename, ''), media_size, created_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var msg model.Message
	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.ExternalID, &msg.Direction, &msg.Sender,
		&msg.Type, &msg.Body, &msg.MediaID, &msg.MediaMime, &msg.MediaURL,
		&msg.MediaFilename, &msg.MediaSize, &msg.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// InsertInboundMessage stores an inbound message, rejecting duplicates by
// external id.
func (p *Postgres) InsertInboundMessage(ctx context.Context, msg *model.Message) error {
	if err := p.InsertMessage(ctx, msg); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// InsertMessage stores a message row.
func (p *Postgres) InsertMessage(ctx context.Context, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	var externalID *string
	if msg.ExternalID != "" {
		externalID = &msg.ExternalID
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, external_id, direction, sender, type,
			body, media_id, media_mime, media_url, media_filename, media_size, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		msg.ID, msg.ConversationID, externalID, msg.Direction, msg.Sender, msg.Type,
		msg.Body, msg.MediaID, msg.MediaMime, msg.MediaURL, msg.MediaFilename,
		msg.MediaSize, msg.CreatedAt)
	return err
}

// UpdateMessageMedia backfills media metadata after a download completes.
func (p *Postgres) UpdateMessageMedia(ctx context.Context, messageID, url, filename, mime string, size int64) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE messages SET media_url = $2, media_filename = $3, media_mime = $4, media_size = $5
		WHERE id = $1`, messageID, url, filename, mime, size)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMessages returns a conversation's messages in chronological order.
func (p *Postgres) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, int, error) {
	var total int
	if err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`,
		conversationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, total, rows.Err()
}

// RecentMessages returns the last limit text messages in chronological order.
func (p *Postgres) RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND type = 'text' AND body IS NOT NULL
			ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

const paymentColumns = `id, conversation_id, message_id, status, result_code, extraction,
	debt_snapshot, amount_difference, reason, duplicate_of,
	billing_payment_id, invoice_id, registered, created_at, updated_at, validated_at`

func scanPayment(row pgx.Row) (*model.PaymentRecord, error) {
	var rec model.PaymentRecord
	var extraction []byte
	err := row.Scan(
		&rec.ID, &rec.ConversationID, &rec.MessageID, &rec.Status, &rec.ResultCode, &extraction,
		&rec.DebtSnapshot, &rec.AmountDifference, &rec.Reason, &rec.DuplicateOf,
		&rec.BillingPaymentID, &rec.InvoiceID, &rec.Registered,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ValidatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(extraction) > 0 {
		var ext model.VoucherExtraction
		if err := json.Unmarshal(extraction, &ext); err == nil {
			rec.Extraction = &ext
		}
	}
	return &rec, nil
}

func marshalExtraction(rec *model.PaymentRecord) ([]byte, error) {
	if rec.Extraction == nil {
		return nil, nil
	}
	return json.Marshal(rec.Extraction)
}

// CreatePayment stores a new payment record.
func (p *Postgres) CreatePayment(ctx context.Context, rec *model.PaymentRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	extraction, err := marshalExtraction(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal extraction: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO payments (id, conversation_id, message_id, status, result_code, extraction,
			debt_snapshot, amount_difference, reason, duplicate_of,
			billing_payment_id, invoice_id, registered, created_at, updated_at, validated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW(),$15)`,
		rec.ID, rec.ConversationID, rec.MessageID, rec.Status, rec.ResultCode, extraction,
		rec.DebtSnapshot, rec.AmountDifference, rec.Reason, rec.DuplicateOf,
		rec.BillingPaymentID, rec.InvoiceID, rec.Registered, rec.CreatedAt, rec.ValidatedAt)
	return err
}

// GetPayment retrieves a payment record by ID.
func (p *Postgres) GetPayment(ctx context.Context, id string) (*model.PaymentRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

// UpdatePayment saves a payment record's mutable fields.
func (p *Postgres) UpdatePayment(ctx context.Context, rec *model.PaymentRecord) error {
	extraction, err := marshalExtraction(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal extraction: %w", err)
	}
	tag, err := p.pool.Exec(ctx, `
		UPDATE payments SET status = $2, result_code = $3, extraction = $4,
			debt_snapshot = $5, amount_difference = $6, reason = $7, duplicate_of = $8,
			billing_payment_id = $9, invoice_id = $10, registered = $11,
			validated_at = $12, updated_at = NOW()
		WHERE id = $1`,
		rec.ID, rec.Status, rec.ResultCode, extraction, rec.DebtSnapshot, rec.AmountDifference,
		rec.Reason, rec.DuplicateOf, rec.BillingPaymentID, rec.InvoiceID,
		rec.Registered, rec.ValidatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestPendingPayment returns the most recent pending record for a conversation.
func (p *Postgres) LatestPendingPayment(ctx context.Context, conversationID string) (*model.PaymentRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE conversation_id = $1 AND status = 'pending'
		ORDER BY created_at DESC LIMIT 1`, conversationID)
	return scanPayment(row)
}

// FindValidatedByOperationCode returns a validated record carrying the given
// operation code, excluding the record being finalized.
func (p *Postgres) FindValidatedByOperationCode(ctx context.Context, code, excludeID string) (*model.PaymentRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE extraction->>'operation_code' = $1 AND id != $2 AND status = 'validated'
		LIMIT 1`, code, excludeID)
	return scanPayment(row)
}

// ListPayments returns payment records, newest first.
func (p *Postgres) ListPayments(ctx context.Context, limit, offset int) ([]model.PaymentRecord, int, error) {
	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM payments`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var recs []model.PaymentRecord
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, 0, err
		}
		recs = append(recs, *rec)
	}
	return recs, total, rows.Err()
}

// UpsertCustomer refreshes the customer cache entry.
func (p *Postgres) UpsertCustomer(ctx context.Context, rec *model.CustomerRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO customers (id, phone, name, username, plan, last_synced_at)
		VALUES ($1,$2,$3,$4,$5,NOW())
		ON CONFLICT (id) DO UPDATE SET
			phone = $2, name = $3, username = $4, plan = $5, last_synced_at = NOW()`,
		rec.ID, rec.Phone, rec.Name, rec.Username, rec.Plan)
	return err
}

// GetCustomer retrieves a cached customer by billing-system id.
func (p *Postgres) GetCustomer(ctx context.Context, id string) (*model.CustomerRecord, error) {
	var rec model.CustomerRecord
	err := p.pool.QueryRow(ctx, `
		SELECT id, COALESCE(phone, ''), name, COALESCE(username, ''), COALESCE(plan, ''), last_synced_at
		FROM customers WHERE id = $1`, id).Scan(
		&rec.ID, &rec.Phone, &rec.Name, &rec.Username, &rec.Plan, &rec.LastSyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// AppendEvent appends an audit log entry.
func (p *Postgres) AppendEvent(ctx context.Context, ev *model.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.Must(uuid.NewV7()).String()
	}
	var paymentID *string
	if ev.PaymentID != "" {
		paymentID = &ev.PaymentID
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO events (id, conversation_id, payment_id, type, description)
		VALUES ($1,$2,$3,$4,$5)`,
		ev.ID, ev.ConversationID, paymentID, ev.Type, ev.Description)
	return err
}
