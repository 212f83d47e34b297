// Package classifier provides voucher image extraction, intent detection and
// conversational reply generation, with deterministic rule-based fallbacks
// when no provider credential is configured.
package classifier

import (
	"context"

	"github.com/fiberperu/voucherbot/internal/model"
	"github.com/fiberperu/voucherbot/pkg/logger"
)

// Turn is one prior message given to the classifier as context.
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Intent is a classified intent label with confidence.
type Intent struct {
	Label      string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Intent labels.
const (
	IntentPayment   = "payment"
	IntentSupport   = "support"
	IntentComplaint = "complaint"
	IntentSales     = "sales"
	IntentInfo      = "info"
	IntentGreeting  = "greeting"
	IntentCut       = "cut"
	IntentUnknown   = "unknown"
)

// CustomerContext is what the reply generator may reveal about the customer.
type CustomerContext struct {
	Name string
	Plan string
	Debt *float64
}

// Client is the interface for the vision/intent classifier.
type Client interface {
	// ClassifyVoucher extracts structured voucher fields from an image. It
	// never fails the caller: when extraction is impossible the result has
	// Success false.
	ClassifyVoucher(ctx context.Context, image []byte, mime string) *model.VoucherExtraction

	// ClassifyIntent labels a free-text message.
	ClassifyIntent(ctx context.Context, text string, history []Turn) Intent

	// GenerateReply produces a customer-facing conversational reply.
	GenerateReply(ctx context.Context, text string, history []Turn, customer *CustomerContext) string

	// Name returns the provider name.
	Name() string
}

// Config holds classifier configuration.
type Config struct {
	OpenAIAPIKey    string
	OpenAIModel     string
	AnthropicAPIKey string
	SupportPhone    string
	SalesPhone      string
	PaymentBlock    string
}

// NewClient creates a classifier for the first configured provider, falling
// back to the deterministic rule-based classifier when no credential is set.
func NewClient(cfg Config, log *logger.Logger) Client {
	rules := NewRules(cfg, log)
	if cfg.OpenAIAPIKey != "" {
		return NewOpenAIClient(cfg, rules, log)
	}
	if cfg.AnthropicAPIKey != "" {
		return NewAnthropicClient(cfg, rules, log)
	}
	log.Warn("no classifier credential configured, using rule-based fallbacks")
	return rules
}
