package classifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/fiberperu/voucherbot/internal/model"
	"github.com/fiberperu/voucherbot/pkg/logger"
	"github.com/fiberperu/voucherbot/pkg/metrics"
)

const anthropicModel = "claude-3-5-haiku-20241022"

// AnthropicClient is the Anthropic-backed classifier. It handles intent and
// reply generation; voucher images are routed to manual review because the
// pinned SDK does not expose vision input.
type AnthropicClient struct {
	client *anthropic.Client
	cfg    Config
	rules  *Rules
	logger *logger.Logger
}

// NewAnthropicClient creates an Anthropic classifier that degrades to the
// rule-based fallback on provider failure.
func NewAnthropicClient(cfg Config, rules *Rules, log *logger.Logger) *AnthropicClient {
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(cfg.AnthropicAPIKey)),
		cfg:    cfg,
		rules:  rules,
		logger: log,
	}
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// ClassifyVoucher always reports an unsuccessful extraction so the payment
// lands in manual review rather than being auto-rejected.
func (c *AnthropicClient) ClassifyVoucher(ctx context.Context, image []byte, mime string) *model.VoucherExtraction {
	c.logger.Warn("voucher image received but provider has no vision support",
		zap.String("provider", c.Name()))
	return &model.VoucherExtraction{Success: false, Confidence: model.ConfidenceNone}
}

// ClassifyIntent labels a message, degrading to the rule-based classifier on
// failure.
func (c *AnthropicClient) ClassifyIntent(ctx context.Context, text string, history []Turn) Intent {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	content, err := c.complete(ctx, intentPrompt, text, history, 3, 50)
	if err != nil {
		metrics.RecordClassifier("intent", c.Name(), "error", time.Since(start).Seconds())
		return c.rules.ClassifyIntent(ctx, text, history)
	}
	metrics.RecordClassifier("intent", c.Name(), "ok", time.Since(start).Seconds())

	raw := jsonBlock.FindString(content)
	if raw == "" {
		return c.rules.ClassifyIntent(ctx, text, history)
	}
	var intent Intent
	if err := json.Unmarshal([]byte(raw), &intent); err != nil {
		return c.rules.ClassifyIntent(ctx, text, history)
	}
	return intent
}

// GenerateReply produces a conversational reply, degrading to the canned
// fallback response on failure.
func (c *AnthropicClient) GenerateReply(ctx context.Context, text string, history []Turn, customer *CustomerContext) string {
	start := time.Now()

	content, err := c.complete(ctx, c.cfg.replySystemPrompt(customer), text, history, 10, 300)
	if err != nil || content == "" {
		c.logger.Warn("reply generation failed, using fallback", zap.Error(err))
		metrics.RecordClassifier("reply", c.Name(), "error", time.Since(start).Seconds())
		return c.rules.GenerateReply(ctx, text, history, customer)
	}
	metrics.RecordClassifier("reply", c.Name(), "ok", time.Since(start).Seconds())
	return content
}

func (c *AnthropicClient) complete(ctx context.Context, system, text string, history []Turn, historyLimit, maxTokens int) (string, error) {
	turns := historyTurns(history, historyLimit)
	messages := make([]anthropic.MessageParam, 0, len(turns)+1)
	for _, t := range turns {
		messages = append(messages, textMessage(t.Role, t.Content))
	}
	messages = append(messages, textMessage("user", text))

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.F(anthropicModel),
		MaxTokens: anthropic.F(int64(maxTokens)),
		System: anthropic.F([]anthropic.TextBlockParam{
			{
				Type: anthropic.F(anthropic.TextBlockParamTypeText),
				Text: anthropic.F(system),
			},
		}),
		Messages: anthropic.F(messages),
	})
	if err != nil {
		return "", err
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			content += block.Text
		}
	}
	return content, nil
}

func textMessage(role, content string) anthropic.MessageParam {
	return anthropic.MessageParam{
		Role: anthropic.F(anthropic.MessageParamRole(role)),
		Content: anthropic.F([]anthropic.ContentBlockParamUnion{
			anthropic.TextBlockParam{
				Type: anthropic.F(anthropic.TextBlockParamTypeText),
				Text: anthropic.F(content),
			},
		}),
	}
}
