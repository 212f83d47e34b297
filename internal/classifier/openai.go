package classifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/fiberperu/voucherbot/internal/model"
	"github.com/fiberperu/voucherbot/pkg/logger"
	"github.com/fiberperu/voucherbot/pkg/metrics"
)

// visionModel is the model used for voucher image extraction; the cheaper
// configured model handles intent and replies.
const visionModel = "gpt-4o"

// OpenAIClient is the OpenAI-backed classifier.
type OpenAIClient struct {
	client *openai.Client
	cfg    Config
	rules  *Rules
	logger *logger.Logger
}

// NewOpenAIClient creates an OpenAI classifier that degrades to the
// rule-based fallback on provider failure.
func NewOpenAIClient(cfg Config, rules *Rules, log *logger.Logger) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClient(cfg.OpenAIAPIKey),
		cfg:    cfg,
		rules:  rules,
		logger: log,
	}
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// jsonBlock extracts the first JSON object embedded in a model response.
var jsonBlock = regexp.MustCompile(`(?s)\{.*\}`)

// voucherResponse mirrors the JSON shape the vision prompt asks for.
type voucherResponse struct {
	IsValid       bool     `json:"es_comprobante_valido"`
	Method        string   `json:"medio_pago"`
	Amount        *float64 `json:"monto"`
	Currency      string   `json:"moneda"`
	OperationCode string   `json:"codigo_operacion"`
	Date          string   `json:"fecha"`
	PayerName     string   `json:"nombre_pagador"`
	Confidence    string   `json:"confianza"`
	InvalidReason string   `json:"razon_invalido"`
}

// ClassifyVoucher extracts voucher fields from an image via GPT-4o vision.
func (c *OpenAIClient) ClassifyVoucher(ctx context.Context, image []byte, mime string) *model.VoucherExtraction {
	start := time.Now()
	if mime == "" {
		mime = "image/jpeg"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(image))

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     visionModel,
		MaxTokens: 500,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: voucherPrompt()},
					{
						Type: openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{
							URL:    dataURL,
							Detail: openai.ImageURLDetailHigh,
						},
					},
				},
			},
		},
	})
	if err != nil {
		c.logger.Error("vision analysis failed", zap.Error(err))
		metrics.RecordClassifier("voucher", c.Name(), "error", time.Since(start).Seconds())
		return &model.VoucherExtraction{Success: false, Confidence: model.ConfidenceNone}
	}
	metrics.RecordClassifier("voucher", c.Name(), "ok", time.Since(start).Seconds())

	var content string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	raw := jsonBlock.FindString(content)
	if raw == "" {
		c.logger.Warn("vision response contained no JSON")
		return &model.VoucherExtraction{Success: false, Confidence: model.ConfidenceNone}
	}

	var parsed voucherResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		c.logger.Warn("vision response JSON invalid", zap.Error(err))
		return &model.VoucherExtraction{Success: false, Confidence: model.ConfidenceNone}
	}

	extraction := &model.VoucherExtraction{
		Success:       true,
		IsValid:       parsed.IsValid,
		PaymentMethod: parsed.Method,
		Amount:        parsed.Amount,
		Currency:      parsed.Currency,
		OperationCode: parsed.OperationCode,
		PaymentDate:   parsed.Date,
		PayerName:     parsed.PayerName,
		Confidence:    confidenceFromSpanish(parsed.Confidence),
		InvalidReason: parsed.InvalidReason,
	}
	if extraction.Currency == "" {
		extraction.Currency = "PEN"
	}
	c.logger.Info("vision analysis complete",
		zap.Bool("valid", extraction.IsValid),
		zap.String("method", extraction.PaymentMethod),
		zap.String("confidence", string(extraction.Confidence)))
	return extraction
}

// ClassifyIntent labels a message via the chat model, degrading to the
// rule-based classifier on failure.
func (c *OpenAIClient) ClassifyIntent(ctx context.Context, text string, history []Turn) Intent {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: intentPrompt},
	}
	for _, t := range historyTurns(history, 3) {
		messages = append(messages, openai.ChatCompletionMessage{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.OpenAIModel,
		Messages:    messages,
		MaxTokens:   50,
		Temperature: 0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil || len(resp.Choices) == 0 {
		metrics.RecordClassifier("intent", c.Name(), "error", time.Since(start).Seconds())
		return c.rules.ClassifyIntent(ctx, text, history)
	}
	metrics.RecordClassifier("intent", c.Name(), "ok", time.Since(start).Seconds())

	var intent Intent
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &intent); err != nil {
		return c.rules.ClassifyIntent(ctx, text, history)
	}
	return intent
}

// GenerateReply produces a conversational reply, degrading to the canned
// fallback response on failure.
func (c *OpenAIClient) GenerateReply(ctx context.Context, text string, history []Turn, customer *CustomerContext) string {
	start := time.Now()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: c.cfg.replySystemPrompt(customer)},
	}
	for _, t := range historyTurns(history, 10) {
		messages = append(messages, openai.ChatCompletionMessage{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.cfg.OpenAIModel,
		Messages:    messages,
		MaxTokens:   300,
		Temperature: 0.7,
	})
	if err != nil || len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		c.logger.Warn("reply generation failed, using fallback", zap.Error(err))
		metrics.RecordClassifier("reply", c.Name(), "error", time.Since(start).Seconds())
		return c.rules.GenerateReply(ctx, text, history, customer)
	}
	metrics.RecordClassifier("reply", c.Name(), "ok", time.Since(start).Seconds())
	return resp.Choices[0].Message.Content
}

func confidenceFromSpanish(s string) model.Confidence {
	switch s {
	case "alta":
		return model.ConfidenceHigh
	case "media":
		return model.ConfidenceMedium
	case "baja":
		return model.ConfidenceLow
	}
	return model.ConfidenceLow
}
