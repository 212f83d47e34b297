package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/fiberperu/voucherbot/pkg/logger"
	"github.com/fiberperu/voucherbot/pkg/metrics"
)

// maxMediaBytes caps voucher downloads. Yape/Plin screenshots are well under
// this.
const maxMediaBytes = 10 << 20

// Config holds WhatsApp Cloud API settings.
type Config struct {
	Token       string
	PhoneID     string
	VerifyToken string
	AppSecret   string
	GraphURL    string
	UploadsDir  string
}

// Client talks to the WhatsApp Cloud API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *logger.Logger
}

// Media describes a downloaded media file persisted to local storage.
type Media struct {
	LocalPath string
	URL       string
	Filename  string
	Mime      string
	Size      int64
	Data      []byte
}

// NewClient creates a WhatsApp Cloud API client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log,
	}
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText sends a text message to a phone number in international format.
// It returns the provider message id.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": body},
	}
	return c.sendMessage(ctx, payload)
}

// SendImage sends an image by public link with an optional caption.
func (c *Client) SendImage(ctx context.Context, to, link, caption string) (string, error) {
	image := map[string]any{"link": link}
	if caption != "" {
		image["caption"] = caption
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "image",
		"image":             image,
	}
	return c.sendMessage(ctx, payload)
}

// MarkRead marks an inbound message as read. Failures are logged and
// swallowed: read receipts never block message handling.
func (c *Client) MarkRead(ctx context.Context, messageID string) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        messageID,
	}
	if _, err := c.sendMessage(ctx, payload); err != nil {
		c.logger.Warn("mark read failed", zap.String("message_id", messageID), zap.Error(err))
	}
}

func (c *Client) sendMessage(ctx context.Context, payload map[string]any) (string, error) {
	start := time.Now()

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.cfg.GraphURL, c.cfg.PhoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordWhatsAppSend("error", time.Since(start).Seconds())
		return "", fmt.Errorf("whatsapp request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 400 {
		metrics.RecordWhatsAppSend("error", time.Since(start).Seconds())
		var ae apiError
		if json.Unmarshal(data, &ae) == nil && ae.Error.Message != "" {
			return "", fmt.Errorf("whatsapp api error %d: %s", resp.StatusCode, ae.Error.Message)
		}
		return "", fmt.Errorf("whatsapp api status %d", resp.StatusCode)
	}
	metrics.RecordWhatsAppSend("ok", time.Since(start).Seconds())

	var sr sendResponse
	if err := json.Unmarshal(data, &sr); err != nil || len(sr.Messages) == 0 {
		return "", nil
	}
	return sr.Messages[0].ID, nil
}

type mediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size"`
}

// DownloadMedia resolves a media id, downloads the binary, and persists it
// under the uploads directory. The returned Media carries both the raw bytes
// (for voucher analysis) and a local serving path.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) (*Media, error) {
	info, err := c.mediaInfo(ctx, mediaID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download media status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, err
	}

	ext := extensionFor(info.MimeType)
	filename := fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), mediaID, ext)

	if err := os.MkdirAll(c.cfg.UploadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create uploads dir: %w", err)
	}
	localPath := filepath.Join(c.cfg.UploadsDir, filename)
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("persist media: %w", err)
	}

	c.logger.Info("media downloaded",
		zap.String("media_id", mediaID),
		zap.String("mime", info.MimeType),
		zap.Int("bytes", len(data)))

	return &Media{
		LocalPath: localPath,
		URL:       "/uploads/" + filename,
		Filename:  filename,
		Mime:      info.MimeType,
		Size:      int64(len(data)),
		Data:      data,
	}, nil
}

func (c *Client) mediaInfo(ctx context.Context, mediaID string) (*mediaInfo, error) {
	url := fmt.Sprintf("%s/%s", c.cfg.GraphURL, mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolve media status %d", resp.StatusCode)
	}

	var info mediaInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	if info.URL == "" {
		return nil, fmt.Errorf("media %s has no download url", mediaID)
	}
	return &info, nil
}

func extensionFor(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "application/pdf":
		return ".pdf"
	default:
		return ".jpg"
	}
}
