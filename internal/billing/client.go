package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fiberperu/voucherbot/pkg/logger"
	"github.com/fiberperu/voucherbot/pkg/metrics"
)

// ErrNotFound is returned when a customer lookup finds no match.
var ErrNotFound = errors.New("billing: not found")

// APIError is a non-2xx response from the billing API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("billing API status %d: %s", e.Status, e.Body)
}

// Config holds billing client configuration.
type Config struct {
	BaseURL    string
	APIToken   string
	Timeout    time.Duration
	MaxRetries int
}

// Client is a WispHub REST API client with bounded retry on reads.
type Client struct {
	baseURL    string
	token      string
	maxRetries int
	http       *http.Client
	logger     *logger.Logger
}

// NewClient creates a billing client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.APIToken,
		maxRetries: maxRetries,
		http:       &http.Client{Timeout: timeout},
		logger:     log,
	}
}

// do performs one HTTP request against the billing API.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Api-Key "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{Status: resp.StatusCode, Body: truncateBody(data)}
	}
	return data, nil
}

// get performs a GET with bounded exponential retry. 4xx responses abort the
// retry loop immediately: they signal a request-shape problem, not transience.
func (c *Client) get(ctx context.Context, operation, path string, params url.Values) ([]byte, error) {
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second

	var data []byte
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		data, err = c.do(ctx, http.MethodGet, path, params, nil)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			return backoff.Permanent(err)
		}
		if attempt > 1 {
			metrics.BillingRetriesTotal.WithLabelValues(operation).Inc()
		}
		c.logger.Warn("billing request retrying",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxRetries-1)), ctx))

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordBillingRequest(operation, status, time.Since(start).Seconds())
	return data, err
}

func truncateBody(data []byte) string {
	s := string(data)
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}

// normalize lowercases, strips accents and drops non-alphanumeric runes, so
// name comparisons survive the upstream's inconsistent casing and accents.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = accentReplacer.Replace(s)
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == ' ' {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

var accentReplacer = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
)

// nameTokens splits a normalized name into tokens longer than two runes.
func nameTokens(name string) []string {
	var tokens []string
	for _, w := range strings.Fields(normalize(name)) {
		if len(w) > 2 {
			tokens = append(tokens, w)
		}
	}
	return tokens
}

// digitsOnly strips every non-digit rune from a phone number.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
