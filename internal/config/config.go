// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration

	// Postgres settings (empty DatabaseURL selects the in-memory store)
	DatabaseURL string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// WhatsApp Cloud API settings
	WhatsAppToken       string
	WhatsAppPhoneID     string
	WhatsAppVerifyToken string
	WhatsAppAppSecret   string
	WhatsAppGraphURL    string
	UploadsDir          string

	// Classifier settings
	OpenAIAPIKey    string
	OpenAIModel     string
	AnthropicAPIKey string

	// Billing system settings
	BillingAPIURL     string
	BillingAPIToken   string
	BillingTimeout    time.Duration
	BillingMaxRetries int

	// Payment validation
	AmountTolerance float64

	// Contact numbers shown in customer-facing templates
	SupportPhone string
	SalesPhone   string

	// Payment method display block
	YapeNumber       string
	YapeName         string
	PlinNumber       string
	PlinName         string
	BCPAccountNumber string
	BCPAccountName   string
	BCPCCI           string

	// JWT settings for the operator API
	JWTSecret     string
	JWTExpiration time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),

		// Postgres
		DatabaseURL: getEnv("DATABASE_URL", ""),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// WhatsApp
		WhatsAppToken:       getEnv("WHATSAPP_TOKEN", ""),
		WhatsAppPhoneID:     getEnv("WHATSAPP_PHONE_ID", ""),
		WhatsAppVerifyToken: getEnv("WHATSAPP_VERIFY_TOKEN", ""),
		WhatsAppAppSecret:   getEnv("WHATSAPP_APP_SECRET", ""),
		WhatsAppGraphURL:    getEnv("WHATSAPP_GRAPH_URL", "https://graph.facebook.com/v22.0"),
		UploadsDir:          getEnv("UPLOADS_DIR", "./uploads"),

		// Classifier
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),

		// Billing
		BillingAPIURL:     getEnv("WISPHUB_API_URL", "https://api.wisphub.app/api"),
		BillingAPIToken:   getEnv("WISPHUB_API_TOKEN", ""),
		BillingTimeout:    getDurationEnv("WISPHUB_TIMEOUT", 30*time.Second),
		BillingMaxRetries: getIntEnv("WISPHUB_MAX_RETRIES", 3),

		// Payment validation
		AmountTolerance: getFloatEnv("AMOUNT_TOLERANCE", 0.50),

		// Contacts
		SupportPhone: getEnv("SUPPORT_PHONE", "932258382"),
		SalesPhone:   getEnv("SALES_PHONE", "940366709"),

		// Payment methods
		YapeNumber:       getEnv("YAPE_NUMBER", ""),
		YapeName:         getEnv("YAPE_NAME", "Fiber Peru"),
		PlinNumber:       getEnv("PLIN_NUMBER", ""),
		PlinName:         getEnv("PLIN_NAME", "Fiber Peru"),
		BCPAccountNumber: getEnv("BCP_ACCOUNT_NUMBER", ""),
		BCPAccountName:   getEnv("BCP_ACCOUNT_NAME", ""),
		BCPCCI:           getEnv("BCP_CCI", ""),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
