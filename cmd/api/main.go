// Package main is the entry point for the voucher bot API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fiberperu/voucherbot/internal/billing"
	"github.com/fiberperu/voucherbot/internal/classifier"
	"github.com/fiberperu/voucherbot/internal/config"
	"github.com/fiberperu/voucherbot/internal/dialog"
	"github.com/fiberperu/voucherbot/internal/events"
	"github.com/fiberperu/voucherbot/internal/gateway"
	"github.com/fiberperu/voucherbot/internal/handler"
	"github.com/fiberperu/voucherbot/internal/middleware"
	"github.com/fiberperu/voucherbot/internal/reconcile"
	"github.com/fiberperu/voucherbot/internal/store"
	"github.com/fiberperu/voucherbot/internal/whatsapp"
	"github.com/fiberperu/voucherbot/pkg/logger"
	"github.com/fiberperu/voucherbot/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting voucher bot API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "voucherbot", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS. The event stream is best-effort: the bot keeps
	// answering customers when the broker is down.
	var natsClient *events.Client
	nc, err := events.Connect(ctx, events.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Warn("NATS unavailable, event publishing disabled", zap.Error(err))
	} else {
		natsClient = nc
		defer natsClient.Close()
	}

	publisher := events.NewPublisher(natsClient, log)
	if err := publisher.EnsureStream(ctx); err != nil {
		log.Warn("failed to ensure event stream", zap.Error(err))
	}

	// Initialize the store
	var (
		st     store.Store
		pg     *store.Postgres
		pinger handler.Pinger
	)
	if cfg.DatabaseURL != "" {
		pg, err = store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to postgres", zap.Error(err))
			os.Exit(1)
		}
		defer pg.Close()
		st = pg
		pinger = pg
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemory()
	}

	// Initialize external clients
	billingClient := billing.NewClient(billing.Config{
		BaseURL:    cfg.BillingAPIURL,
		APIToken:   cfg.BillingAPIToken,
		Timeout:    cfg.BillingTimeout,
		MaxRetries: cfg.BillingMaxRetries,
	}, log)

	classifierClient := classifier.NewClient(classifier.Config{
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		OpenAIModel:     cfg.OpenAIModel,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		SupportPhone:    cfg.SupportPhone,
		SalesPhone:      cfg.SalesPhone,
		PaymentBlock:    paymentMethodsBlock(cfg),
	}, log)

	waClient := whatsapp.NewClient(whatsapp.Config{
		Token:       cfg.WhatsAppToken,
		PhoneID:     cfg.WhatsAppPhoneID,
		VerifyToken: cfg.WhatsAppVerifyToken,
		AppSecret:   cfg.WhatsAppAppSecret,
		GraphURL:    cfg.WhatsAppGraphURL,
		UploadsDir:  cfg.UploadsDir,
	}, log)

	if err := os.MkdirAll(cfg.UploadsDir, 0o755); err != nil {
		log.Error("failed to create uploads directory", zap.Error(err))
		os.Exit(1)
	}

	// Initialize the domain layers
	engine := reconcile.NewEngine(st, billingClient, publisher, cfg.AmountTolerance, log)
	machine := dialog.NewMachine(st, billingClient, classifierClient, waClient, engine, publisher, dialog.Templates{
		SupportPhone: cfg.SupportPhone,
		SalesPhone:   cfg.SalesPhone,
	}, log)
	dispatcher := gateway.NewDispatcher(machine, log)
	gw := gateway.New(cfg.WhatsAppVerifyToken, cfg.WhatsAppAppSecret, dispatcher, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(natsClient, pinger)
	conversationHandler := handler.NewConversationHandler(st, waClient, publisher, log)
	paymentHandler := handler.NewPaymentHandler(st, billingClient, publisher, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// WhatsApp webhook (Meta signs requests, no JWT here)
	r.Get("/webhook", gw.Verify)
	r.Post("/webhook", gw.Receive)

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Stored voucher images for the operator console
	r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.UploadsDir))))

	// Operator API with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Get("/messages", conversationHandler.Messages)
				r.Post("/messages", conversationHandler.Reply)
				r.Post("/takeover", conversationHandler.Takeover)
				r.Post("/release", conversationHandler.Release)
			})
		})

		// Payments
		r.Route("/payments", func(r chi.Router) {
			r.Get("/", paymentHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", paymentHandler.Get)
				r.Post("/review", paymentHandler.Review)
			})
		})

		// Billing actions
		r.With(middleware.RequireRole("admin")).Post("/billing/suspend", paymentHandler.Suspend)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// Drain queued webhook events before closing downstreams
	dispatcher.Wait()

	log.Info("server stopped")
}

// paymentMethodsBlock renders the payment instructions the assistant shares
// with customers who ask how to pay.
func paymentMethodsBlock(cfg *config.Config) string {
	var b strings.Builder
	b.WriteString("MEDIOS DE PAGO:\n")
	if cfg.YapeNumber != "" {
		fmt.Fprintf(&b, "- Yape: *%s* (%s)\n", cfg.YapeNumber, cfg.YapeName)
	}
	if cfg.PlinNumber != "" {
		fmt.Fprintf(&b, "- Plin: *%s* (%s)\n", cfg.PlinNumber, cfg.PlinName)
	}
	if cfg.BCPAccountNumber != "" {
		fmt.Fprintf(&b, "- Cuenta BCP: *%s* (%s)\n", cfg.BCPAccountNumber, cfg.BCPAccountName)
	}
	if cfg.BCPCCI != "" {
		fmt.Fprintf(&b, "- CCI: *%s*\n", cfg.BCPCCI)
	}
	return b.String()
}
