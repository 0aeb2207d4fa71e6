package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/config"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/crm"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/db"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/events"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/handler"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/logging"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/phone"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/queue"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/repository"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize logger
	logger, logCloser := logging.New(cfg.Log, "api")
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting campaign API server")

	// Connect to database
	database, err := db.New(db.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer database.Close()

	if err := database.Migrate(context.Background()); err != nil {
		logger.Error("failed to migrate database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("connected to database")

	// CRM client and shared token store
	crmClient, rdb, err := crm.Setup(cfg.CRM, cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to set up crm", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// Status fan-out
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.RabbitMQ.URL != "" {
		rabbit, err := events.NewRabbitPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, logger)
		if err != nil {
			logger.Error("failed to connect to RabbitMQ", slog.String("error", err.Error()))
			os.Exit(1)
		}
		publisher = rabbit
	}
	defer publisher.Close()

	// Initialize repositories
	campaignRepo := repository.NewCampaignRepository(database.DB)
	targetRepo := repository.NewTargetRepository(database.DB)
	senderRepo := repository.NewSenderRepository(database.DB)
	messageRepo := repository.NewMessageRepository(database.DB)
	queueClient := queue.NewPostgresClient(database.DB, logger)

	// Initialize services
	normalizer := phone.NewNormalizer(cfg.Phone.CountryCode, cfg.Phone.NationalLength)

	// a nil *crm.Client must stay a nil interface
	var crmSvc service.CRMClient
	var crmHealth handler.CRMHealthChecker
	if crmClient != nil {
		crmSvc = crmClient
		crmHealth = crmClient
	}

	targetSvc := service.NewTargetService(crmSvc, normalizer, logger)
	campaignSvc := service.NewCampaignService(
		db.NewTransactor(database.DB),
		campaignRepo,
		targetRepo,
		senderRepo,
		targetSvc,
		queueClient,
		service.SenderDefaults{
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			Label:         cfg.WhatsApp.SenderLabel,
			QPS:           cfg.WhatsApp.DefaultQPS,
		},
		logger,
	)
	reconcileSvc := service.NewReconcileService(
		targetRepo,
		messageRepo,
		crmSvc,
		publisher,
		normalizer,
		service.ReconcileOptions{ReplyPhoneFallback: cfg.Reconciler.ReplyPhoneFallback},
		logger,
	)

	// Initialize handlers
	var redisPinger handler.Pinger
	if rdb != nil {
		redisPinger = handler.PingerFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	router := handler.NewRouter(
		handler.NewCampaignHandler(campaignSvc, logger),
		handler.NewWebhookHandler(reconcileSvc, cfg.WhatsApp.AppSecret, cfg.WhatsApp.VerifyToken, logger),
		handler.NewHealthHandler(handler.PingerFunc(database.Health), redisPinger, crmHealth, logger),
		logger,
	)

	// Create server
	addr := fmt.Sprintf(":%d", cfg.API.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("API server listening", slog.String("addr", addr))
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}

	case sig := <-quit:
		logger.Info("shutting down server", slog.String("signal", sig.String()))

		// Graceful shutdown with timeout
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown failed", slog.String("error", err.Error()))
			os.Exit(1)
		}

		logger.Info("server stopped gracefully")
	}
}
