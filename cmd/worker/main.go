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

	"github.com/go-chi/chi/v5"

	"github.com/Raymond9734/wa-campaign-dispatcher/internal/config"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/crm"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/db"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/logging"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/metrics"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/phone"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/queue"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/repository"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/service"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/whatsapp"
	"github.com/Raymond9734/wa-campaign-dispatcher/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize logger
	logger, logCloser := logging.New(cfg.Log, "worker")
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("starting dispatch worker")

	window, err := worker.ParseWindow(cfg.Worker.DeliveryWindow, cfg.Worker.Timezone)
	if err != nil {
		logger.Error("invalid delivery window", slog.String("error", err.Error()))
		os.Exit(1)
	}

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

	// Scheduled campaigns may resolve CRM targets when started
	crmClient, rdb, err := crm.Setup(cfg.CRM, cfg.Redis, logger)
	if err != nil {
		logger.Error("failed to set up crm", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
	}
	var crmSvc service.CRMClient
	if crmClient != nil {
		crmSvc = crmClient
	}

	// Initialize repositories
	campaignRepo := repository.NewCampaignRepository(database.DB)
	targetRepo := repository.NewTargetRepository(database.DB)
	senderRepo := repository.NewSenderRepository(database.DB)
	messageRepo := repository.NewMessageRepository(database.DB)
	queueClient := queue.NewPostgresClient(database.DB, logger)

	// Messaging API client
	waClient := whatsapp.NewClient(whatsapp.Config{
		BaseURL:     cfg.WhatsApp.BaseURL,
		APIVersion:  cfg.WhatsApp.APIVersion,
		AccessToken: cfg.WhatsApp.AccessToken,
		WABAID:      cfg.WhatsApp.WABAID,
		Timeout:     cfg.WhatsApp.Timeout,
	}, logger)

	var sender worker.MessageSender = waClient
	if cfg.Worker.DryRun {
		logger.Warn("dry run: messages are rendered but never sent")
		sender = worker.NewDryRunSender(waClient)
	}

	campaignSvc := service.NewCampaignService(
		db.NewTransactor(database.DB),
		campaignRepo,
		targetRepo,
		senderRepo,
		service.NewTargetService(crmSvc, phone.NewNormalizer(cfg.Phone.CountryCode, cfg.Phone.NationalLength), logger),
		queueClient,
		service.SenderDefaults{
			PhoneNumberID: cfg.WhatsApp.PhoneNumberID,
			Label:         cfg.WhatsApp.SenderLabel,
			QPS:           cfg.WhatsApp.DefaultQPS,
		},
		logger,
	)

	processor := worker.NewMessageProcessor(
		campaignRepo,
		targetRepo,
		senderRepo,
		messageRepo,
		queueClient,
		service.NewTemplateService(),
		sender,
		worker.ProcessorConfig{
			BackoffBase: cfg.Worker.BackoffBase,
			MaxAttempts: cfg.Worker.MaxAttempts,
		},
		logger,
	)

	dispatcher := worker.NewDispatcher(
		queueClient,
		processor,
		campaignSvc,
		campaignRepo,
		worker.DispatcherConfig{
			TickInterval: cfg.Worker.TickInterval,
			BatchSize:    cfg.Worker.BatchSize,
			StaleAfter:   cfg.Worker.StaleAfter,
			Window:       window,
		},
		logger,
	)

	// Metrics endpoint
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", metrics.Handler())
	metricsRouter.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Worker.MetricsPort),
		Handler:           metricsRouter,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	// Start dispatching
	stop := dispatcher.Start(context.Background())

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutting down worker", slog.String("signal", sig.String()))

	// Finishes the in-flight send and releases the rest of the batch
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown failed", slog.String("error", err.Error()))
	}

	logger.Info("worker stopped gracefully")
}
