package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-business-service/internal/config"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/consent"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/events"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/resolver"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/usecase"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/vault"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/webhook"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/utils"
)

func main() {
	// Set timezone to UTC
	time.Local = time.UTC

	// Load configuration
	cfg, err := config.LoadConfig("")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Initialize(cfg.LogLevel); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	metricsEnabled := cfg.Metrics.Enabled
	observer.InitMetrics(metricsEnabled)

	logger.Log.Info("Starting Daisi WA Business Service",
		zap.String("environment", cfg.Environment),
		zap.String("nats_url", cfg.NATS.URL),
	)

	// Initialize repositories
	postgresRepo, err := storage.NewPostgresRepo(cfg.Database.PostgresDSN, cfg.Database.PostgresAutoMigrate)
	if err != nil {
		logger.Log.Fatal("Failed to initialize Postgres repository", zap.Error(err))
	}

	credentialRepo := storage.NewCredentialRepoAdapter(postgresRepo)
	channelRepo := storage.NewTenantChannelRepoAdapter(postgresRepo)
	messageRepo := storage.NewMessageRepoAdapter(postgresRepo)
	templateRepo := storage.NewTemplateRepoAdapter(postgresRepo)
	eventRepo := storage.NewWebhookEventRepoAdapter(postgresRepo)
	optInRepo := storage.NewOptInRepoAdapter(postgresRepo)

	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	// Outbound domain events publisher (optional: only when NATS configured)
	var publisher *events.Publisher
	if cfg.NATS.URL != "" {
		publisher, err = events.NewPublisher(mainCtx, events.Config{
			URL:             cfg.NATS.URL,
			Stream:          cfg.NATS.Stream,
			SubjectPrefix:   cfg.NATS.SubjectPrefix,
			StreamMaxAgeDay: cfg.NATS.StreamMaxAgeDay,
		})
		if err != nil {
			logger.Log.Fatal("Failed to initialize events publisher", zap.Error(err))
		}
	} else {
		logger.Log.Warn("NATS URL not configured, domain events disabled")
	}

	// Token vault
	tokenVault, err := vault.New(cfg.Vault.MasterKey, credentialRepo, cfg.Vault.TokenCacheTTL)
	if err != nil {
		logger.Log.Fatal("Failed to initialize token vault", zap.Error(err))
	}

	// Tenant resolver and consent gate
	tenantResolver := resolver.New(channelRepo, cfg.Resolver.CacheTTL)
	gate, err := consent.NewGate(optInRepo, cfg.Consent.DefaultPolicy)
	if err != nil {
		logger.Log.Fatal("Failed to initialize consent gate", zap.Error(err))
	}

	// Provider client
	providerClient := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIVersion, cfg.Provider.Timeout)

	var eventPublisher usecase.EventPublisher
	if publisher != nil {
		eventPublisher = publisher
	}

	// Core services
	dispatcher := usecase.NewDispatcher(messageRepo, templateRepo, gate, tokenVault, providerClient, eventPublisher)
	registry := usecase.NewTemplateRegistry(templateRepo, tokenVault, providerClient)

	// Status retry worker for webhooks that outrun the local message write
	retryWorker, err := usecase.NewStatusRetryWorker(cfg.WorkerPools.StatusRetry, dispatcher, eventRepo, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize status retry worker", zap.Error(err))
	}

	ingestor := usecase.NewIngestor(eventRepo, tenantResolver, dispatcher, registry, eventPublisher, retryWorker)

	// Replay pass over unprocessed webhook events
	replayer := usecase.NewReplayer(eventRepo, ingestor, cfg.Replay.Interval, cfg.Replay.BatchSize,
		cfg.WorkerPools.StatusRetry.MaxAttempts, logger.Log)

	// Webhook server (also serves /health, /ready and /metrics)
	webhookServer, err := webhook.NewServer(cfg.Server.Port, cfg.Webhook.VerifyToken, cfg.Webhook.AppSecret,
		cfg.Webhook.PoolSize, ingestor, logger.Log)
	if err != nil {
		logger.Log.Fatal("Failed to initialize webhook server", zap.Error(err))
	}

	if metricsEnabled {
		webhookServer.RegisterMetricsHandler(promhttp.Handler())
		logger.Log.Info("Metrics endpoint enabled", zap.String("path", "/metrics"), zap.Int("port", cfg.Server.Port))
	} else {
		logger.Log.Info("Metrics endpoint disabled for environment", zap.String("environment", cfg.Environment))
	}

	retryWorker.Start(mainCtx)
	replayer.Start(mainCtx)
	webhookServer.Start()

	logger.Log.Info("Webhook endpoints available",
		zap.String("webhook", fmt.Sprintf("http://localhost:%d/webhooks/whatsapp", cfg.Server.Port)),
		zap.String("health", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("readiness", fmt.Sprintf("http://localhost:%d/ready", cfg.Server.Port)),
	)

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("Received termination signal", zap.String("signal", sig.String()))

	mainCancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	logger.Log.Info("Starting graceful shutdown", zap.Duration("timeout", 30*time.Second))

	var wg sync.WaitGroup
	wg.Add(5)

	// Shutdown webhook server first so no new payloads arrive
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping webhook server")
		start := time.Now()
		if err := webhookServer.Stop(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Webhook server shutdown error", zap.Error(err))
		}
		logger.Log.Info("[shutdown] Webhook server stopped", zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping webhook server",
			zap.Any("panic", r), zap.ByteString("stack", stack))
		wg.Done()
	})

	// Shutdown replay pass
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping replay pass")
		start := time.Now()
		replayer.Stop()
		logger.Log.Info("[shutdown] Replay pass stopped", zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping replay pass",
			zap.Any("panic", r), zap.ByteString("stack", stack))
		wg.Done()
	})

	// Shutdown status retry worker
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping status retry worker")
		start := time.Now()
		retryWorker.Stop()
		logger.Log.Info("[shutdown] Status retry worker stopped", zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping status retry worker",
			zap.Any("panic", r), zap.ByteString("stack", stack))
		wg.Done()
	})

	// Shutdown events publisher and in-process caches
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Stopping events publisher and caches")
		start := time.Now()
		if publisher != nil {
			publisher.Close()
		}
		tokenVault.Close()
		tenantResolver.Close()
		logger.Log.Info("[shutdown] Events publisher and caches stopped", zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while stopping events publisher",
			zap.Any("panic", r), zap.ByteString("stack", stack))
		wg.Done()
	})

	// Close database connections last
	utils.SafeGo(func() {
		defer wg.Done()
		logger.Log.Info("[shutdown] Closing database connections")
		start := time.Now()
		if err := postgresRepo.Close(shutdownCtx); err != nil {
			logger.Log.Error("[shutdown] Database close error", zap.Error(err))
		}
		logger.Log.Info("[shutdown] Database connections closed", zap.Duration("duration", time.Since(start)))
	}, func(r interface{}, stack []byte) {
		logger.Log.Error("[shutdown] Panic while closing database connections",
			zap.Any("panic", r), zap.ByteString("stack", stack))
		wg.Done()
	})

	// Wait for all components or timeout
	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		logger.Log.Info("Graceful shutdown complete")
	case <-shutdownCtx.Done():
		logger.Log.Warn("Graceful shutdown timed out, exiting anyway")
	}
}
