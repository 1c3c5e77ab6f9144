package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-telegram/bot"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/coinsentry/coinsentry-go/internal/api"
	"github.com/coinsentry/coinsentry-go/internal/cache"
	"github.com/coinsentry/coinsentry-go/internal/config"
	"github.com/coinsentry/coinsentry-go/internal/inference"
	"github.com/coinsentry/coinsentry-go/internal/logging"
	"github.com/coinsentry/coinsentry-go/internal/retry"
	"github.com/coinsentry/coinsentry-go/internal/services"
	"github.com/coinsentry/coinsentry-go/internal/store"
	"github.com/coinsentry/coinsentry-go/internal/telemetry"
	"github.com/coinsentry/coinsentry-go/internal/upstream"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Environment)
	if err != nil {
		logger.Fatalf("Failed to initialize telemetry: %v", err)
	}

	db, err := store.NewPostgresConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedisClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() { _ = redisClient.Close() }()

	cacheAdapter := cache.NewAdapter(redisClient, logger)
	researchStore := store.New(db.Pool)
	marketSource := upstream.NewClient(cfg.Upstream)
	generator := inference.NewClient(cfg.Inference)

	policy := retry.Policy{
		MaxAttempts:  cfg.Pipeline.MaxRetries,
		BaseDelay:    cfg.Pipeline.BackoffBase,
		MaxDelay:     cfg.Pipeline.BackoffMax,
		JitterFactor: 0.2,
	}

	collector := services.NewCollector(marketSource, cacheAdapter, researchStore,
		policy, cfg.Pipeline.PollInterval, cfg.Pipeline.OHLCVLimit, logger)

	breaker := services.NewCircuitBreaker("inference", 3, 60*time.Second, logger)
	engine := services.NewAnalysisEngine(collector, generator, cacheAdapter, researchStore,
		breaker, policy, cfg.Pipeline.StalenessBound, cfg.Pipeline.AnalysisCacheTTL, logger)

	rules, err := cfg.Rules()
	if err != nil {
		logger.Fatalf("Failed to parse alert rules: %v", err)
	}
	evaluator := services.NewAlertEvaluator(rules, researchStore, logger)

	var sender services.Sender
	if cfg.Telegram.BotToken != "" {
		telegramBot, botErr := bot.New(cfg.Telegram.BotToken)
		if botErr != nil {
			logger.Fatalf("Failed to initialize Telegram bot: %v", botErr)
		}
		sender = telegramBot
	} else {
		logger.Warn("No Telegram bot token configured, notifications disabled")
	}

	dispatchPolicy := policy
	dispatchPolicy.MaxAttempts = cfg.Pipeline.DispatchAttempts
	dispatcher := services.NewDispatcher(sender, cfg.Telegram.ChatID, researchStore, dispatchPolicy, logger)

	orchestrator := services.NewOrchestrator(cfg.Symbols, collector, engine, evaluator,
		dispatcher, cfg.Pipeline, telemetry.Tracer(), logger)
	if err := orchestrator.Start(); err != nil {
		logger.Fatalf("Failed to start orchestrator: %v", err)
	}

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	handler := api.NewHandler(researchStore, orchestrator, engine, dispatcher, cfg.Symbols,
		map[string]api.HealthChecker{
			"postgres": db,
			"redis":    cacheAdapter,
			"upstream": marketSource,
		}, logger)
	api.SetupRoutes(router, handler)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Infof("Server starting on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	orchestrator.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	if err := shutdownTelemetry(ctx); err != nil {
		logger.Errorf("Telemetry shutdown failed: %v", err)
	}

	logger.Info("Server exited")
}
