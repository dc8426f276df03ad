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

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"log/slog"

	"github.com/pengui13/quantra-back/internal/broadcast"
	"github.com/pengui13/quantra-back/internal/config"
	"github.com/pengui13/quantra-back/internal/consumer"
	"github.com/pengui13/quantra-back/internal/handlers"
	"github.com/pengui13/quantra-back/internal/service"
	"github.com/pengui13/quantra-back/internal/storage"
	"github.com/pengui13/quantra-back/libs/health"
	"github.com/pengui13/quantra-back/libs/httpmiddleware"
	"github.com/pengui13/quantra-back/libs/kafka"
	"github.com/pengui13/quantra-back/libs/logging"
	"github.com/pengui13/quantra-back/libs/metrics"
	"github.com/pengui13/quantra-back/libs/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	walletMetrics := service.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool, logger)

	cipher, err := broadcast.NewCipher(cfg.EncryptionKey)
	if err != nil {
		logger.Error("cipher init failed", "error", err)
		os.Exit(1)
	}

	gateway := broadcast.NewClient(
		cfg.Broadcaster.BaseURL,
		cfg.Broadcaster.APIKey,
		cfg.Broadcaster.SubscribeURL,
		cfg.Broadcaster.WebhookURL,
		cfg.Broadcaster.Timeout,
		logger,
		broadcast.WithMetrics(walletMetrics),
	)

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	publisher := kafka.Publisher(producer)
	if strings.TrimSpace(cfg.Kafka.Topics.DeadLetter) != "" {
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
	}

	walletService := service.NewWalletService(store, gateway, cipher, publisher,
		service.Topics{BalancesUpdated: cfg.Kafka.Topics.BalancesUpdated}, logger, walletMetrics)

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)
	defer consumerGroup.Close()

	quoteConsumer := consumer.NewQuoteConsumer(store, logger, walletMetrics)
	depositConsumer := consumer.NewDepositConsumer(store, publisher, cfg.Kafka.Topics.BalancesUpdated, logger, walletMetrics)

	httpServer := buildHTTPServer(cfg, walletService, ready, registry, logger)

	ready.SetReady(true)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	rewardWorker := service.NewRewardWorker(store, cfg.Staking.AccrualInterval, logger, walletMetrics)
	go rewardWorker.Run(workerCtx)

	go func() {
		logger.Info("wallet http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		logger.Info("quote consumer starting", "topic", cfg.Kafka.Topics.QuoteTicks)
		if err := consumerGroup.Consume(workerCtx, []string{cfg.Kafka.Topics.QuoteTicks}, quoteConsumer); err != nil {
			logger.Error("quote consumer error", "error", err)
		}
	}()

	depositGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup+"-deposits", logger)
	if err != nil {
		logger.Error("kafka deposit consumer init failed", "error", err)
		os.Exit(1)
	}
	depositGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)
	defer depositGroup.Close()

	go func() {
		logger.Info("deposit consumer starting", "topic", cfg.Kafka.Topics.DepositsConfirmed)
		if err := depositGroup.Consume(workerCtx, []string{cfg.Kafka.Topics.DepositsConfirmed}, depositConsumer); err != nil {
			logger.Error("deposit consumer error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, workerCancel, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User,
		cfg.DB.Password,
		cfg.DB.Host,
		cfg.DB.Port,
		cfg.DB.Name,
		cfg.DB.SSLMode,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, walletService *service.WalletService, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler := handlers.New(walletService, logger)
	handler.Register(router, []byte(cfg.JWTSecret))

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
