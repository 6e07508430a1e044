/**
 * @description
 * Entry point for the refund-service: HTTP API, milestone.rejected consumer and the
 * decision execution scheduler in one process.
 */
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/clearcause/refund-service/internal/api"
	"github.com/clearcause/refund-service/internal/app"
	"github.com/clearcause/refund-service/internal/config"
	"github.com/clearcause/refund-service/internal/domain"
	"github.com/clearcause/refund-service/internal/store"
	"github.com/clearcause/refund-service/pkg/ledgerclient"
	"github.com/clearcause/refund-service/pkg/paymentclient"
	refundrabbit "github.com/clearcause/refund-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; relying on environment\"")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	pgConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	pgConfig.MaxConns = 50
	pgConfig.MinConns = 5
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	redisClient := connectRedis(ctx, cfg.RedisURL)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var publisher app.EventPublisher = &refundrabbit.EventProducerFallback{}
	if cfg.RabbitMQURL != "" {
		if producer, err := refundrabbit.NewEventProducer(cfg.RabbitMQURL); err == nil {
			publisher = producer
			defer producer.Close()
		} else {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		}
	}

	ledger := ledgerclient.NewClient(cfg.LedgerServiceURL, cfg.LedgerServiceAPIKey)
	deps := app.Dependencies{
		Repo:      store.NewPostgresRepository(dbpool),
		Payments:  paymentclient.NewClient(cfg.PaymentGatewayURL, cfg.PaymentGatewayAPIKey),
		Ledger:    ledger,
		Platform:  ledgerclient.NewPlatformAccount(ledger),
		Settings:  store.NewSettingsProvider(dbpool, cfg.PlatformDefaults()),
		Publisher: publisher,
	}
	var lease app.Lease
	if redisClient != nil {
		deps.RateLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisKeyPrefix)
		lease = app.NewRedisSweepLease(redisClient, cfg.RedisKeyPrefix)
	}

	service := app.NewService(deps, app.Options{
		EventsExchange:           cfg.EventsExchange,
		ExecutionConcurrency:     cfg.ExecutionConcurrency,
		SweepBatchSize:           cfg.SweepBatchSize,
		ClaimStaleAfter:          cfg.ClaimStaleAfter(),
		SubmitRateLimitPerMinute: cfg.DecisionSubmitRatePerMinute,
	}, logger)

	if cfg.RabbitMQURL != "" {
		consumer, err := refundrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			logger.Error("rabbitmq consumer init failed", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		milestoneConsumer := app.NewMilestoneRejectedConsumer(service)
		bindings := map[string]func([]byte) bool{
			domain.EventMilestoneRejected: milestoneConsumer.HandleMessage,
		}
		if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.MilestoneEventQueue, bindings); err != nil {
			logger.Error("milestone consumer start failed", "error", err)
			os.Exit(1)
		}
		logger.Info("milestone consumer started", "queue", cfg.MilestoneEventQueue)
	} else {
		logger.Warn("RABBITMQ_URL not set; milestone.rejected events will not be consumed")
	}

	jobs := app.NewJobs(service, lease, logger, cfg)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(service)
	router := api.NewRouter(handler, cfg.ClerkJWKSURL, cfg.InternalAPIKey)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	select {
	case <-scheduler.Stop().Done():
		logger.Info("scheduler stopped")
	case <-shutdownCtx.Done():
		logger.Warn("scheduler jobs still running at shutdown deadline")
	}

	logger.Info("server stopped")
}

// connectRedis returns nil when Redis is not configured or unreachable; submission
// rate limiting and the sweep lease are then disabled.
func connectRedis(ctx context.Context, redisURL string) *redis.Client {
	if redisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; decision rate limiting disabled\" env=REDIS_URL")
		return nil
	}

	options, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; decision rate limiting disabled\" err=%v", err)
		return nil
	}

	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; decision rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}

	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
