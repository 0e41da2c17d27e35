/**
 * @description
 * This is the main entry point for the ledger-service. It loads configuration,
 * opens the ledger store, connects the optional Redis rate limiter and the
 * RabbitMQ producer and consumer, builds the payment gateway client and the
 * core application service, starts the cron sweeps and serves the HTTP API.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Shared rate limit counters.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gateway, pkg/logging, pkg/rabbitmq: Gateway client, logging and messaging.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/kijumbe/ledger-service/internal/api"
	"github.com/kijumbe/ledger-service/internal/app"
	"github.com/kijumbe/ledger-service/internal/config"
	"github.com/kijumbe/ledger-service/internal/domain"
	"github.com/kijumbe/ledger-service/internal/store"
	"github.com/kijumbe/ledger-service/pkg/gateway"
	"github.com/kijumbe/ledger-service/pkg/logging"
	rmrabbit "github.com/kijumbe/ledger-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
)

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("config load failed", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogFormat, cfg.LogLevel)
	bootLog := logger.With("component", "bootstrap")

	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		bootLog.Error("internal api key must be configured", "env", "INTERNAL_API_KEY")
		os.Exit(1)
	}
	if strings.TrimSpace(cfg.GatewayWebhookSecret) == "" {
		bootLog.Warn("gateway webhook secret missing; every callback will be rejected", "env", "GATEWAY_WEBHOOK_SECRET")
	}
	if strings.TrimSpace(cfg.AdminJWTSecret) == "" {
		bootLog.Warn("admin jwt secret missing; admin routes will reject every token", "env", "ADMIN_JWT_SECRET")
	}

	bootLog.Info("starting ledger-service", "port", cfg.ServerPort, "database_driver", cfg.DatabaseDriver)

	repository, err := openRepository(cfg, bootLog)
	if err != nil {
		bootLog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer repository.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = repository.Migrate(migrateCtx)
	cancelMigrate()
	if err != nil {
		bootLog.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if cfg.RabbitMQURL == "" {
		bootLog.Warn("rabbitmq url missing; ledger events will not be published", "env", "RABBITMQ_URL")
	} else if rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		bootLog.Warn("rabbitmq producer unavailable; using fallback", "error", err)
	} else {
		producer = rabbitProducer
		bootLog.Info("rabbitmq producer connected")
	}
	defer producer.Close()

	gatewayTimeout := time.Duration(cfg.GatewayTimeoutSeconds) * time.Second
	gatewayClient := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayWebhookSecret, cfg.Currency)
	gatewayClient.HTTPClient.Timeout = gatewayTimeout

	ledgerService := app.NewService(repository, gatewayClient, producer, logger, app.Policy{
		MinContribution: cfg.MinContributionMinor,
		Overdraft: app.OverdraftPolicy{
			InterestRatePercent: cfg.OverdraftInterestRatePercent,
			EligibilityPercent:  cfg.OverdraftEligibilityPercent,
			MaxRepaymentMonths:  cfg.OverdraftMaxRepaymentMonths,
		},
		AutoAdvanceRotation:            cfg.AutoAdvanceRotation,
		GatewayTimeout:                 gatewayTimeout,
		CallbackURL:                    cfg.GatewayCallbackURL,
		EventsExchange:                 cfg.EventsExchange,
		ContributionRateLimitPerMinute: cfg.ContributionRateLimitPerMinute,
	})

	if redisClient := connectRedis(cfg, bootLog); redisClient != nil {
		defer redisClient.Close()
		ledgerService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix))
	}

	// Callbacks relayed through the broker go through the same reconciler as
	// the HTTP callback route.
	if cfg.RabbitMQURL != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, rmrabbit.WithConsumerLogger(logger))
		if err != nil {
			bootLog.Warn("rabbitmq consumer unavailable; relayed gateway callbacks disabled", "error", err)
		} else {
			defer rabbitConsumer.Close()
			callbackConsumer := app.NewCallbackConsumer(ledgerService, logger)
			bindings := map[string]rmrabbit.Handler{
				domain.RoutingKeyGatewayCallback: callbackConsumer.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.EventsExchange, cfg.GatewayCallbackQueue, bindings); err != nil {
				bootLog.Error("gateway callback consumer start failed", "error", err)
				os.Exit(1)
			}
			bootLog.Info("gateway callback consumer started", "queue", cfg.GatewayCallbackQueue)
		}
	}

	var scheduler *app.Scheduler
	if cfg.SchedulerEnabled {
		scheduler = app.NewScheduler(app.NewJobs(ledgerService, logger), logger, app.ScheduleConfig{
			PayoutSweep:  cfg.PayoutSweepSchedule,
			OverdueSweep: cfg.OverdueSweepSchedule,
		})
		bootLog.Info("scheduler started", "jobs", scheduler.Start())
	}

	handlers := api.NewHandlers(ledgerService, logger)
	router := api.NewRouter(handlers, api.RouterConfig{
		InternalAPIKey: cfg.InternalAPIKey,
		AdminJWTSecret: cfg.AdminJWTSecret,
		AllowedOrigins: cfg.AllowedOrigins(),
	}, logger)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "component", "http", "addr", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "component", "http", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", "component", "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "component", "http", "error", err)
	}
	if scheduler != nil {
		select {
		case <-scheduler.Stop().Done():
		case <-ctx.Done():
			logger.Warn("scheduled jobs still running at shutdown", "component", "scheduler")
		}
	}

	logger.Info("shutdown complete", "component", "http")
}

func openRepository(cfg config.Config, log *slog.Logger) (store.Repository, error) {
	if cfg.DatabaseDriver == "sqlite" {
		repo, err := store.NewSQLiteRepository(context.Background(), cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info("sqlite store opened", "path", cfg.SQLitePath)
		return repo, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Poolers in transaction mode break cached prepared statements.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info("database connected")
	return store.NewPostgresRepository(dbpool), nil
}

// connectRedis returns nil when rate limiting is disabled or Redis is
// unreachable; the service then runs without a limiter.
func connectRedis(cfg config.Config, log *slog.Logger) *redis.Client {
	if cfg.ContributionRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		log.Warn("redis url missing; contribution rate limiting disabled", "env", "REDIS_URL")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn("redis url parse failed; contribution rate limiting disabled", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis ping failed; contribution rate limiting disabled", "error", err)
		client.Close()
		return nil
	}
	log.Info("redis connected")
	return client
}
