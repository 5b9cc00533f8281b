/**
 * @description
 * This is the main entry point for the payout-service. It loads configuration, connects to
 * PostgreSQL, Redis and RabbitMQ when they are configured, builds the processor adapters,
 * the payment state machine, the webhook reconciler and the reconciliation sweeper, and
 * serves the HTTP API until it receives a shutdown signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Idempotency ledger and cross-replica milestone locks.
 * - github.com/joho/godotenv: Local .env loading.
 * - internal/*: Service packages.
 * - pkg/anchorclient, pkg/rabbitmq: Anchor API and RabbitMQ clients.
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
	"github.com/transfa/payout-service/internal/accounts"
	"github.com/transfa/payout-service/internal/api"
	"github.com/transfa/payout-service/internal/app"
	"github.com/transfa/payout-service/internal/config"
	"github.com/transfa/payout-service/internal/dispatch"
	"github.com/transfa/payout-service/internal/ledger"
	"github.com/transfa/payout-service/internal/processor"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/internal/webhooks"
	"github.com/transfa/payout-service/pkg/anchorclient"
	rmrabbit "github.com/transfa/payout-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting payout-service\" port=%s", cfg.ServerPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage: PostgreSQL when configured, otherwise the in-memory repository.
	var repository store.Repository
	if cfg.DatabaseURL != "" {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
		}
		poolConfig.MaxConns = 20
		poolConfig.MinConns = 2
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
		}
		defer dbpool.Close()
		if err := store.Migrate(ctx, dbpool); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database migration failed\" err=%v", err)
		}
		log.Println("level=info component=bootstrap msg=\"database connected\"")
		repository = store.NewPostgresRepository(dbpool)
	} else {
		log.Println("level=warn component=bootstrap msg=\"database url missing; using in-memory repository\" env=DATABASE_URL")
		repository = store.NewMemoryRepository()
	}

	// Ledger and milestone locks: Redis when reachable, otherwise process-local.
	var idempotency ledger.Ledger = ledger.NewMemoryLedger()
	var locks app.MilestoneLocker = app.NewKeyedMutex()
	if redisClient := connectRedis(ctx, cfg.RedisURL); redisClient != nil {
		defer redisClient.Close()
		idempotency = ledger.NewRedisLedger(redisClient, cfg.RedisLedgerPrefix, 0)
		locks = app.NewRedisMilestoneLock(redisClient, cfg.RedisLockPrefix, cfg.MilestoneLockTTL())
	} else {
		log.Println("level=warn component=bootstrap msg=\"redis unavailable; ledger and locks are process-local\" env=REDIS_URL")
	}

	// Processors.
	var clients []processor.Client
	if cfg.StripeSecretKey != "" {
		clients = append(clients, processor.NewStripe(processor.StripeConfig{SecretKey: cfg.StripeSecretKey, BaseURL: cfg.StripeAPIBaseURL}))
	}
	if cfg.AnchorAPIKey != "" {
		clients = append(clients, processor.NewAnchor(anchorclient.NewClient(cfg.AnchorAPIBaseURL, cfg.AnchorAPIKey), cfg.AnchorFundingAccount))
	}
	routes, err := processor.ParseRoutes(cfg.ProcessorRoutes)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"processor routes invalid\" err=%v", err)
	}
	registry, err := processor.NewRegistry(cfg.DefaultProcessor, routes, clients...)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"processor registry failed\" err=%v", err)
	}

	accountCache := accounts.NewCache(repository, registry, time.Duration(cfg.AccountCacheTTLSeconds)*time.Second)
	accountCache.SetRefreshTimeout(cfg.AccountRefreshTimeout())
	dispatcher := dispatch.NewClient(registry, dispatch.Config{
		Timeout:       cfg.DispatchTimeout(),
		MaxRetries:    cfg.DispatchMaxRetries,
		BaseBackoff:   cfg.DispatchBackoffBase(),
		RatePerSecond: cfg.DispatchRateLimitPerSecond,
		Burst:         cfg.DispatchRateLimitBurst,
	})

	payoutService := app.NewService(repository, idempotency, accountCache, dispatcher, registry, locks, app.Config{
		EventsExchange:   cfg.EventsExchange,
		MaxAttempts:      cfg.MaxPaymentAttempts,
		RetryBackoffBase: time.Duration(cfg.RetryBackoffBaseSeconds) * time.Second,
		RetryBackoffMax:  time.Duration(cfg.RetryBackoffMaxSeconds) * time.Second,
		LockTimeout:      time.Duration(cfg.MilestoneLockTimeoutSeconds) * time.Second,
	})

	var adapters []webhooks.Adapter
	if cfg.StripeWebhookSecret != "" {
		adapters = append(adapters, webhooks.NewStripeAdapter(cfg.StripeWebhookSecret, time.Duration(cfg.StripeWebhookToleranceS)*time.Second))
	}
	if cfg.AnchorWebhookSecret != "" {
		adapters = append(adapters, webhooks.NewAnchorAdapter(cfg.AnchorWebhookSecret))
	}
	webhookRegistry := webhooks.NewRegistry(adapters...)
	reconciler := app.NewReconciler(payoutService, webhookRegistry, accountCache, time.Minute)

	sweeper := app.NewSweeper(payoutService, idempotency, app.SweeperConfig{
		InFlightTimeout:  cfg.LedgerInFlightTimeout(),
		MaxStaleness:     time.Duration(cfg.ReconcileMaxStalenessMinutes) * time.Minute,
		WebhookRetention: time.Duration(cfg.WebhookRetentionHours) * time.Hour,
	})

	// Outbox delivery to RabbitMQ, or to the log when the broker is not configured.
	var publisher rmrabbit.Publisher = &rmrabbit.LogPublisher{}
	if cfg.RabbitMQURL != "" {
		producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		} else {
			defer producer.Close()
			publisher = producer
			log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		}
	}
	go app.NewOutboxDispatcher(repository, publisher).Run(ctx)

	// consumerDone stays nil, and never fires, when approvals arrive over HTTP only.
	var consumerDone <-chan struct{}
	if cfg.RabbitMQURL != "" {
		rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, cfg.ConsumerPrefetch)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
		}
		defer rabbitConsumer.Close()

		approvals := app.NewMilestoneApprovedConsumer(payoutService)
		bindings := map[string]rmrabbit.Handler{cfg.MilestoneApprovedRoute: approvals.HandleMessage}
		if err := rabbitConsumer.ConsumeWithBindings(cfg.MilestoneExchange, cfg.MilestoneApprovedQueue, bindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"approval consumer start failed\" err=%v", err)
		}
		consumerDone = rabbitConsumer.Done()
	} else {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; approvals accepted over http only\" env=RABBITMQ_URL")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(sweeper, payoutService, logger, app.ScheduleConfig{
		ReconcileSchedule:    cfg.ReconcileSchedule,
		RetrySchedule:        cfg.RetrySchedule,
		WebhookPurgeSchedule: cfg.WebhookPurgeSchedule,
	})
	scheduler.Start()

	handlers := api.NewHandlers(payoutService, reconciler, webhookRegistry, sweeper)
	router := api.NewRouter(handlers, api.RouterConfig{
		InternalAPIKey:    cfg.InternalAPIKey,
		OperatorJWTSecret: cfg.OperatorJWTSecret,
		DashboardOrigins:  cfg.DashboardOrigins,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	select {
	case <-ctx.Done():
	case <-consumerDone:
		log.Println("level=error component=rabbitmq_consumer msg=\"approval consumer stopped; shutting down for restart\"")
	}
	log.Println("level=info component=http msg=\"shutdown started\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func connectRedis(ctx context.Context, redisURL string) *redis.Client {
	if redisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed\" err=%v", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
