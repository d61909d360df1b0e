/**
 * @description
 * This is the main entry point for the faceswap entitlement service. It is
 * responsible for initializing all components of the service, including
 * configuration, database connection, external API clients, message brokers,
 * repositories, the core application components, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log/slog, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ethscan, pkg/rabbitmq, pkg/swapclient: External collaborator clients.
 */

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/o42sam/faceswap-server/internal/api"
	"github.com/o42sam/faceswap-server/internal/app"
	"github.com/o42sam/faceswap-server/internal/config"
	"github.com/o42sam/faceswap-server/internal/store"
	"github.com/o42sam/faceswap-server/pkg/ethscan"
	"github.com/o42sam/faceswap-server/pkg/rabbitmq"
	"github.com/o42sam/faceswap-server/pkg/swapclient"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting faceswap entitlement service", "port", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("database url parse failed", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connected")

	repository := store.NewPostgresRepository(dbpool)

	// RabbitMQ producer for publishing canonical payment events. A missing
	// broker installs a refusing fallback: the service still boots, but
	// payment intake fails closed instead of dropping events.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		logger.Info("rabbitmq producer connected")
	}

	// Redis backs the per-user swap rate limiter. Missing Redis disables
	// limiting but never the endpoint.
	var redisClient *redis.Client
	if cfg.SwapRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			logger.Warn("redis url missing; swap rate limiting disabled")
		} else if redisOptions, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
			logger.Warn("redis url parse failed; swap rate limiting disabled", "error", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				logger.Warn("redis ping failed; swap rate limiting disabled", "error", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				logger.Info("redis connected")
			}
			cancelPing()
		}
	}
	limiter := app.NewRedisRequestRateLimiter(redisClient, cfg.RateLimitPrefix)

	// Core application components.
	evaluator := app.NewEvaluator(repository, cfg.FreeRequestLimit, logger)
	reconciler := app.NewReconciler(repository, app.Grants{
		OneTimeRequests: cfg.OneTimeRequestGrant,
		MonthlyRequests: cfg.MonthlyRequestLimit,
	}, logger)
	stripeNormalizer := app.NewStripeNormalizer(cfg.StripeWebhookSecret, cfg.OneTimePaymentAmountUSD, cfg.MonthlySubscriptionAmountUSD)
	cryptoNormalizer := app.NewCryptoNormalizer(repository, producer, cfg.USDTWalletAddress, cfg.ConfirmationThreshold, cfg.CryptoMatchWindow(), logger)
	inferenceClient := swapclient.NewClient(cfg.InferenceAPIBaseURL, cfg.InferenceAPIKey)

	// Consume payment events from all rails through one reconciliation path.
	paymentConsumer := app.NewPaymentEventConsumer(reconciler, logger)
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		logger.Error("rabbitmq consumer init failed", "error", err)
		os.Exit(1)
	}
	defer rabbitConsumer.Close()

	bindings := map[string]func([]byte) bool{
		"payment.event.#": paymentConsumer.HandleMessage,
	}
	if err := rabbitConsumer.ConsumeWithBindings(rabbitmq.PaymentEventsExchange, cfg.PaymentEventQueue, bindings); err != nil {
		logger.Error("payment event consumer start failed", "error", err)
		os.Exit(1)
	}

	// Blockchain watcher for the USDT payment rail.
	watcherCtx, stopWatcher := context.WithCancel(context.Background())
	defer stopWatcher()
	if strings.TrimSpace(cfg.USDTWalletAddress) == "" {
		logger.Warn("usdt wallet address missing; crypto payment rail disabled")
	} else {
		chainClient := ethscan.NewClient(cfg.EtherscanAPIURL, cfg.EtherscanAPIKey)
		watcher := app.NewChainWatcher(chainClient, cryptoNormalizer, cfg.USDTContractAddress, cfg.USDTWalletAddress, cfg.ChainPollInterval(), logger)
		go watcher.Run(watcherCtx)
		logger.Info("chain watcher started", "poll_interval", cfg.ChainPollInterval())
	}

	// Cron scheduler for the subscription expiry sweep.
	sweeper := app.NewSweeper(repository, cfg.SubscriptionGrace(), logger)
	scheduler := app.NewScheduler(sweeper, cfg.ExpirySweepSchedule, logger)
	scheduler.Start()

	handlers := api.NewHandlers(api.HandlersParams{
		Evaluator:        evaluator,
		StripeNormalizer: stripeNormalizer,
		CryptoNormalizer: cryptoNormalizer,
		Publisher:        producer,
		Store:            repository,
		Limiter:          limiter,
		Inference:        inferenceClient,
		Logger:           logger,
		FreeLimit:        cfg.FreeRequestLimit,
		SwapRatePerMin:   cfg.SwapRateLimitPerMinute,
		OneTimeCents:     cfg.OneTimePaymentAmountUSD,
		MonthlyCents:     cfg.MonthlySubscriptionAmountUSD,
		WalletAddress:    cfg.USDTWalletAddress,
		USDTContract:     cfg.USDTContractAddress,
	})

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: api.Routes(handlers, cfg.SecretKey, cfg.InternalAPIKey),
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	stopWatcher()
	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}

	logger.Info("shutdown complete")
}
