package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/kvantpay/tally/internal/idempotency"
	infraamqp "github.com/kvantpay/tally/internal/infra/amqp"
	"github.com/kvantpay/tally/internal/infra/gateway/permission"
	"github.com/kvantpay/tally/internal/infra/gateway/rates"
	"github.com/kvantpay/tally/internal/infra/postgres"
	infraredis "github.com/kvantpay/tally/internal/infra/redis"
	"github.com/kvantpay/tally/internal/ledger"
	"github.com/kvantpay/tally/internal/operations"
	"github.com/kvantpay/tally/internal/platform/auth"
	"github.com/kvantpay/tally/internal/platform/events"
	"github.com/kvantpay/tally/internal/platform/metrics"
	"github.com/kvantpay/tally/internal/recovery"
	"github.com/kvantpay/tally/internal/saga"
	"github.com/kvantpay/tally/internal/transport/httpapi"
	"github.com/kvantpay/tally/internal/transport/httpapi/handler"
	"github.com/kvantpay/tally/internal/transport/httpapi/middleware"
	"github.com/kvantpay/tally/internal/wallet"
	"github.com/kvantpay/tally/pkg/config"
	"github.com/kvantpay/tally/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Best effort: a missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewDefault(cfg.Env)
	log.Info("Starting tally API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	m := metrics.New(prometheus.DefaultRegisterer)

	// Database connection pool
	db, err := postgres.NewPool(ctx, postgres.Config{URL: cfg.DatabaseURL})
	if err != nil {
		log.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	log.Info("Database connection established")

	// Redis backs the saga heartbeat store
	redisClient, err := infraredis.NewClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	log.Info("Redis connection established")

	// Event publisher; without a broker the ledger still commits, events are
	// simply not emitted.
	var publisher events.Publisher = events.Noop{}
	var amqpPublisher *infraamqp.Publisher
	if cfg.AMQPURL != "" {
		amqpPublisher, err = infraamqp.NewPublisher(cfg.AMQPURL, cfg.EventExchange, log, m)
		if err != nil {
			log.Error("Failed to connect to AMQP broker", "error", err)
			os.Exit(1)
		}
		publisher = amqpPublisher
		log.Info("AMQP publisher connected", "exchange", cfg.EventExchange)
	} else {
		log.Warn("AMQP_URL not configured, event publishing disabled")
	}

	// Repositories
	ledgerRepo := postgres.NewLedgerRepository(db.Pool)
	transferRepo := postgres.NewTransferRepository(db.Pool)
	walletRepo := postgres.NewWalletRepository(db.Pool)
	credentialRepo := postgres.NewCredentialRepository(db.Pool)
	sagaJournal := postgres.NewSagaJournal(db.Pool)

	// Core services
	ledgerSvc := ledger.NewService(ledgerRepo, publisher, log, cfg.MaxRetries)
	walletSvc := wallet.NewService(walletRepo, ledgerSvc, log)

	heartbeats := infraredis.NewHeartbeatStore(redisClient, cfg.SagaStateTTL(), log)
	coordinator := saga.NewCoordinator(heartbeats, sagaJournal, log, m, cfg.HeartbeatInterval, cfg.MaxRetries)
	guard := idempotency.NewGuard(transferRepo)

	// Account policies: external permission service when configured, the
	// default-deny-nothing static oracle otherwise.
	var oracle operations.PermissionOracle = permission.NewStatic()
	if cfg.PermissionServiceURL != "" {
		oracle = permission.NewClient(cfg.PermissionServiceURL, cfg.PermissionTimeout)
		log.Info("Permission service configured", "url", cfg.PermissionServiceURL)
	}

	// Exchange rates: configured table, with a live rate service in front
	// when one is configured.
	var rateSource operations.RateSource = rates.NewStatic(cfg.ExchangeRates)
	if cfg.RateServiceURL != "" {
		rateSource = rates.NewFallback(
			rates.NewClient(cfg.RateServiceURL, cfg.RateTimeout),
			rates.NewStatic(cfg.ExchangeRates),
		)
		log.Info("Rate service configured", "url", cfg.RateServiceURL)
	}

	opsSvc := operations.NewService(operations.Deps{
		Ledger:      ledgerSvc,
		Wallets:     walletSvc,
		Transfers:   transferRepo,
		Guard:       guard,
		Coordinator: coordinator,
		Oracle:      oracle,
		Rates:       rateSource,
		Publisher:   publisher,
		Metrics:     m,
		Fees:        operations.NewFeePolicy(cfg.FeePolicy, cfg.DefaultFeeBps),
		Logger:      log,

		SystemUserID:      cfg.SystemUserID,
		FeeUserID:         cfg.FeeUserID,
		IdempotencyWindow: cfg.IdempotencyWindow,
		UseTransaction:    cfg.UseTransaction,
		OperationDeadline: cfg.OperationDeadline,
	})

	// Recovery scanner compensates sagas whose heartbeat went silent
	registry, err := opsSvc.Registry()
	if err != nil {
		log.Error("Failed to build compensator registry", "error", err)
		os.Exit(1)
	}
	recoverySvc := recovery.NewService(heartbeats, registry, sagaJournal, log, m, cfg.RecoveryScan, cfg.StuckThreshold)
	recoverySvc.Start(ctx)
	log.Info("Recovery scanner started",
		"scan_every", cfg.RecoveryScan,
		"stuck_threshold", cfg.StuckThreshold)

	// Wallet projector consumes committed ledger events so projections
	// written by other instances converge too
	var consumer *infraamqp.Consumer
	if cfg.AMQPURL != "" {
		projector := wallet.NewProjector(walletSvc, log)
		consumer, err = infraamqp.NewConsumer(cfg.AMQPURL, cfg.EventExchange, cfg.EventQueue, projector, log)
		if err != nil {
			log.Error("Failed to start AMQP consumer", "error", err)
			os.Exit(1)
		}
		if err := consumer.Start(ctx); err != nil {
			log.Error("Failed to start projection consumer", "error", err)
			os.Exit(1)
		}
		log.Info("Wallet projection consumer started", "queue", cfg.EventQueue)
	}

	// Service-client authentication
	tokenSvc := auth.NewTokenService(credentialRepo, cfg.JWTSecret, cfg.JWTTTL, log)

	// HTTP surface
	router := httpapi.NewRouter(httpapi.Config{
		Logger:         log,
		Metrics:        m,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,

		AuthHandler:      handler.NewAuthHandler(tokenSvc),
		OperationHandler: handler.NewOperationHandler(opsSvc, log),
		WalletHandler:    handler.NewWalletHandler(walletSvc),
		LedgerHandler:    handler.NewLedgerHandler(ledgerSvc),
		HealthHandler:    handler.NewHealthHandler(db, redisPinger{redisClient}),
		JWTMiddleware:    middleware.Auth(tokenSvc),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("Shutdown signal received")

	// Stop taking requests first, then the background workers, then the
	// connections they depend on.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", "error", err)
	}

	recoverySvc.Stop()
	log.Info("Recovery scanner stopped")

	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Error("Consumer shutdown failed", "error", err)
		}
	}
	if amqpPublisher != nil {
		if err := amqpPublisher.Close(); err != nil {
			log.Error("Publisher shutdown failed", "error", err)
		}
	}

	log.Info("Server stopped gracefully")
}

// redisPinger adapts the redis client to the health handler's Pinger.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
