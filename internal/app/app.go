package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/harborline/storefront/internal/auth"
	cartevent "github.com/harborline/storefront/internal/cart/event"
	cartredis "github.com/harborline/storefront/internal/cart/repository/redis"
	cartservice "github.com/harborline/storefront/internal/cart/service"
	"github.com/harborline/storefront/internal/config"
	discpostgres "github.com/harborline/storefront/internal/discount/repository/postgres"
	discservice "github.com/harborline/storefront/internal/discount/service"
	"github.com/harborline/storefront/internal/handler"
	invpostgres "github.com/harborline/storefront/internal/inventory/repository/postgres"
	invservice "github.com/harborline/storefront/internal/inventory/service"
	"github.com/harborline/storefront/internal/notify"
	orderpostgres "github.com/harborline/storefront/internal/order/repository/postgres"
	orderservice "github.com/harborline/storefront/internal/order/service"
	"github.com/harborline/storefront/internal/payment/provider"
	paymentpostgres "github.com/harborline/storefront/internal/payment/repository/postgres"
	paymentservice "github.com/harborline/storefront/internal/payment/service"
	"github.com/harborline/storefront/migrations"
	"github.com/harborline/storefront/pkg/database"
	"github.com/harborline/storefront/pkg/health"
	"github.com/harborline/storefront/pkg/httpclient"
	pkgkafka "github.com/harborline/storefront/pkg/kafka"
)

// App wires together all dependencies and runs the storefront server.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	pool       *pgxpool.Pool
	rdb        *redis.Client
	producer   *pkgkafka.Producer
	dispatcher *notify.Dispatcher
	httpServer *http.Server
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// PostgreSQL pool plus embedded migrations.
	pgCfg := database.DefaultPostgresConfig()
	pgCfg.Host = cfg.PostgresHost
	pgCfg.Port = cfg.PostgresPort
	pgCfg.User = cfg.PostgresUser
	pgCfg.Password = cfg.PostgresPass
	pgCfg.DBName = cfg.PostgresDB
	pgCfg.SSLMode = cfg.PostgresSSL

	pool, err := database.NewPostgresPoolWithLogger(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	prometheus.MustRegister(database.NewPoolStatsCollector(pool, "storefront"))
	database.SetSlowQueryLogging(500*time.Millisecond, logger)

	// Redis for carts.
	rdb, err := database.NewRedisClient(ctx, database.RedisConfig{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis", slog.String("addr", cfg.RedisAddr))

	// Kafka producer for the broadcast and lifecycle topics.
	kafkaCfg := pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers)
	producer := pkgkafka.NewProducer(kafkaCfg, logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	// Payment provider client behind a circuit breaker.
	providerHTTP := httpclient.NewCircuitBreakerClient(
		httpclient.New(httpclient.DefaultConfig()),
		httpclient.DefaultCircuitBreakerConfig("payment-provider"),
		logger,
	)
	providerClient := provider.NewClient(provider.Config{
		BaseURL: cfg.PaymentProviderBaseURL,
		APIKey:  cfg.PaymentProviderAPIKey,
		Timeout: cfg.PaymentProviderTimeout,
	}, providerHTTP, logger)

	// Side-effect plumbing.
	dispatcher := notify.NewDispatcher(logger, cfg.DispatchTimeout)
	mailer := notify.NewLogMailer(logger)
	broadcaster := notify.NewBroadcaster(producer, logger)

	// Repositories.
	ledgerRepo := invpostgres.NewLedgerRepository(pool)
	discountRepo := discpostgres.NewDiscountRepository(pool)
	cartRepo := cartredis.NewCartRepository(rdb, cfg.CartTTL)
	orderRepo := orderpostgres.NewOrderRepository(pool)
	webhookRepo := paymentpostgres.NewWebhookEventRepository()

	// Services.
	inventoryService := invservice.NewInventoryService(ledgerRepo, logger)
	discountService := discservice.NewDiscountService(discountRepo, pool, logger)
	cartService := cartservice.NewCartService(
		cartRepo,
		inventoryService,
		discountService,
		cartevent.NewProducer(producer, logger),
		logger,
		cfg.CartTTL,
	)
	orderService := orderservice.NewOrderService(
		orderRepo,
		pool,
		cartService,
		discountService,
		ledgerRepo,
		providerClient,
		dispatcher,
		mailer,
		broadcaster,
		orderservice.Policy{
			ShippingFlatCents:     cfg.ShippingFlatCents,
			FreeShippingThreshold: cfg.FreeShippingThreshold,
			TaxBasisPoints:        cfg.TaxBasisPoints,
			RestockOnRefund:       cfg.RestockOnRefund,
			CODAutopay:            cfg.CODAutopay,
			MilestoneEvery:        cfg.MilestoneEvery,
		},
		logger,
	)
	webhookService := paymentservice.NewWebhookService(
		webhookRepo,
		orderService,
		providerClient,
		pool,
		[]byte(cfg.PaymentWebhookSecret),
		cfg.PaymentProviderName,
		logger,
	)

	// Auth.
	jwtManager := auth.NewJWTManager(cfg.JWTSecret, 24*time.Hour)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.RegisterCritical("redis", func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})

	router := handler.NewRouter(handler.Services{
		Cart:      cartService,
		Discount:  discountService,
		Inventory: inventoryService,
		Order:     orderService,
		Webhook:   webhookService,
	}, jwtManager.TokenValidator(), healthHandler, logger, nil)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		rdb:        rdb,
		producer:   producer,
		dispatcher: dispatcher,
		httpServer: httpServer,
	}, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components. In-flight side-effect tasks are
// drained before the producer and stores close underneath them.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}

	a.dispatcher.Wait()

	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
	}

	if err := a.rdb.Close(); err != nil {
		a.logger.Error("redis close error", slog.String("error", err.Error()))
	}

	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return nil
}
