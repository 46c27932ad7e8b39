package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/harborline/storefront/pkg/config"
)

// Config holds all configuration for the storefront server.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"HTTP_PORT" envDefault:"8080"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"storefront"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"storefront_secret"`
	PostgresDB   string `env:"POSTGRES_DB_NAME" envDefault:"storefront_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Redis
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	// Kafka
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// Auth
	JWTSecret string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`

	// Cart
	CartTTL time.Duration `env:"CART_TTL" envDefault:"168h"`

	// Payment provider
	PaymentWebhookSecret    string        `env:"PAYMENT_WEBHOOK_SECRET" envDefault:"whsec-dev"`
	PaymentProviderBaseURL  string        `env:"PAYMENT_PROVIDER_BASE_URL" envDefault:"http://localhost:4242"`
	PaymentProviderAPIKey   string        `env:"PAYMENT_PROVIDER_API_KEY" envDefault:""`
	PaymentProviderTimeout  time.Duration `env:"PAYMENT_PROVIDER_TIMEOUT" envDefault:"10s"`
	PaymentProviderName     string        `env:"PAYMENT_PROVIDER_NAME" envDefault:"stripe"`

	// Order pricing policy
	ShippingFlatCents      int64 `env:"ORDER_SHIPPING_FLAT_CENTS" envDefault:"500"`
	FreeShippingThreshold  int64 `env:"ORDER_FREE_SHIPPING_THRESHOLD" envDefault:"10000"`
	TaxBasisPoints         int64 `env:"ORDER_TAX_BASIS_POINTS" envDefault:"0"`

	// Order policy flags
	RestockOnRefund bool `env:"ORDER_RESTOCK_ON_REFUND" envDefault:"false"`
	CODAutopay      bool `env:"ORDER_COD_AUTOPAY" envDefault:"false"`
	MilestoneEvery  int  `env:"ORDER_MILESTONE_EVERY" envDefault:"100"`

	// Side-effect dispatch
	DispatchTimeout time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"15s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.ShippingFlatCents < 0 {
		return fmt.Errorf("shipping amount must not be negative: %d", c.ShippingFlatCents)
	}
	if c.TaxBasisPoints < 0 {
		return fmt.Errorf("tax basis points must not be negative: %d", c.TaxBasisPoints)
	}
	if c.MilestoneEvery < 0 {
		return fmt.Errorf("milestone interval must not be negative: %d", c.MilestoneEvery)
	}
	return nil
}

// PostgresDSN returns the PostgreSQL connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPass, c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresSSL,
	)
}
