package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// MinAuthSecretLength is the shortest signing secret the server accepts.
const MinAuthSecretLength = 32

type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat     string `envconfig:"LOG_FORMAT" default:"json"`
	LogWarnStack  bool   `envconfig:"LOG_WARN_STACK" default:"false"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	KafkaBrokers string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string `envconfig:"KAFKA_SALES_TOPIC" default:"sale-events"`

	AuthSecret string        `envconfig:"AUTH_SECRET"`
	TokenTTL   time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"8h"`

	CheckoutTimeout time.Duration `envconfig:"CHECKOUT_TIMEOUT" default:"10s"`
	PaymentTimeout  time.Duration `envconfig:"PAYMENT_TIMEOUT" default:"8s"`
	CartTTL         time.Duration `envconfig:"CART_TTL" default:"48h"`
	AlternativesTTL time.Duration `envconfig:"ALTERNATIVES_TTL" default:"20s"`
	IdempotencyTTL  time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	ShutdownGracePeriod time.Duration `envconfig:"SHUTDOWN_GRACE_PERIOD" default:"10s"`
	ReadHeaderTimeout   time.Duration `envconfig:"READ_HEADER_TIMEOUT" default:"5s"`

	// Staff accounts written to postgres at startup. Empty passwords skip the account.
	SeedManagerPassword string `envconfig:"SEED_MANAGER_PASSWORD"`
	SeedCashierPassword string `envconfig:"SEED_CASHIER_PASSWORD"`
	SeedStaffStoreID    int64  `envconfig:"SEED_STAFF_STORE_ID" default:"0"`

	MercadoPago MercadoPagoConfig
}

type MercadoPagoConfig struct {
	AccessToken     string `envconfig:"MERCADOPAGO_ACCESS_TOKEN"`
	NotificationURL string `envconfig:"MERCADOPAGO_NOTIFICATION_URL"`
	SuccessURL      string `envconfig:"MERCADOPAGO_SUCCESS_URL"`
	FailureURL      string `envconfig:"MERCADOPAGO_FAILURE_URL"`
	PendingURL      string `envconfig:"MERCADOPAGO_PENDING_URL"`
}

// Load reads an optional .env file and then the process environment.
// Values already present in the environment win over the file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.MercadoPago.AccessToken = strings.TrimSpace(cfg.MercadoPago.AccessToken)
	return cfg, nil
}

// Validate rejects settings the server must not start with.
func (c Config) Validate() error {
	if len(c.AuthSecret) < MinAuthSecretLength {
		return fmt.Errorf("AUTH_SECRET must be at least %d characters", MinAuthSecretLength)
	}
	if c.CheckoutTimeout <= 0 || c.PaymentTimeout <= 0 {
		return errors.New("CHECKOUT_TIMEOUT and PAYMENT_TIMEOUT must be positive")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
