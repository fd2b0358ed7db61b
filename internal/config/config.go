package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/overdrive-yt/sportsdevil/internal/backoff"
	"github.com/overdrive-yt/sportsdevil/internal/publisher"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Service    string          `mapstructure:"service"`
	LogLevel   string          `mapstructure:"log_level"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	GRPC       GRPCConfig      `mapstructure:"grpc"`
	Backend    BackendConfig   `mapstructure:"backend"`
	Gateway    GatewayConfig   `mapstructure:"gateway"`
	Reconciler backoff.Linear  `mapstructure:"reconciler"`
	Poller     PollerConfig    `mapstructure:"poller"`
	Cart       CartConfig      `mapstructure:"cart"`
	Checkout   CheckoutConfig  `mapstructure:"checkout"`
	Postgres   PostgresConfig  `mapstructure:"postgres"`
	Mongo      MongoConfig     `mapstructure:"mongo"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Telemetry  TelemetryConfig `mapstructure:"telemetry"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type BackendConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Timeout            time.Duration `mapstructure:"timeout"`
	Token              string        `mapstructure:"token"`
	BreakerFailures    uint32        `mapstructure:"breaker_failures"`
	BreakerOpenTimeout time.Duration `mapstructure:"breaker_open_timeout"`
}

type GatewayConfig struct {
	// StripeSecretKey empty selects the in-process sandbox gateway.
	StripeSecretKey    string         `mapstructure:"stripe_secret_key"`
	StripeURL          string         `mapstructure:"stripe_url"`
	ConfirmTimeout     time.Duration  `mapstructure:"confirm_timeout"`
	Confirm            backoff.Linear `mapstructure:"confirm"`
	BreakerFailures    uint32         `mapstructure:"breaker_failures"`
	BreakerOpenTimeout time.Duration  `mapstructure:"breaker_open_timeout"`
}

type PollerConfig struct {
	backoff.Exponential `mapstructure:",squash"`
	MaxElapsed          time.Duration `mapstructure:"max_elapsed"`
}

type CartConfig struct {
	// Store is "memory" or "mongo".
	Store   string        `mapstructure:"store"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

type CheckoutConfig struct {
	// IdleTTL is how long a finished attempt stays readable in memory.
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type PostgresConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	DBName         string `mapstructure:"dbname"`
	SSLMode        string `mapstructure:"sslmode"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   string           `mapstructure:"topic"`
	Outbox  publisher.Config `mapstructure:"outbox"`
}

type TelemetryConfig struct {
	MetricsPath string `mapstructure:"metrics_path"`
}

func DefaultConfig() *Config {
	return &Config{
		Service:  "checkout-service",
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		GRPC: GRPCConfig{Addr: ":50056"},
		Backend: BackendConfig{
			BaseURL:            "http://localhost:3000/api",
			Timeout:            10 * time.Second,
			BreakerFailures:    5,
			BreakerOpenTimeout: 30 * time.Second,
		},
		Gateway: GatewayConfig{
			ConfirmTimeout:     30 * time.Second,
			Confirm:            backoff.Linear{Base: 500 * time.Millisecond, Cap: 2 * time.Second, MaxAttempts: 3},
			BreakerFailures:    5,
			BreakerOpenTimeout: 30 * time.Second,
		},
		Reconciler: backoff.Linear{Base: time.Second, Cap: 10 * time.Second, MaxAttempts: 3},
		Poller: PollerConfig{
			Exponential: backoff.Exponential{Initial: 2 * time.Second, Factor: 1.5, Cap: 30 * time.Second, MaxAttempts: 10},
			// leaves room for the whole ten query schedule, about 154s
			MaxElapsed: 160 * time.Second,
		},
		Cart:     CartConfig{Store: "memory", LockTTL: 15 * time.Minute},
		Checkout: CheckoutConfig{IdleTTL: 30 * time.Minute, SweepInterval: time.Minute},
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			User:           "postgres",
			Password:       "postgres",
			DBName:         "checkout",
			SSLMode:        "disable",
			MigrationsPath: "./internal/repository/migrations",
		},
		Mongo: MongoConfig{URI: "mongodb://localhost:27017", Database: "cart"},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   publisher.DefaultTopic,
			Outbox:  publisher.DefaultConfig(),
		},
		Telemetry: TelemetryConfig{MetricsPath: "/metrics"},
	}
}

// Validate rejects settings the retry and locking logic cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(name string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	check("reconciler", c.Reconciler.Validate())
	check("poller", c.Poller.Validate())
	check("gateway.confirm", c.Gateway.Confirm.Validate())
	if c.Poller.MaxElapsed <= 0 {
		errs = append(errs, errors.New("poller.max_elapsed must be positive"))
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if c.Backend.Timeout <= 0 || c.Gateway.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("backend.timeout and gateway.confirm_timeout must be positive"))
	}
	if c.Cart.LockTTL <= 0 {
		errs = append(errs, errors.New("cart.lock_ttl must be positive"))
	}
	if c.Checkout.IdleTTL <= 0 || c.Checkout.SweepInterval <= 0 {
		errs = append(errs, errors.New("checkout.idle_ttl and checkout.sweep_interval must be positive"))
	}
	switch c.Cart.Store {
	case "memory", "mongo":
	default:
		errs = append(errs, fmt.Errorf("cart.store %q is not one of memory, mongo", c.Cart.Store))
	}
	if c.Kafka.Enabled && !c.Postgres.Enabled {
		errs = append(errs, errors.New("kafka.enabled requires postgres.enabled for the outbox"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
