// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/service"
	"github.com/shopspring/decimal"
)

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Engine    EngineEnv
	Sweeper   SweeperEnv
	Messaging MessagingConfig
	Telemetry TelemetryConfig
}

type ServiceConfig struct {
	Name        string `env:"SERVICE_NAME" envDefault:"ad-reservations"`
	Version     string `env:"SERVICE_VERSION" envDefault:"dev"`
	Environment string `env:"SERVICE_ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

type ServerConfig struct {
	Port            int           `env:"HTTP_PORT" envDefault:"8086"`
	GRPCPort        int           `env:"GRPC_PORT" envDefault:"9086"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"HTTP_REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"20s"`
}

type DatabaseConfig struct {
	Driver      string        `env:"DATABASE_DRIVER" envDefault:"postgres"`
	URL         string        `env:"DATABASE_URL"`
	SQLitePath  string        `env:"SQLITE_PATH" envDefault:"data/reservations.db"`
	MaxConns    int32         `env:"DATABASE_MAX_CONNS" envDefault:"10"`
	MinConns    int32         `env:"DATABASE_MIN_CONNS" envDefault:"1"`
	MaxConnTime time.Duration `env:"DATABASE_MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxIdleTime time.Duration `env:"DATABASE_MAX_CONN_IDLE_TIME" envDefault:"30m"`
}

// EngineEnv holds the raw engine settings. Hold duration and the deviation
// threshold have no defaults.
type EngineEnv struct {
	HoldDurationHours      int    `env:"HOLD_DURATION_HOURS,required"`
	RateDeviationThreshold string `env:"RATE_DEVIATION_THRESHOLD,required"`
	LedgerMaxAttempts      int    `env:"LEDGER_MAX_ATTEMPTS" envDefault:"5"`
	CatalogPath            string `env:"CATALOG_PATH"`
}

type SweeperEnv struct {
	Interval         time.Duration `env:"SWEEP_INTERVAL,required"`
	BatchSize        int           `env:"SWEEP_BATCH_SIZE" envDefault:"100"`
	LeaseTTL         time.Duration `env:"SWEEP_LEASE_TTL" envDefault:"30s"`
	TalentRequestTTL time.Duration `env:"TALENT_REQUEST_TTL" envDefault:"0s"`
}

type MessagingConfig struct {
	NATSURL       string `env:"NATS_URL"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"adreservations"`
	RedisURL      string `env:"REDIS_URL"`
	OrdersGRPCURL string `env:"ORDERS_GRPC_URL"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load parses the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres":
		if c.Database.URL == "" {
			return errors.InvalidInput("DATABASE_URL", "required when DATABASE_DRIVER=postgres")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return errors.InvalidInput("SQLITE_PATH", "required when DATABASE_DRIVER=sqlite")
		}
	default:
		return errors.InvalidInput("DATABASE_DRIVER", "must be postgres or sqlite")
	}
	if _, err := c.EngineConfig(); err != nil {
		return err
	}
	return c.SweeperConfig().Validate()
}

// EngineConfig builds the explicit engine configuration.
func (c *Config) EngineConfig() (service.EngineConfig, error) {
	threshold, err := decimal.NewFromString(strings.TrimSpace(c.Engine.RateDeviationThreshold))
	if err != nil {
		return service.EngineConfig{}, errors.InvalidInput("RATE_DEVIATION_THRESHOLD", "must be a decimal fraction such as 0.10")
	}
	ec := service.EngineConfig{
		HoldDuration:           time.Duration(c.Engine.HoldDurationHours) * time.Hour,
		RateDeviationThreshold: threshold,
		MaxLedgerAttempts:      c.Engine.LedgerMaxAttempts,
	}
	return ec, ec.Validate()
}

// SweeperConfig builds the explicit sweeper configuration.
func (c *Config) SweeperConfig() service.SweeperConfig {
	return service.SweeperConfig{
		Interval:         c.Sweeper.Interval,
		BatchSize:        c.Sweeper.BatchSize,
		TalentRequestTTL: c.Sweeper.TalentRequestTTL,
		LeaseTTL:         c.Sweeper.LeaseTTL,
	}
}
