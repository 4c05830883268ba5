package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Server captures everything the gateway process reads from the environment.
type Server struct {
	Addr      string `envconfig:"OSSGW_ADDR" default:":8080"`
	LogLevel  string `envconfig:"OSSGW_LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"OSSGW_LOG_FORMAT" default:"json"`

	Registry RegistryConfig
	Store    StoreConfig
	Redis    RedisConfig
	Events   EventsConfig
	Poller   PollerConfig
}

// RegistryConfig controls the outbound registry client.
type RegistryConfig struct {
	BaseURL             string        `envconfig:"OSS_RBA_BASE_URL" default:"http://localhost:4000"`
	Timeout             time.Duration `envconfig:"OSS_RBA_TIMEOUT" default:"10s"`
	RetryAttempts       int           `envconfig:"OSS_RBA_RETRY_ATTEMPTS" default:"3"`
	RetryDelay          time.Duration `envconfig:"OSS_RBA_RETRY_DELAY" default:"1s"`
	HealthTimeout       time.Duration `envconfig:"OSS_RBA_HEALTH_TIMEOUT" default:"5s"`
	BreakerThreshold    int           `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"5"`
	BreakerResetTimeout time.Duration `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30s"`
	LookupCacheTTL      time.Duration `envconfig:"OSSGW_LOOKUP_CACHE_TTL" default:"5m"`
}

// StoreConfig selects where submission records live.
type StoreConfig struct {
	Driver      string `envconfig:"OSSGW_STORE" default:"memory"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	Migrate     bool   `envconfig:"OSSGW_MIGRATE" default:"true"`
}

// RedisConfig mirrors the go-redis pool settings we override.
type RedisConfig struct {
	URL          string        `envconfig:"REDIS_URL"`
	PoolSize     int           `envconfig:"REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"REDIS_WRITE_TIMEOUT" default:"3s"`
}

// EventsConfig enables Kafka publication of lifecycle events. With no
// brokers, events are only logged.
type EventsConfig struct {
	Brokers []string `envconfig:"KAFKA_BROKERS"`
	Topic   string   `envconfig:"KAFKA_TOPIC" default:"registry.submissions"`
}

// PollerConfig drives background status refresh. A zero interval disables it.
type PollerConfig struct {
	Interval  time.Duration `envconfig:"OSSGW_POLL_INTERVAL" default:"0s"`
	BatchSize int           `envconfig:"OSSGW_POLL_BATCH_SIZE" default:"50"`
}

// MockRegistry configures cmd/mockregistry.
type MockRegistry struct {
	Addr          string        `envconfig:"MOCK_REGISTRY_ADDR" default:":4000"`
	CompletionLag time.Duration `envconfig:"MOCK_COMPLETION_LAG" default:"30s"`
	ProcessingAt  time.Duration `envconfig:"MOCK_PROCESSING_AFTER" default:"0s"`
	RejectRate    float64       `envconfig:"MOCK_REJECT_RATE" default:"0.05"`
	LatencyMin    time.Duration `envconfig:"MOCK_LATENCY_MIN" default:"100ms"`
	LatencyMax    time.Duration `envconfig:"MOCK_LATENCY_MAX" default:"300ms"`
	LogLevel      string        `envconfig:"MOCK_LOG_LEVEL" default:"info"`
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	var cfg Server
	if err := envconfig.Process("", &cfg); err != nil {
		return Server{}, fmt.Errorf("read environment: %w", err)
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c Server) Validate() error {
	var errs []error
	if c.Registry.BaseURL == "" {
		errs = append(errs, errors.New("OSS_RBA_BASE_URL is required"))
	}
	if c.Registry.Timeout <= 0 {
		errs = append(errs, errors.New("OSS_RBA_TIMEOUT must be positive"))
	}
	if c.Registry.RetryAttempts <= 0 {
		errs = append(errs, errors.New("OSS_RBA_RETRY_ATTEMPTS must be positive"))
	}
	if c.Registry.RetryDelay <= 0 {
		errs = append(errs, errors.New("OSS_RBA_RETRY_DELAY must be positive"))
	}
	if c.Registry.BreakerThreshold <= 0 {
		errs = append(errs, errors.New("CIRCUIT_BREAKER_THRESHOLD must be positive"))
	}
	if c.Registry.BreakerResetTimeout <= 0 {
		errs = append(errs, errors.New("CIRCUIT_BREAKER_RESET_TIMEOUT must be positive"))
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case StoreRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("OSSGW_STORE %q is not one of memory, postgres, redis", c.Store.Driver))
	}
	if c.Poller.Interval < 0 {
		errs = append(errs, errors.New("OSSGW_POLL_INTERVAL must not be negative"))
	}
	return errors.Join(errs...)
}

// MockRegistryFromEnv reads the simulator settings.
func MockRegistryFromEnv() (MockRegistry, error) {
	var cfg MockRegistry
	if err := envconfig.Process("", &cfg); err != nil {
		return MockRegistry{}, fmt.Errorf("read environment: %w", err)
	}
	if cfg.RejectRate < 0 || cfg.RejectRate > 1 {
		return MockRegistry{}, errors.New("MOCK_REJECT_RATE must be between 0 and 1")
	}
	if cfg.LatencyMax < cfg.LatencyMin {
		return MockRegistry{}, errors.New("MOCK_LATENCY_MAX must not be below MOCK_LATENCY_MIN")
	}
	return cfg, nil
}
