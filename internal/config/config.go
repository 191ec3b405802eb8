package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the worker configuration.
type Config struct {
	// Kafka
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"engine-events"`
	KafkaGroupID string   `env:"KAFKA_GROUP_ID" envDefault:"order-worker"`
	KafkaClient  string   `env:"KAFKA_CLIENT_ID" envDefault:"order-worker"`

	// Store
	StoreBackend  string `env:"STORE_BACKEND" envDefault:"memory"`
	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Observability
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	OpsAddr   string `env:"OPS_ADDR" envDefault:":8081"`

	// Shutdown (parsed as seconds)
	ShutdownTimeoutSec int `env:"SHUTDOWN_TIMEOUT_SEC" envDefault:"15"`

	// Computed duration (not from env)
	ShutdownTimeout time.Duration `env:"-"`
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	for i := range cfg.KafkaBrokers {
		cfg.KafkaBrokers[i] = strings.TrimSpace(cfg.KafkaBrokers[i])
	}

	cfg.ShutdownTimeout = time.Duration(cfg.ShutdownTimeoutSec) * time.Second

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("at least one Kafka broker must be configured")
	}
	for _, broker := range c.KafkaBrokers {
		if broker == "" {
			return fmt.Errorf("empty Kafka broker address")
		}
	}

	if c.KafkaTopic == "" {
		return fmt.Errorf("Kafka topic must not be empty")
	}
	if c.KafkaGroupID == "" {
		return fmt.Errorf("Kafka group id must not be empty")
	}

	switch c.StoreBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL required when STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("invalid store backend: %s", c.StoreBackend)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.LogFormat)
	}

	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}

	return nil
}
