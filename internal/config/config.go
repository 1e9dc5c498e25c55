package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config holds all the configuration settings for the pong server.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// Shared store: "redis" for multi-process deployments, "memory" for a single process.
	Store     string `env:"STORE" envDefault:"redis"`
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`

	// Empty disables match history.
	PostgresDSN string `env:"POSTGRES_DSN"`

	// Empty disables analytics.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"pong.analytics"`

	// Simulation
	TickRate     int           `env:"TICK_RATE" envDefault:"30"`
	WinningScore int           `env:"WINNING_SCORE" envDefault:"11"`
	RoundPause   time.Duration `env:"ROUND_PAUSE" envDefault:"2s"`

	// Connections
	BroadcastInterval    time.Duration `env:"BROADCAST_INTERVAL" envDefault:"100ms"`
	StatsRefreshInterval time.Duration `env:"STATS_REFRESH_INTERVAL" envDefault:"1s"`
	CloseTimeout         time.Duration `env:"CLOSE_TIMEOUT" envDefault:"1s"`
	ShutdownTimeout      time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	InputRate            float64       `env:"INPUT_RATE" envDefault:"60"`
	InputBurst           int           `env:"INPUT_BURST" envDefault:"120"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load returns the configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("invalid STORE %q: want %q or %q", c.Store, StoreRedis, StoreMemory)
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("invalid TICK_RATE %d", c.TickRate)
	}
	if c.WinningScore <= 0 {
		return fmt.Errorf("invalid WINNING_SCORE %d", c.WinningScore)
	}
	if c.BroadcastInterval <= 0 {
		return fmt.Errorf("invalid BROADCAST_INTERVAL %s", c.BroadcastInterval)
	}
	return nil
}

// ConsumerConfig holds the settings of the analytics consumer.
type ConsumerConfig struct {
	KafkaBrokers   []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaTopic     string        `env:"KAFKA_TOPIC" envDefault:"pong.analytics"`
	KafkaGroupID   string        `env:"KAFKA_GROUP_ID" envDefault:"pong-analytics"`
	ReportInterval time.Duration `env:"REPORT_INTERVAL" envDefault:"30s"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
}

func LoadConsumer() (*ConsumerConfig, error) {
	cfg := &ConsumerConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse consumer config: %w", err)
	}
	if cfg.ReportInterval <= 0 {
		return nil, fmt.Errorf("invalid REPORT_INTERVAL %s", cfg.ReportInterval)
	}
	return cfg, nil
}
