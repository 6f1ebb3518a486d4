// Package config loads process configuration from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	minPublishTokenLength = 16
	minHeartbeatInterval  = time.Second
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	HeartbeatInterval   time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	MaxClientsPerTenant int           `env:"MAX_CLIENTS_PER_TENANT" default:"500"`

	MaxWebSocketConnections int     `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP     int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRatePerIP     float64 `env:"CONNECTION_RATE_PER_IP" default:"10"`
	ConnectionRateBurst     int     `env:"CONNECTION_RATE_BURST" default:"20"`

	// Empty disables the HTTP publish API.
	PublishToken string `env:"PUBLISH_TOKEN"`
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.HeartbeatInterval < minHeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be at least %s, got %s", minHeartbeatInterval, cfg.HeartbeatInterval)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"MAX_CLIENTS_PER_TENANT", cfg.MaxClientsPerTenant},
		{"MAX_WEBSOCKET_CONNECTIONS", cfg.MaxWebSocketConnections},
		{"MAX_CONNECTIONS_PER_IP", cfg.MaxConnectionsPerIP},
		{"CONNECTION_RATE_BURST", cfg.ConnectionRateBurst},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}
	if cfg.ConnectionRatePerIP <= 0 {
		return fmt.Errorf("CONNECTION_RATE_PER_IP must be positive, got %g", cfg.ConnectionRatePerIP)
	}

	u, err := url.Parse(cfg.AppURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("APP_URL must be an absolute URL, got %q", cfg.AppURL)
	}

	if cfg.PublishToken != "" && len(cfg.PublishToken) < minPublishTokenLength {
		return fmt.Errorf("PUBLISH_TOKEN must be at least %d characters", minPublishTokenLength)
	}
	if cfg.IsProduction() && cfg.PublishToken == "" {
		return errors.New("PUBLISH_TOKEN is required in production")
	}

	return nil
}
