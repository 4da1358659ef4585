package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8000"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8000"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// Comma-separated list of browser origins allowed for REST and WebSocket.
	CORSOrigins string `env:"CORS_ORIGINS" default:"http://localhost:3000,http://127.0.0.1:3000,http://localhost:8000"`

	// Optional shared L2 cache. Empty disables it.
	RedisURL string `env:"REDIS_URL"`

	CacheTTL          time.Duration `env:"CACHE_TTL" default:"300s"`
	CacheSingleFlight bool          `env:"CACHE_SINGLE_FLIGHT" default:"false"`

	CoinGeckoURL        string        `env:"COINGECKO_API_URL" default:"https://api.coingecko.com/api/v3"`
	CoinGeckoAPIKey     string        `env:"COINGECKO_API_KEY"`
	UpstreamTimeout     time.Duration `env:"UPSTREAM_TIMEOUT" default:"30s"`
	UpstreamMaxAttempts int           `env:"UPSTREAM_MAX_ATTEMPTS" default:"2"`

	BroadcastInterval time.Duration `env:"BROADCAST_INTERVAL" default:"10s"`
	BroadcastBackoff  time.Duration `env:"BROADCAST_BACKOFF" default:"5s"`
	BroadcastTopN     int           `env:"BROADCAST_TOP_N" default:"50"`
	BroadcastCurrency string        `env:"BROADCAST_CURRENCY" default:"usd"`

	MaxWebSocketConnections int `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	RateLimitPerMinute      int `env:"RATE_LIMIT_PER_MINUTE" default:"30"`
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

// IsDevelopment reports whether localhost origins and other dev conveniences apply.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// AllowedOrigins splits CORSOrigins into a trimmed, non-empty list.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func validate(cfg *Config) error {
	if _, err := url.ParseRequestURI(cfg.CoinGeckoURL); err != nil {
		return fmt.Errorf("COINGECKO_API_URL must be a valid URL: %w", err)
	}

	positive := map[string]time.Duration{
		"CACHE_TTL":          cfg.CacheTTL,
		"UPSTREAM_TIMEOUT":   cfg.UpstreamTimeout,
		"BROADCAST_INTERVAL": cfg.BroadcastInterval,
		"BROADCAST_BACKOFF":  cfg.BroadcastBackoff,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.BroadcastTopN < 1 || cfg.BroadcastTopN > 250 {
		return errors.New("BROADCAST_TOP_N must be between 1 and 250")
	}
	if cfg.BroadcastCurrency == "" {
		return errors.New("BROADCAST_CURRENCY is required")
	}
	if cfg.UpstreamMaxAttempts < 1 {
		return errors.New("UPSTREAM_MAX_ATTEMPTS must be at least 1")
	}
	if cfg.MaxWebSocketConnections < 1 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS must be at least 1")
	}
	if cfg.RateLimitPerMinute < 1 {
		return errors.New("RATE_LIMIT_PER_MINUTE must be at least 1")
	}

	if cfg.AppEnv == "production" && strings.HasPrefix(cfg.AppURL, "http://") {
		return errors.New("APP_URL must use https in production")
	}

	return nil
}
