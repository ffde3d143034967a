package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv         string        `env:"APP_ENV" default:"development"`
	Port           string        `env:"PORT" default:"8080"`
	BackendURL     string        `env:"BACKEND_URL"`
	BackendTimeout time.Duration `env:"BACKEND_TIMEOUT" default:"10s"`
	SessionSecret  string        `env:"SESSION_SECRET"`
	RedisURL       string        `env:"REDIS_URL"`
	LogLevel       string        `env:"LOG_LEVEL" default:"info"`
	LogFormat      string        `env:"LOG_FORMAT" default:"text"`

	SentimentRollbackOnFailure bool          `env:"SENTIMENT_ROLLBACK_ON_FAILURE" default:"true"`
	ToggleDebounce             time.Duration `env:"TOGGLE_DEBOUNCE" default:"500ms"`
	ViewIdleTimeout            time.Duration `env:"VIEW_IDLE_TIMEOUT" default:"30m"`

	MaxWebSocketConnections int    `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	PublicURL               string `env:"PUBLIC_URL"` // origin browsers load the page from; empty means same host

	SessionMaxAge      time.Duration `env:"SESSION_MAX_AGE" default:"168h"` // 7 days
	TokenEncryptionKey string        `env:"TOKEN_ENCRYPTION_KEY"`           // 64 hex chars; seals backend tokens in the session cookie
}

// Production reports whether APP_ENV is production.
func (c *Config) Production() bool {
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
	required := []struct{ name, value string }{
		{"BACKEND_URL", cfg.BackendURL},
		{"SESSION_SECRET", cfg.SessionSecret},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%s is required", r.name)
		}
	}

	u, err := url.Parse(cfg.BackendURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("BACKEND_URL must be an absolute http(s) URL, got %q", cfg.BackendURL)
	}
	if cfg.Production() && u.Scheme != "https" {
		return errors.New("BACKEND_URL must use https which is required in production")
	}
	if cfg.Production() && len(cfg.SessionSecret) < 32 {
		return errors.New("SESSION_SECRET must be at least 32 characters in production")
	}

	if cfg.TokenEncryptionKey != "" {
		key, err := hex.DecodeString(cfg.TokenEncryptionKey)
		if err != nil || len(key) != 32 {
			return errors.New("TOKEN_ENCRYPTION_KEY must be 64 hex characters (32 bytes)")
		}
	} else if cfg.Production() {
		return errors.New("TOKEN_ENCRYPTION_KEY is required in production")
	}

	if cfg.PublicURL != "" {
		if pu, err := url.Parse(cfg.PublicURL); err != nil || pu.Host == "" {
			return fmt.Errorf("PUBLIC_URL must be an absolute URL, got %q", cfg.PublicURL)
		}
	}

	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}
	if cfg.BackendTimeout <= 0 {
		return errors.New("BACKEND_TIMEOUT must be positive")
	}
	if cfg.ToggleDebounce < 0 {
		return errors.New("TOGGLE_DEBOUNCE must not be negative")
	}
	if cfg.MaxWebSocketConnections <= 0 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS must be positive")
	}

	return nil
}
