package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port             int    `env:"PORT" envDefault:"8080"`
	DatabaseURL      string `env:"DATABASE_URL,required"`
	RedisURL         string `env:"REDIS_URL,required"`
	BackendURL       string `env:"BACKEND_URL,required"`
	BackendWSURL     string `env:"BACKEND_WS_URL"`
	DeviceGatewayKey string `env:"DEVICE_GATEWAY_KEY"`
	PublicBaseURL    string `env:"PUBLIC_BASE_URL" envDefault:""`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// WSBackendURL returns the websocket base for the vision channel. When
// BACKEND_WS_URL is unset it is derived from BACKEND_URL by scheme swap.
func (c *Config) WSBackendURL() string {
	if c.BackendWSURL != "" {
		return strings.TrimSuffix(c.BackendWSURL, "/")
	}
	ws := strings.TrimSuffix(c.BackendURL, "/")
	ws = strings.Replace(ws, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return ws
}

func (c *Config) Validate(isProduction bool) error {
	if !strings.HasPrefix(c.BackendURL, "http://") && !strings.HasPrefix(c.BackendURL, "https://") {
		return fmt.Errorf("BACKEND_URL must be an http(s) URL")
	}

	if isProduction {
		if err := validateSecret("DEVICE_GATEWAY_KEY", c.DeviceGatewayKey); err != nil {
			return err
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if strings.HasPrefix(c.BackendURL, "http://") {
			log.Warn().Msg("BACKEND_URL uses http:// in production: credentials travel over this link")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
