// Package config provides configuration loading using koanf.
// Precedence: environment variables over compiled defaults.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/aelexs/socket-gateway/internal/domain"
)

// Config holds all service configuration.
type Config struct {
	// Environment identifier: "local", "dev", "prod"
	Environment string `koanf:"environment"`

	// Logging configuration
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	// AppID overrides the service name in logs and telemetry when set.
	AppID string `koanf:"app_id"`

	// NodeID names this process on the broker. Empty generates a random one.
	NodeID string `koanf:"node_id"`

	Gateway GatewayConfig `koanf:"gateway"`
	Broker  BrokerConfig  `koanf:"broker"`

	// OpenTelemetry configuration
	OTEL OTELConfig `koanf:"otel"`
}

// GatewayConfig holds the transport host configuration.
type GatewayConfig struct {
	HTTPPort int `koanf:"http_port"`
}

// BrokerConfig holds the Redis pub/sub backplane configuration.
type BrokerConfig struct {
	Host     string        `koanf:"host"` // Required in production
	Port     int           `koanf:"port"`
	Password string        `koanf:"password"`
	Channel  string        `koanf:"channel"` // Channel prefix shared by all nodes
	Timeout  time.Duration `koanf:"timeout"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Endpoint string `koanf:"endpoint"` // Empty disables OTLP export
}

const localBrokerHost = "127.0.0.1"

func defaults() *Config {
	return &Config{
		Environment: "local",
		LogLevel:    "info",
		LogFormat:   "json",

		Gateway: GatewayConfig{
			HTTPPort: 3000,
		},
		Broker: BrokerConfig{
			Port:    domain.DefaultBrokerPort,
			Channel: domain.DefaultChannelPrefix,
			Timeout: domain.BrokerTimeout,
		},
	}
}

// Load loads configuration following the precedence:
// 1. Environment variables (highest)
// 2. Compiled defaults (lowest)
//
// Env names map to keys by lowercasing and turning the first "_" into ".",
// so BROKER_HOST sets broker.host and GATEWAY_HTTP_PORT sets gateway.http_port.
func Load(_ context.Context) (*Config, error) {
	k := koanf.New(".")

	cfg := defaults()

	err := k.Load(env.Provider("", ".", envKey), nil)
	if err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyLocalDefaults(cfg)

	if err := validateRequired(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// envKey maps an environment variable name to a koanf key. Only the first
// underscore separates a section, which keeps multi-word leaf keys intact.
func envKey(s string) string {
	s = strings.ToLower(s)
	section, rest, found := strings.Cut(s, "_")
	if !found {
		return s
	}
	switch section {
	case "gateway", "broker", "otel":
		return section + "." + rest
	default:
		return s
	}
}

// applyLocalDefaults fills settings that only have a sensible default on a
// developer machine. Other environments must configure them explicitly.
func applyLocalDefaults(cfg *Config) {
	if !cfg.IsLocal() {
		return
	}
	if cfg.Broker.Host == "" {
		cfg.Broker.Host = localBrokerHost
	}
}

func validateRequired(cfg *Config) error {
	if cfg.IsLocal() {
		return nil
	}

	if cfg.IsProd() {
		if cfg.Broker.Host == "" {
			return fmt.Errorf("%w: broker.host", domain.ErrConfigRequired)
		}
		if cfg.Broker.Channel == "" {
			return fmt.Errorf("%w: broker.channel", domain.ErrConfigRequired)
		}
	}

	return nil
}

// ServiceName returns AppID when set, otherwise fallback.
func (c *Config) ServiceName(fallback string) string {
	if c.AppID != "" {
		return c.AppID
	}
	return fallback
}

// IsLocal returns true if running in local development environment.
func (c *Config) IsLocal() bool {
	return c.Environment == "local"
}

// IsProd returns true if running in production environment.
func (c *Config) IsProd() bool {
	return c.Environment == "prod"
}
