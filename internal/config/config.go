// Package config loads the dashboard service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Name         string             `yaml:"name"`
	LogLevel     string             `yaml:"log_level"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Market       MarketConfig       `yaml:"market"`
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Broker       BrokerConfig       `yaml:"broker"`
}

// OrchestratorConfig holds the upstream connection settings.
type OrchestratorConfig struct {
	URL            string        `yaml:"url"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// MarketConfig selects the symbol view the dashboard subscribes to.
type MarketConfig struct {
	Symbol            string `yaml:"symbol"`
	PrimaryInterval   string `yaml:"primary_interval"`
	SecondaryInterval string `yaml:"secondary_interval"`
	MaxTrades         int    `yaml:"max_trades"`
	MaxKlines         int    `yaml:"max_klines"`
}

// ServerConfig holds the UI-facing HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig enables trade persistence when a DSN is set.
type StorageConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// BrokerConfig enables event republish when a URI is set.
type BrokerConfig struct {
	AmqpURI string `yaml:"amqp_uri"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Name:     "taderjoe-dash",
		LogLevel: "info",
		Orchestrator: OrchestratorConfig{
			URL:            "ws://localhost:5114/hub/orchestrator",
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		Market: MarketConfig{
			Symbol:            "BTCUSDT",
			PrimaryInterval:   "1m",
			SecondaryInterval: "15m",
			MaxTrades:         50,
			MaxKlines:         100,
		},
		Server: ServerConfig{Host: "127.0.0.1", Port: 8090},
	}
}

// Load reads and validates a YAML config file. Missing fields keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}
	if c.Orchestrator.URL == "" {
		return fmt.Errorf("orchestrator url cannot be empty")
	}
	if c.Orchestrator.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be greater than 0")
	}
	if c.Orchestrator.MaxBackoff < c.Orchestrator.InitialBackoff {
		return fmt.Errorf("max backoff must be at least the initial backoff")
	}
	if c.Market.Symbol == "" {
		return fmt.Errorf("market symbol cannot be empty")
	}
	if c.Market.PrimaryInterval == "" || c.Market.SecondaryInterval == "" {
		return fmt.Errorf("both kline intervals must be set")
	}
	if c.Market.PrimaryInterval == c.Market.SecondaryInterval {
		return fmt.Errorf("primary and secondary intervals must differ")
	}
	if c.Market.MaxTrades <= 0 || c.Market.MaxKlines <= 0 {
		return fmt.Errorf("market display caps must be greater than 0")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.Port <= 1024 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Server.Port)
	}
	return nil
}
