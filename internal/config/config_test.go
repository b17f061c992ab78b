package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
orchestrator:
  url: ws://backend:5114/hub/orchestrator
  max_backoff: 10s
market:
  symbol: ETHUSDT
server:
  port: 9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "ws://backend:5114/hub/orchestrator", cfg.Orchestrator.URL)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.MaxBackoff)
	assert.Equal(t, "ETHUSDT", cfg.Market.Symbol)
	assert.Equal(t, 9000, cfg.Server.Port)

	// Untouched fields keep their defaults.
	assert.Equal(t, time.Second, cfg.Orchestrator.InitialBackoff)
	assert.Equal(t, "1m", cfg.Market.PrimaryInterval)
	assert.Equal(t, 50, cfg.Market.MaxTrades)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty_url", func(c *Config) { c.Orchestrator.URL = "" }},
		{"zero_backoff", func(c *Config) { c.Orchestrator.InitialBackoff = 0 }},
		{"inverted_backoff", func(c *Config) { c.Orchestrator.MaxBackoff = c.Orchestrator.InitialBackoff / 2 }},
		{"empty_symbol", func(c *Config) { c.Market.Symbol = "" }},
		{"same_intervals", func(c *Config) { c.Market.SecondaryInterval = c.Market.PrimaryInterval }},
		{"zero_cap", func(c *Config) { c.Market.MaxKlines = 0 }},
		{"privileged_port", func(c *Config) { c.Server.Port = 80 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
