package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "http://localhost:8545", cfg.RPC.Endpoint)
	assert.Equal(t, 30*time.Second, cfg.Watcher.PollInterval)
	assert.Equal(t, uint64(2000), cfg.Watcher.BatchSize)
	assert.Equal(t, uint64(50), cfg.Dedup.EventTTLBlocks)
	assert.Equal(t, uint64(900), cfg.Dedup.StickyTTLBlocks)
	assert.Equal(t, "deliver", cfg.Attribution.OnExhausted)
	assert.True(t, cfg.API.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rpc:
  endpoint: "http://node.example:8545"
  timeout: 10s
registry:
  address: "0x1234567890123456789012345678901234567890"
watcher:
  poll_interval: 15s
  batch_size: 500
attribution:
  max_attempts: 3
  on_exhausted: drop
dedup:
  event_ttl_blocks: 25
webhook:
  enabled: true
  url: "https://hooks.example/cards"
  secret: "shh"
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "http://node.example:8545", cfg.RPC.Endpoint)
	assert.Equal(t, 10*time.Second, cfg.RPC.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Watcher.PollInterval)
	assert.Equal(t, uint64(500), cfg.Watcher.BatchSize)
	assert.Equal(t, 3, cfg.Attribution.MaxAttempts)
	assert.Equal(t, "drop", cfg.Attribution.OnExhausted)
	assert.Equal(t, uint64(25), cfg.Dedup.EventTTLBlocks)
	// Unset fields keep defaults.
	assert.Equal(t, uint64(900), cfg.Dedup.StickyTTLBlocks)
	assert.True(t, cfg.Webhook.Enabled)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestLoadFromFileEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().RPC.Endpoint, cfg.RPC.Endpoint)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHAINWATCH_RPC_ENDPOINT", "http://override:8545")
	t.Setenv("CHAINWATCH_POLL_INTERVAL", "5s")
	t.Setenv("CHAINWATCH_BATCH_SIZE", "750")
	t.Setenv("CHAINWATCH_WEBHOOK_URL", "https://hooks.example/override")
	t.Setenv("CHAINWATCH_DEBUG", "true")

	cfg, err := LoadFromFile("")
	require.NoError(t, err)

	assert.Equal(t, "http://override:8545", cfg.RPC.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.Watcher.PollInterval)
	assert.Equal(t, uint64(750), cfg.Watcher.BatchSize)
	assert.Equal(t, "https://hooks.example/override", cfg.Webhook.URL)
	assert.True(t, cfg.Webhook.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvOverrideInvalidValue(t *testing.T) {
	t.Setenv("CHAINWATCH_POLL_INTERVAL", "not-a-duration")

	_, err := LoadFromFile("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAINWATCH_POLL_INTERVAL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"missing endpoint", func(c *Config) { c.RPC.Endpoint = "" }, "rpc endpoint"},
		{"missing db path", func(c *Config) { c.Database.Path = "" }, "database path"},
		{"bad registry address", func(c *Config) { c.Registry.Address = "deadbeef" }, "registry address"},
		{"zero poll interval", func(c *Config) { c.Watcher.PollInterval = 0 }, "poll interval"},
		{"zero batch size", func(c *Config) { c.Watcher.BatchSize = 0 }, "batch size"},
		{"bad exhausted policy", func(c *Config) { c.Attribution.OnExhausted = "retry-forever" }, "on_exhausted"},
		{"zero dedup ttl", func(c *Config) { c.Dedup.EventTTLBlocks = 0 }, "dedup TTLs"},
		{"bad api port", func(c *Config) { c.API.Port = 0 }, "API port"},
		{"webhook without url", func(c *Config) { c.Webhook.Enabled = true }, "webhook url"},
		{"kafka without brokers", func(c *Config) { c.Bus.Kafka.Enabled = true }, "kafka"},
		{"redis without addr", func(c *Config) { c.Bus.Redis.Enabled = true }, "redis"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
