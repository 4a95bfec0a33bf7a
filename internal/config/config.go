// Package config loads watcher configuration from a YAML file with
// CHAINWATCH_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the watcher.
type Config struct {
	RPC         RPCConfig         `yaml:"rpc"`
	Database    DatabaseConfig    `yaml:"database"`
	Log         LogConfig         `yaml:"log"`
	Registry    RegistryConfig    `yaml:"registry"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Attribution AttributionConfig `yaml:"attribution"`
	Dedup       DedupConfig       `yaml:"dedup"`
	API         APIConfig         `yaml:"api"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Bus         BusConfig         `yaml:"bus"`
}

// RPCConfig holds ledger RPC client configuration.
type RPCConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
}

// DatabaseConfig holds persistence configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RegistryConfig identifies the game registry contract.
type RegistryConfig struct {
	Address string `yaml:"address"`
}

// WatcherConfig holds the poll schedule and scan shape.
type WatcherConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	BatchSize      uint64        `yaml:"batch_size"`
	BackfillWindow uint64        `yaml:"backfill_window"`
	BackfillRowCap int           `yaml:"backfill_row_cap"`
}

// AttributionConfig holds resolver and pending-queue settings.
type AttributionConfig struct {
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	LiveProbeCap   int           `yaml:"live_probe_cap"`
	BackscanWindow uint64        `yaml:"backscan_window"`
	OnExhausted    string        `yaml:"on_exhausted"` // "deliver" or "drop"
}

// DedupConfig holds the block-windowed dedup TTLs.
type DedupConfig struct {
	EventTTLBlocks  uint64 `yaml:"event_ttl_blocks"`
	StickyTTLBlocks uint64 `yaml:"sticky_ttl_blocks"`
	MaxEntries      int    `yaml:"max_entries"`
}

// APIConfig holds the control API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// WebhookConfig holds notification webhook settings.
type WebhookConfig struct {
	Enabled         bool          `yaml:"enabled"`
	URL             string        `yaml:"url"`
	Secret          string        `yaml:"secret"`
	SignatureHeader string        `yaml:"signature_header"`
	Timeout         time.Duration `yaml:"timeout"`
	AllowedHosts    []string      `yaml:"allowed_hosts"`
}

// KafkaConfig holds the optional Kafka mirror.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RedisConfig holds the optional Redis mirror.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// BusConfig holds notification bus settings.
type BusConfig struct {
	StreamBuffer int         `yaml:"stream_buffer"`
	Kafka        KafkaConfig `yaml:"kafka"`
	Redis        RedisConfig `yaml:"redis"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RPC: RPCConfig{
			Endpoint:          "http://localhost:8545",
			Timeout:           30 * time.Second,
			RequestsPerSecond: 20,
			Burst:             10,
			MaxAttempts:       5,
			BaseDelay:         200 * time.Millisecond,
			MaxDelay:          5 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/chainwatch",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Watcher: WatcherConfig{
			PollInterval:   30 * time.Second,
			BatchSize:      2000,
			BackfillWindow: 0,
			BackfillRowCap: 200,
		},
		Attribution: AttributionConfig{
			CacheTTL:       15 * time.Minute,
			MaxAttempts:    5,
			RetryBaseDelay: 30 * time.Second,
			LiveProbeCap:   50,
			BackscanWindow: 500,
			OnExhausted:    "deliver",
		},
		Dedup: DedupConfig{
			EventTTLBlocks:  50,
			StickyTTLBlocks: 900,
			MaxEntries:      4096,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		Bus: BusConfig{
			StreamBuffer: 64,
		},
	}
}

// LoadFromFile loads configuration from a YAML file, then applies
// environment overrides. An empty path skips the file and uses defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies CHAINWATCH_* environment variables on top of the
// loaded configuration.
func (c *Config) applyEnvOverrides() error {
	if endpoint := os.Getenv("CHAINWATCH_RPC_ENDPOINT"); endpoint != "" {
		c.RPC.Endpoint = endpoint
	}
	if timeout := os.Getenv("CHAINWATCH_RPC_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid CHAINWATCH_RPC_TIMEOUT: %w", err)
		}
		c.RPC.Timeout = d
	}
	if path := os.Getenv("CHAINWATCH_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if level := os.Getenv("CHAINWATCH_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("CHAINWATCH_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
	if address := os.Getenv("CHAINWATCH_REGISTRY_ADDRESS"); address != "" {
		c.Registry.Address = address
	}
	if interval := os.Getenv("CHAINWATCH_POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return fmt.Errorf("invalid CHAINWATCH_POLL_INTERVAL: %w", err)
		}
		c.Watcher.PollInterval = d
	}
	if batchSize := os.Getenv("CHAINWATCH_BATCH_SIZE"); batchSize != "" {
		n, err := strconv.ParseUint(batchSize, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CHAINWATCH_BATCH_SIZE: %w", err)
		}
		c.Watcher.BatchSize = n
	}
	if window := os.Getenv("CHAINWATCH_BACKFILL_WINDOW"); window != "" {
		n, err := strconv.ParseUint(window, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CHAINWATCH_BACKFILL_WINDOW: %w", err)
		}
		c.Watcher.BackfillWindow = n
	}
	if rowCap := os.Getenv("CHAINWATCH_BACKFILL_ROW_CAP"); rowCap != "" {
		n, err := strconv.Atoi(rowCap)
		if err != nil {
			return fmt.Errorf("invalid CHAINWATCH_BACKFILL_ROW_CAP: %w", err)
		}
		c.Watcher.BackfillRowCap = n
	}
	if ttl := os.Getenv("CHAINWATCH_EVENT_TTL_BLOCKS"); ttl != "" {
		n, err := strconv.ParseUint(ttl, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CHAINWATCH_EVENT_TTL_BLOCKS: %w", err)
		}
		c.Dedup.EventTTLBlocks = n
	}
	if ttl := os.Getenv("CHAINWATCH_STICKY_TTL_BLOCKS"); ttl != "" {
		n, err := strconv.ParseUint(ttl, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CHAINWATCH_STICKY_TTL_BLOCKS: %w", err)
		}
		c.Dedup.StickyTTLBlocks = n
	}
	if ttl := os.Getenv("CHAINWATCH_ATTRIBUTION_CACHE_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("invalid CHAINWATCH_ATTRIBUTION_CACHE_TTL: %w", err)
		}
		c.Attribution.CacheTTL = d
	}
	if attempts := os.Getenv("CHAINWATCH_ATTRIBUTION_MAX_ATTEMPTS"); attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return fmt.Errorf("invalid CHAINWATCH_ATTRIBUTION_MAX_ATTEMPTS: %w", err)
		}
		c.Attribution.MaxAttempts = n
	}
	if probeCap := os.Getenv("CHAINWATCH_LIVE_PROBE_CAP"); probeCap != "" {
		n, err := strconv.Atoi(probeCap)
		if err != nil {
			return fmt.Errorf("invalid CHAINWATCH_LIVE_PROBE_CAP: %w", err)
		}
		c.Attribution.LiveProbeCap = n
	}
	if policy := os.Getenv("CHAINWATCH_ATTRIBUTION_ON_EXHAUSTED"); policy != "" {
		c.Attribution.OnExhausted = policy
	}
	if host := os.Getenv("CHAINWATCH_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("CHAINWATCH_API_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid CHAINWATCH_API_PORT: %w", err)
		}
		c.API.Port = n
	}
	if url := os.Getenv("CHAINWATCH_WEBHOOK_URL"); url != "" {
		c.Webhook.URL = url
		c.Webhook.Enabled = true
	}
	if secret := os.Getenv("CHAINWATCH_WEBHOOK_SECRET"); secret != "" {
		c.Webhook.Secret = secret
	}
	if debug := os.Getenv("CHAINWATCH_DEBUG"); debug != "" {
		enabled, err := strconv.ParseBool(debug)
		if err != nil {
			return fmt.Errorf("invalid CHAINWATCH_DEBUG: %w", err)
		}
		if enabled {
			c.Log.Level = "debug"
		}
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("rpc endpoint is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Registry.Address != "" && !strings.HasPrefix(c.Registry.Address, "0x") {
		return fmt.Errorf("registry address must be a 0x-prefixed hex address")
	}
	if c.Watcher.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Watcher.BatchSize == 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Attribution.MaxAttempts <= 0 {
		return fmt.Errorf("attribution max attempts must be positive")
	}
	switch c.Attribution.OnExhausted {
	case "deliver", "drop":
	default:
		return fmt.Errorf("attribution on_exhausted must be %q or %q", "deliver", "drop")
	}
	if c.Dedup.EventTTLBlocks == 0 || c.Dedup.StickyTTLBlocks == 0 {
		return fmt.Errorf("dedup TTLs must be positive")
	}
	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > 65535 {
			return fmt.Errorf("invalid API port: %d", c.API.Port)
		}
	}
	if c.Webhook.Enabled && c.Webhook.URL == "" {
		return fmt.Errorf("webhook url is required when webhook is enabled")
	}
	if c.Bus.Kafka.Enabled {
		if len(c.Bus.Kafka.Brokers) == 0 || c.Bus.Kafka.Topic == "" {
			return fmt.Errorf("kafka brokers and topic are required when kafka is enabled")
		}
	}
	if c.Bus.Redis.Enabled {
		if c.Bus.Redis.Addr == "" || c.Bus.Redis.Channel == "" {
			return fmt.Errorf("redis addr and channel are required when redis is enabled")
		}
	}
	return nil
}
