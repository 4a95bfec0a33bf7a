package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig holds Redis publisher settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Validate checks the configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.Channel == "" {
		return fmt.Errorf("redis channel is required")
	}
	return nil
}

// RedisPublisher publishes envelopes on a Redis pub/sub channel.
type RedisPublisher struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.Logger
}

// NewRedisPublisher builds a RedisPublisher and verifies connectivity.
func NewRedisPublisher(ctx context.Context, cfg *RedisConfig, logger *zap.Logger) (*RedisPublisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisPublisher{
		client:  client,
		channel: cfg.Channel,
		logger:  logger.Named("redis"),
	}, nil
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, envelope *Envelope) error {
	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, value).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
