package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig holds Kafka publisher settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// Validate checks the configuration.
func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one kafka broker is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("kafka topic is required")
	}
	return nil
}

// KafkaPublisher writes envelopes to a Kafka topic, keyed by subscriber so
// one subscriber's notifications stay on one partition, in order.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher builds a KafkaPublisher.
func NewKafkaPublisher(cfg *KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 100 * time.Millisecond
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: batchTimeout,
		RequiredAcks: kafka.RequireOne,
	}

	return &KafkaPublisher{
		writer: writer,
		logger: logger.Named("kafka"),
	}, nil
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, envelope *Envelope) error {
	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(envelope.SubscriberID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(envelope.Kind)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
