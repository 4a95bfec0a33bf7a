package notify

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sink delivers notifications to the front end. Delivery is the sink's
// concern: the watcher logs failures but never retries them or rolls back
// cursor advancement because of them.
type Sink interface {
	// SendEntityCard delivers a hydrated entity card.
	SendEntityCard(ctx context.Context, subscriberID string, payload *CardPayload) error

	// SendAlert delivers a plain text alert and returns its message id.
	SendAlert(ctx context.Context, subscriberID, text string) (string, error)

	// DeleteAlert removes a previously sent alert.
	DeleteAlert(ctx context.Context, subscriberID, messageID string) error
}

// LogSink writes notifications to the log. Used in development and as the
// fallback when no webhook is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("sink")}
}

// SendEntityCard implements Sink.
func (s *LogSink) SendEntityCard(ctx context.Context, subscriberID string, payload *CardPayload) error {
	s.logger.Info("entity card",
		zap.String("subscriber", subscriberID),
		zap.String("family", string(payload.Family)),
		zap.Uint64("entity", payload.Entity.ID),
		zap.Uint64("actor", payload.ActorID),
		zap.Bool("attributed", payload.Attributed))
	return nil
}

// SendAlert implements Sink.
func (s *LogSink) SendAlert(ctx context.Context, subscriberID, text string) (string, error) {
	messageID := uuid.New().String()
	s.logger.Info("alert",
		zap.String("subscriber", subscriberID),
		zap.String("message_id", messageID),
		zap.String("text", text))
	return messageID, nil
}

// DeleteAlert implements Sink.
func (s *LogSink) DeleteAlert(ctx context.Context, subscriberID, messageID string) error {
	s.logger.Info("alert deleted",
		zap.String("subscriber", subscriberID),
		zap.String("message_id", messageID))
	return nil
}
