// Package bus mirrors outgoing notifications to interested consumers: the
// control API's live stream locally, and optionally Kafka or Redis for
// external consumers. Publishing is fire-and-forget; the watcher's ordering
// and dedup guarantees do not depend on it.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Envelope is the wire unit published to every backend.
type Envelope struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	SubscriberID string          `json:"subscriberId"`
	At           time.Time       `json:"at"`
	Data         json.RawMessage `json:"data"`
}

// NewEnvelope builds an Envelope around a JSON-marshalable payload.
func NewEnvelope(kind, subscriberID string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:           uuid.New().String(),
		Kind:         kind,
		SubscriberID: subscriberID,
		At:           time.Now().UTC(),
		Data:         data,
	}, nil
}

// Publisher pushes envelopes to a backend.
type Publisher interface {
	Publish(ctx context.Context, envelope *Envelope) error
	Close() error
}

// LocalBus fans envelopes out to in-process subscribers over buffered
// channels. A slow subscriber drops envelopes rather than blocking the
// watcher.
type LocalBus struct {
	mu      sync.RWMutex
	subs    map[string]chan *Envelope
	size    int
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewLocalBus builds a LocalBus with the given per-subscriber buffer size.
func NewLocalBus(channelSize int, logger *zap.Logger) *LocalBus {
	if channelSize <= 0 {
		channelSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBus{
		subs:   make(map[string]chan *Envelope),
		size:   channelSize,
		logger: logger.Named("bus"),
	}
}

// Subscribe registers a consumer and returns its channel and an unsubscribe
// function.
func (b *LocalBus) Subscribe() (<-chan *Envelope, func()) {
	id := uuid.New().String()
	ch := make(chan *Envelope, b.size)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
		b.mu.Unlock()
	}
}

// Publish implements Publisher.
func (b *LocalBus) Publish(ctx context.Context, envelope *Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- envelope:
		default:
			b.dropped.Add(1)
			b.logger.Debug("dropping envelope for slow consumer",
				zap.String("kind", envelope.Kind))
		}
	}
	return nil
}

// Dropped returns the number of envelopes discarded for slow consumers.
func (b *LocalBus) Dropped() uint64 {
	return b.dropped.Load()
}

// SubscriberCount returns the number of active consumers.
func (b *LocalBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops all subscribers.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}

// Fanout publishes to several backends, logging individual failures and
// never failing the caller.
type Fanout struct {
	publishers []Publisher
	logger     *zap.Logger
}

// NewFanout builds a Fanout over the given backends.
func NewFanout(logger *zap.Logger, publishers ...Publisher) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{publishers: publishers, logger: logger.Named("bus")}
}

// Publish implements Publisher.
func (f *Fanout) Publish(ctx context.Context, envelope *Envelope) error {
	for _, publisher := range f.publishers {
		if err := publisher.Publish(ctx, envelope); err != nil {
			f.logger.Warn("bus publish failed", zap.Error(err))
		}
	}
	return nil
}

// Close closes every backend.
func (f *Fanout) Close() error {
	var firstErr error
	for _, publisher := range f.publishers {
		if err := publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
