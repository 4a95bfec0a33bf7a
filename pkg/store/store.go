// Package store persists subscriber state behind a small key-value contract.
// The watcher core only requires read-after-write consistency within a
// single process.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/menagerie-labs/chainwatch/pkg/scan"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("not found")

// KVStore is the minimal key-value contract the watcher needs. Both the
// pebble backend and the in-memory test backend satisfy it.
type KVStore interface {
	Put(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error
	Iterate(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error
	Close() error
}

// SubscriberState is everything persisted for one subscriber: enablement,
// notification filters, and one independent cursor per watcher family.
type SubscriberState struct {
	ID        string                      `json:"id"`
	Enabled   bool                        `json:"enabled"`
	Filters   []string                    `json:"filters,omitempty"`
	Cursors   map[scan.Family]scan.Cursor `json:"cursors,omitempty"`
	CreatedAt time.Time                   `json:"createdAt"`
	UpdatedAt time.Time                   `json:"updatedAt"`
}

// NewSubscriberState creates state for a subscriber's first interaction.
func NewSubscriberState(id string) *SubscriberState {
	now := time.Now().UTC()
	return &SubscriberState{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Cursors:   make(map[scan.Family]scan.Cursor),
	}
}

// Cursor returns the subscriber's cursor for the family.
func (s *SubscriberState) Cursor(family scan.Family) (scan.Cursor, bool) {
	cursor, ok := s.Cursors[family]
	return cursor, ok
}

// SetCursor sets a baseline cursor, e.g. when a watcher family is enabled.
func (s *SubscriberState) SetCursor(family scan.Family, cursor scan.Cursor) {
	if s.Cursors == nil {
		s.Cursors = make(map[scan.Family]scan.Cursor)
	}
	s.Cursors[family] = cursor
}

// AdvanceCursor moves the family cursor forward. Backward moves are ignored:
// the cursor is monotonically non-decreasing.
func (s *SubscriberState) AdvanceCursor(family scan.Family, cursor scan.Cursor) {
	if current, ok := s.Cursor(family); ok && !current.Less(cursor) {
		return
	}
	s.SetCursor(family, cursor)
}

// NormalizeFilter canonicalizes a filter term: Unicode-normalized (NFKC),
// trimmed, lowercased.
func NormalizeFilter(term string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(term)))
}

// SetFilters replaces the subscriber's filter set with normalized,
// de-duplicated terms.
func (s *SubscriberState) SetFilters(terms []string) {
	seen := make(map[string]struct{}, len(terms))
	filters := make([]string, 0, len(terms))
	for _, term := range terms {
		normalized := NormalizeFilter(term)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		filters = append(filters, normalized)
	}
	s.Filters = filters
}

// MatchesFilter reports whether the term passes the subscriber's filter set.
// An empty set matches everything.
func (s *SubscriberState) MatchesFilter(term string) bool {
	if len(s.Filters) == 0 {
		return true
	}
	normalized := NormalizeFilter(term)
	for _, filter := range s.Filters {
		if filter == normalized {
			return true
		}
	}
	return false
}

// SubscriberStore reads and writes subscriber state through a KVStore.
type SubscriberStore struct {
	kv     KVStore
	logger *zap.Logger
}

// NewSubscriberStore builds a SubscriberStore.
func NewSubscriberStore(kv KVStore, logger *zap.Logger) *SubscriberStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriberStore{kv: kv, logger: logger.Named("store")}
}

// Read returns the subscriber's state, or ErrNotFound.
func (s *SubscriberStore) Read(ctx context.Context, subscriberID string) (*SubscriberState, error) {
	if subscriberID == "" {
		return nil, fmt.Errorf("subscriber id is required")
	}

	data, err := s.kv.Get(ctx, SubscriberKey(subscriberID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read subscriber %s: %w", subscriberID, err)
	}

	var state SubscriberState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal subscriber %s: %w", subscriberID, err)
	}
	return &state, nil
}

// Write persists the subscriber's state.
func (s *SubscriberStore) Write(ctx context.Context, state *SubscriberState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("subscriber id is required")
	}

	state.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal subscriber %s: %w", state.ID, err)
	}
	if err := s.kv.Put(ctx, SubscriberKey(state.ID), data); err != nil {
		return fmt.Errorf("write subscriber %s: %w", state.ID, err)
	}
	return nil
}

// Delete removes the subscriber's state. Deleting a missing subscriber is
// not an error.
func (s *SubscriberStore) Delete(ctx context.Context, subscriberID string) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber id is required")
	}
	if err := s.kv.Delete(ctx, SubscriberKey(subscriberID)); err != nil {
		return fmt.Errorf("delete subscriber %s: %w", subscriberID, err)
	}
	return nil
}

// List returns all persisted subscribers. Used at startup to resume enabled
// watchers.
func (s *SubscriberStore) List(ctx context.Context) ([]*SubscriberState, error) {
	var states []*SubscriberState
	err := s.kv.Iterate(ctx, SubscriberKeyPrefix(), func(key, value []byte) bool {
		var state SubscriberState
		if err := json.Unmarshal(value, &state); err != nil {
			s.logger.Warn("skipping undecodable subscriber record",
				zap.String("key", string(key)),
				zap.Error(err))
			return true
		}
		states = append(states, &state)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return states, nil
}
