package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory KVStore used in tests and for ephemeral runs.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Put stores a value with the given key.
func (s *MemoryStore) Put(ctx context.Context, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	s.data[string(key)] = v
	return nil
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Delete removes a key-value pair.
func (s *MemoryStore) Delete(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
	return nil
}

// Iterate visits keys with the given prefix in ascending order.
func (s *MemoryStore) Iterate(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	for key := range s.data {
		if bytes.HasPrefix([]byte(key), prefix) {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	for _, key := range keys {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.mu.RLock()
		value, ok := s.data[key]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		if !fn([]byte(key), value) {
			break
		}
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
