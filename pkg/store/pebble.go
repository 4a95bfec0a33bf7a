package store

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

// PebbleConfig holds pebble backend settings.
type PebbleConfig struct {
	Path         string
	CacheMB      int
	MaxOpenFiles int
}

// Validate checks the configuration.
func (c *PebbleConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("database path is required")
	}
	return nil
}

// PebbleStore implements KVStore on PebbleDB.
type PebbleStore struct {
	db     *pebble.DB
	closed atomic.Bool
}

// NewPebbleStore opens (or creates) the database at cfg.Path.
func NewPebbleStore(cfg *PebbleConfig) (*PebbleStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cacheMB := cfg.CacheMB
	if cacheMB <= 0 {
		cacheMB = 64
	}
	maxOpenFiles := cfg.MaxOpenFiles
	if maxOpenFiles <= 0 {
		maxOpenFiles = 512
	}

	opts := &pebble.Options{
		Cache:        pebble.NewCache(int64(cacheMB) << 20),
		MaxOpenFiles: maxOpenFiles,
	}

	db, err := pebble.Open(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &PebbleStore{db: db}, nil
}

// Put stores a value with the given key.
func (s *PebbleStore) Put(ctx context.Context, key, value []byte) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	return s.db.Set(key, value, pebble.Sync)
}

// Get retrieves a value by key.
func (s *PebbleStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := s.ensureNotClosed(); err != nil {
		return nil, err
	}

	value, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer closer.Close()

	// The value is only valid until closer.Close().
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Delete removes a key-value pair.
func (s *PebbleStore) Delete(ctx context.Context, key []byte) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}
	return s.db.Delete(key, pebble.Sync)
}

// Iterate visits keys with the given prefix in ascending order until fn
// returns false.
func (s *PebbleStore) Iterate(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	if err := s.ensureNotClosed(); err != nil {
		return err
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Key and value are only valid until the next iteration.
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())

		if !fn(key, value) {
			break
		}
	}

	return iter.Error()
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *PebbleStore) ensureNotClosed() error {
	if s.closed.Load() {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// prefixUpperBound returns the smallest key greater than every key with the
// prefix.
func prefixUpperBound(prefix []byte) []byte {
	result := make([]byte, len(prefix))
	copy(result, prefix)
	for i := len(result) - 1; i >= 0; i-- {
		if result[i] < 0xff {
			result[i]++
			return result[:i+1]
		}
	}
	return nil
}
