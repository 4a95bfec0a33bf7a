// Package attribution joins a watched entity to the actor behind it when the
// originating log record does not carry that actor directly.
package attribution

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Actor is a resolved game player identity.
type Actor struct {
	ID      uint64
	Name    string
	Address common.Address
}

// Placeholder synthesizes the identifier used when attribution is exhausted
// and the event is delivered anyway.
func Placeholder(entityID uint64) Actor {
	return Actor{ID: 0, Name: fmt.Sprintf("unattributed-%d", entityID)}
}

// Record is one cached join. Entries are advisory: a miss does not imply the
// entity has no actor, only that resolution must be retried.
type Record struct {
	EntityID  uint64
	Actor     Actor
	ExpiresAt time.Time
}

// DefaultCacheSize bounds the cache before a full clear.
const DefaultCacheSize = 8192

// Cache is the attribution cache shared across watcher families: written by
// whichever watcher resolves a join first, read by any watcher needing that
// entity's actor.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	entries map[uint64]Record
	now     func() time.Time
}

// NewCache builds a Cache with the given wall-clock TTL.
func NewCache(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	return &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		entries: make(map[uint64]Record),
		now:     time.Now,
	}
}

// Get returns the cached actor for the entity if the record has not expired.
func (c *Cache) Get(entityID uint64) (Actor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.entries[entityID]
	if !ok {
		return Actor{}, false
	}
	if c.now().After(record.ExpiresAt) {
		delete(c.entries, entityID)
		return Actor{}, false
	}
	return record.Actor, true
}

// Put records a resolved join. Expired entries are swept lazily when the
// size ceiling is reached; if the sweep is not enough the cache is cleared
// outright.
func (c *Cache) Put(entityID uint64, actor Actor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.entries) >= c.maxSize {
		for id, record := range c.entries {
			if now.After(record.ExpiresAt) {
				delete(c.entries, id)
			}
		}
		if len(c.entries) >= c.maxSize {
			c.entries = make(map[uint64]Record)
		}
	}

	c.entries[entityID] = Record{
		EntityID:  entityID,
		Actor:     actor,
		ExpiresAt: now.Add(c.ttl),
	}
}

// Len returns the current entry count. Test hook.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
