// Package dedup suppresses repeat notifications within a block-windowed TTL.
package dedup

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Namespace separates dedup domains. Two namespaces exist per subscriber and
// watcher family: event identity (short TTL) and sticky joins (long TTL).
type Namespace string

const (
	// NamespaceEvent dedups on (block, txHash, entityId).
	NamespaceEvent Namespace = "event"

	// NamespaceSticky dedups on (subjectId, entityId) so a stable
	// relationship does not re-fire while its TTL lasts.
	NamespaceSticky Namespace = "sticky"
)

// DefaultMaxEntries bounds each (namespace, subscriber) space. Exceeding it
// clears the whole space, trading a rare burst of re-delivered duplicates
// for amortized-O(1) expiry.
const DefaultMaxEntries = 4096

// Cache is a windowed duplicate suppressor. Keys expire at a block height
// rather than a wall-clock time. Correctness does not depend on retaining
// old entries, only on bounding false negatives within the TTL window.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	spaces     map[string]map[string]uint64 // space -> key -> expiry block
}

// NewCache builds a Cache. maxEntries <= 0 selects DefaultMaxEntries.
func NewCache(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		maxEntries: maxEntries,
		spaces:     make(map[string]map[string]uint64),
	}
}

// Contains reports whether key is recorded in the subscriber's namespace
// with an expiry at or beyond currentBlock. It never records anything: the
// caller marks the key only once the event is accounted for, so an aborted
// delivery is re-emitted on rescan rather than silenced.
func (c *Cache) Contains(ns Namespace, subscriberID, key string, currentBlock uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	space, ok := c.spaces[string(ns)+"/"+subscriberID]
	if !ok {
		return false
	}
	expiry, ok := space[key]
	return ok && expiry >= currentBlock
}

// Mark records key with expiry currentBlock+ttlBlocks.
func (c *Cache) Mark(ns Namespace, subscriberID, key string, currentBlock, ttlBlocks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	spaceKey := string(ns) + "/" + subscriberID
	space, ok := c.spaces[spaceKey]
	if !ok {
		space = make(map[string]uint64)
		c.spaces[spaceKey] = space
	}

	if len(space) >= c.maxEntries {
		space = make(map[string]uint64)
		c.spaces[spaceKey] = space
	}

	space[key] = currentBlock + ttlBlocks
}

// Seen combines Contains and Mark: it reports whether key was already
// recorded and, when it was not, records it in the same step.
func (c *Cache) Seen(ns Namespace, subscriberID, key string, currentBlock, ttlBlocks uint64) bool {
	if c.Contains(ns, subscriberID, key, currentBlock) {
		return true
	}
	c.Mark(ns, subscriberID, key, currentBlock, ttlBlocks)
	return false
}

// Forget drops every entry for the subscriber, across namespaces. Used when
// a subscriber is reset.
func (c *Cache) Forget(subscriberID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ns := range []Namespace{NamespaceEvent, NamespaceSticky} {
		delete(c.spaces, string(ns)+"/"+subscriberID)
	}
}

// Len returns the entry count for one subscriber namespace. Test hook.
func (c *Cache) Len(ns Namespace, subscriberID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.spaces[string(ns)+"/"+subscriberID])
}

// EventKey builds the event-identity dedup key.
func EventKey(block uint64, txHash common.Hash, entityID uint64) string {
	return fmt.Sprintf("%d:%s:%d", block, txHash.Hex(), entityID)
}

// StickyKey builds the sticky-join dedup key.
func StickyKey(subjectID, entityID uint64) string {
	return fmt.Sprintf("%d:%d", subjectID, entityID)
}
