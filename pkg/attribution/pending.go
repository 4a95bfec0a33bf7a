package attribution

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/menagerie-labs/chainwatch/pkg/scan"
)

// Pending is one event awaiting an attribution retry. One entry exists per
// (subscriber, entity).
type Pending struct {
	SubscriberID string
	EntityID     uint64
	Row          scan.LogRow
	Attempts     int
	FirstSeenAt  time.Time
}

func pendingKey(subscriberID string, entityID uint64) string {
	return fmt.Sprintf("%s/%d", subscriberID, entityID)
}

// PendingQueue holds events whose attribution has not resolved yet. It is
// drained at the start of every poll tick; each entry is retried only after
// a backoff that grows quadratically with the attempt count.
type PendingQueue struct {
	mu          sync.Mutex
	entries     map[string]*Pending
	maxAttempts int
	baseDelay   time.Duration
}

// NewPendingQueue builds a queue with the configured retry budget.
func NewPendingQueue(maxAttempts int, baseDelay time.Duration) *PendingQueue {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if baseDelay <= 0 {
		baseDelay = 30 * time.Second
	}
	return &PendingQueue{
		entries:     make(map[string]*Pending),
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Add enqueues the row for the subscriber. Returns false when an entry for
// the (subscriber, entity) pair already exists.
func (q *PendingQueue) Add(subscriberID string, row scan.LogRow, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := pendingKey(subscriberID, row.EntityID)
	if _, ok := q.entries[key]; ok {
		return false
	}
	q.entries[key] = &Pending{
		SubscriberID: subscriberID,
		EntityID:     row.EntityID,
		Row:          row,
		FirstSeenAt:  now,
	}
	return true
}

// Due returns the subscriber's entries whose backoff has elapsed, ordered by
// row position so retried deliveries stay in stream order.
func (q *PendingQueue) Due(subscriberID string, now time.Time) []*Pending {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Pending
	for _, entry := range q.entries {
		if entry.SubscriberID != subscriberID {
			continue
		}
		delay := q.backoff(entry.Attempts)
		if !now.Before(entry.FirstSeenAt.Add(delay)) {
			due = append(due, entry)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].Row.Cursor().Less(due[j].Row.Cursor())
	})
	return due
}

// Remove drops the entry after a successful resolution.
func (q *PendingQueue) Remove(subscriberID string, entityID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, pendingKey(subscriberID, entityID))
}

// Fail records a failed attempt. When the attempt budget is spent true is
// returned; the entry stays queued until the caller has delivered the event
// without attribution (or dropped it, per policy) and calls Remove, so an
// abort between exhaustion and delivery never silently loses the event.
func (q *PendingQueue) Fail(subscriberID string, entityID uint64) (exhausted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[pendingKey(subscriberID, entityID)]
	if !ok {
		return false
	}
	entry.Attempts++
	return entry.Attempts >= q.maxAttempts
}

// DropSubscriber removes every entry for the subscriber.
func (q *PendingQueue) DropSubscriber(subscriberID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key, entry := range q.entries {
		if entry.SubscriberID == subscriberID {
			delete(q.entries, key)
		}
	}
}

// Depth returns the total number of pending entries.
func (q *PendingQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DepthFor returns the number of pending entries for one subscriber.
func (q *PendingQueue) DepthFor(subscriberID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := 0
	for _, entry := range q.entries {
		if entry.SubscriberID == subscriberID {
			depth++
		}
	}
	return depth
}

// backoff grows quadratically with the attempt count, measured from the
// entry's first sighting.
func (q *PendingQueue) backoff(attempts int) time.Duration {
	return q.baseDelay * time.Duration(attempts*attempts)
}
