// Package watch owns the per-subscriber watcher lifecycle: enable, pause,
// manual polls, and the recurring tick that turns chain logs into
// notifications.
package watch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/menagerie-labs/chainwatch/pkg/attribution"
	"github.com/menagerie-labs/chainwatch/pkg/bus"
	"github.com/menagerie-labs/chainwatch/pkg/dedup"
	"github.com/menagerie-labs/chainwatch/pkg/notify"
	"github.com/menagerie-labs/chainwatch/pkg/scan"
	"github.com/menagerie-labs/chainwatch/pkg/store"
)

// State is one watcher's lifecycle state.
type State string

const (
	StateDisabled State = "disabled"
	StateEnabling State = "enabling"
	StatePolling  State = "polling"
	StatePaused   State = "paused"
)

// ExhaustedPolicy decides what happens to an event whose attribution retry
// budget is spent.
type ExhaustedPolicy string

const (
	// ExhaustedDeliver delivers the event with a synthesized actor.
	ExhaustedDeliver ExhaustedPolicy = "deliver"

	// ExhaustedDrop drops the event.
	ExhaustedDrop ExhaustedPolicy = "drop"
)

// HeadSource reports the chain head.
type HeadSource interface {
	HeadBlock(ctx context.Context) (uint64, error)
}

// Hydrator fetches the entity detail attached to a notification card.
type Hydrator interface {
	EntityDetail(ctx context.Context, entityID uint64) (notify.EntityDetail, error)
}

// Config holds controller settings.
type Config struct {
	// PollInterval is the recurring tick period per watcher.
	PollInterval time.Duration

	// BackfillWindow is how many blocks behind head a freshly enabled
	// subscriber starts. Zero means live-only (baseline = current head).
	BackfillWindow uint64

	// BackfillRowCap trims a single scan to the most recent N rows.
	// Zero means no cap.
	BackfillRowCap int

	// EventTTLBlocks is the event-identity dedup window.
	EventTTLBlocks uint64

	// StickyTTLBlocks is the sticky-join dedup window.
	StickyTTLBlocks uint64

	// OnExhausted selects the post-exhaustion delivery policy.
	OnExhausted ExhaustedPolicy
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollInterval <= 0 {
		out.PollInterval = 30 * time.Second
	}
	if out.EventTTLBlocks == 0 {
		out.EventTTLBlocks = 50
	}
	if out.StickyTTLBlocks == 0 {
		out.StickyTTLBlocks = 900
	}
	if out.OnExhausted == "" {
		out.OnExhausted = ExhaustedDeliver
	}
	return out
}

// watcher is one (subscriber, family) schedule.
type watcher struct {
	subscriberID string
	family       scan.Family

	ticking atomic.Bool // per-watcher try-lock; held means a tick is running
	stop    chan struct{}
}

func watcherKey(subscriberID string, family scan.Family) string {
	return subscriberID + "/" + string(family)
}

// Controller runs every subscriber's watchers. Independent subscribers and
// families proceed fully in parallel; two ticks for the same watcher never
// overlap.
type Controller struct {
	cfg      Config
	head     HeadSource
	scanner  *scan.Scanner
	resolver *attribution.Resolver
	pending  *attribution.PendingQueue
	dedup    *dedup.Cache
	subs     *store.SubscriberStore
	hydrator Hydrator
	sink     notify.Sink
	bus      bus.Publisher
	metrics  *Metrics
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	watchers    map[string]*watcher
	generations map[string]*atomic.Uint64 // run-token per subscriber
	enabling    map[string]int            // subscribers with an Enable in flight
	closed      bool
}

// Deps bundles the controller's collaborators.
type Deps struct {
	Head     HeadSource
	Scanner  *scan.Scanner
	Resolver *attribution.Resolver
	Pending  *attribution.PendingQueue
	Dedup    *dedup.Cache
	Store    *store.SubscriberStore
	Hydrator Hydrator
	Sink     notify.Sink
	Bus      bus.Publisher // optional
	Registry prometheus.Registerer
	Logger   *zap.Logger
}

// NewController builds a Controller. Nothing is scheduled until Enable or
// Resume is called.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Head == nil:
		return nil, fmt.Errorf("head source is required")
	case deps.Scanner == nil:
		return nil, fmt.Errorf("scanner is required")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("resolver is required")
	case deps.Pending == nil:
		return nil, fmt.Errorf("pending queue is required")
	case deps.Dedup == nil:
		return nil, fmt.Errorf("dedup cache is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("subscriber store is required")
	case deps.Hydrator == nil:
		return nil, fmt.Errorf("hydrator is required")
	case deps.Sink == nil:
		return nil, fmt.Errorf("sink is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:         cfg.withDefaults(),
		head:        deps.Head,
		scanner:     deps.Scanner,
		resolver:    deps.Resolver,
		pending:     deps.Pending,
		dedup:       deps.Dedup,
		subs:        deps.Store,
		hydrator:    deps.Hydrator,
		sink:        deps.Sink,
		bus:         deps.Bus,
		metrics:     NewMetrics(registry),
		logger:      logger.Named("watch"),
		ctx:         ctx,
		cancel:      cancel,
		watchers:    make(map[string]*watcher),
		generations: make(map[string]*atomic.Uint64),
		enabling:    make(map[string]int),
	}, nil
}

// generation returns the subscriber's run-token counter, creating it on first
// use. Caller holds no lock; the counter itself is atomic.
func (c *Controller) generation(subscriberID string) *atomic.Uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen, ok := c.generations[subscriberID]
	if !ok {
		gen = &atomic.Uint64{}
		c.generations[subscriberID] = gen
	}
	return gen
}

// Enable turns the subscriber's watchers on. Any prior schedule is cancelled
// first. A fresh subscriber gets a baseline cursor at the current head, or
// backfillWindow blocks behind it; families that already have a cursor resume
// from where they stopped. One immediate poll runs before the recurring
// timer starts.
func (c *Controller) Enable(ctx context.Context, subscriberID string, backfillWindow uint64) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber id is required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("controller is stopped")
	}
	c.stopWatchersLocked(subscriberID)
	c.enabling[subscriberID]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.enabling[subscriberID]--; c.enabling[subscriberID] <= 0 {
			delete(c.enabling, subscriberID)
		}
		c.mu.Unlock()
	}()

	state, err := c.subs.Read(ctx, subscriberID)
	if err != nil {
		if err != store.ErrNotFound {
			return err
		}
		state = store.NewSubscriberState(subscriberID)
	}

	head, err := c.head.HeadBlock(ctx)
	if err != nil {
		return fmt.Errorf("enable %s: %w", subscriberID, err)
	}

	baseline := scan.Cursor{Block: head}
	if backfillWindow > 0 && backfillWindow < head {
		baseline = scan.Cursor{Block: head - backfillWindow}
	} else if backfillWindow >= head {
		baseline = scan.Cursor{}
	}

	for _, family := range scan.Families() {
		if _, ok := state.Cursor(family); !ok {
			state.SetCursor(family, baseline)
		}
	}
	state.Enabled = true
	if err := c.subs.Write(ctx, state); err != nil {
		return err
	}

	c.startWatchers(subscriberID)
	c.logger.Info("subscriber enabled",
		zap.String("subscriber", subscriberID),
		zap.Uint64("baseline_block", baseline.Block),
		zap.Uint64("backfill_window", backfillWindow))
	return nil
}

// Resume restarts watchers for every subscriber persisted as enabled. Called
// once at process start.
func (c *Controller) Resume(ctx context.Context) error {
	states, err := c.subs.List(ctx)
	if err != nil {
		return err
	}
	for _, state := range states {
		if !state.Enabled {
			continue
		}
		c.startWatchers(state.ID)
		c.logger.Info("subscriber resumed", zap.String("subscriber", state.ID))
	}
	return nil
}

// startWatchers spawns one schedule per family, each with an immediate first
// poll.
func (c *Controller) startWatchers(subscriberID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	for _, family := range scan.Families() {
		key := watcherKey(subscriberID, family)
		if existing, ok := c.watchers[key]; ok {
			close(existing.stop)
		}
		w := &watcher{
			subscriberID: subscriberID,
			family:       family,
			stop:         make(chan struct{}),
		}
		c.watchers[key] = w
		c.wg.Add(1)
		go c.run(w)
	}
}

// run is one watcher's schedule loop.
func (c *Controller) run(w *watcher) {
	defer c.wg.Done()

	// Immediate first poll.
	c.pollWatcher(w)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.pollWatcher(w)
		}
	}
}

func (c *Controller) pollWatcher(w *watcher) {
	if err := c.tick(c.ctx, w); err != nil {
		c.metrics.Ticks.WithLabelValues("error").Inc()
		c.logger.Warn("poll tick failed",
			zap.String("subscriber", w.subscriberID),
			zap.String("family", string(w.family)),
			zap.Error(err))
	}
}

// Pause cancels the subscriber's timers and bumps the run-token so in-flight
// work aborts at its next checkpoint without mutating the cursor or calling
// the sink.
func (c *Controller) Pause(ctx context.Context, subscriberID string) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber id is required")
	}

	c.generation(subscriberID).Add(1)

	c.mu.Lock()
	c.stopWatchersLocked(subscriberID)
	c.mu.Unlock()

	state, err := c.subs.Read(ctx, subscriberID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	state.Enabled = false
	if err := c.subs.Write(ctx, state); err != nil {
		return err
	}

	c.logger.Info("subscriber paused", zap.String("subscriber", subscriberID))
	return nil
}

// stopWatchersLocked cancels the subscriber's schedules. Caller holds c.mu.
func (c *Controller) stopWatchersLocked(subscriberID string) {
	for _, family := range scan.Families() {
		key := watcherKey(subscriberID, family)
		if w, ok := c.watchers[key]; ok {
			close(w.stop)
			delete(c.watchers, key)
		}
	}
}

// PollOnce triggers one manual tick for every family of the subscriber,
// bypassing the timer. A family whose tick is already running is skipped, not
// queued.
func (c *Controller) PollOnce(ctx context.Context, subscriberID string) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber id is required")
	}

	var firstErr error
	for _, family := range scan.Families() {
		w := c.lookupWatcher(subscriberID, family)
		if w == nil {
			return fmt.Errorf("subscriber %s is not enabled", subscriberID)
		}
		if err := c.tick(ctx, w); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Controller) lookupWatcher(subscriberID string, family scan.Family) *watcher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watchers[watcherKey(subscriberID, family)]
}

func (c *Controller) isEnabling(subscriberID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabling[subscriberID] > 0
}

// WatcherStatus is the read-only view of one family schedule.
type WatcherStatus struct {
	Family scan.Family `json:"family"`
	State  State       `json:"state"`
	Cursor scan.Cursor `json:"cursor"`
}

// SubscriberStatus is the read-only view of one subscriber.
type SubscriberStatus struct {
	SubscriberID string          `json:"subscriberId"`
	Enabled      bool            `json:"enabled"`
	Watchers     []WatcherStatus `json:"watchers"`
	PendingDepth int             `json:"pendingDepth"`
}

// Status reports the subscriber's current schedules and cursors.
func (c *Controller) Status(ctx context.Context, subscriberID string) (*SubscriberStatus, error) {
	state, err := c.subs.Read(ctx, subscriberID)
	if err != nil {
		return nil, err
	}

	status := &SubscriberStatus{
		SubscriberID: subscriberID,
		Enabled:      state.Enabled,
		PendingDepth: c.pending.DepthFor(subscriberID),
	}
	for _, family := range scan.Families() {
		ws := WatcherStatus{Family: family, State: StateDisabled}
		if cursor, ok := state.Cursor(family); ok {
			ws.Cursor = cursor
		}
		if w := c.lookupWatcher(subscriberID, family); w != nil {
			ws.State = StatePolling
		} else if c.isEnabling(subscriberID) {
			ws.State = StateEnabling
		} else if !state.Enabled {
			ws.State = StatePaused
		}
		status.Watchers = append(status.Watchers, ws)
	}
	return status, nil
}

// Stop cancels every schedule and waits for in-flight ticks to finish.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for key, w := range c.watchers {
		close(w.stop)
		delete(c.watchers, key)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.logger.Info("watcher controller stopped")
}
