package watch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/menagerie-labs/chainwatch/pkg/attribution"
	"github.com/menagerie-labs/chainwatch/pkg/bus"
	"github.com/menagerie-labs/chainwatch/pkg/dedup"
	"github.com/menagerie-labs/chainwatch/pkg/notify"
	"github.com/menagerie-labs/chainwatch/pkg/scan"
	"github.com/menagerie-labs/chainwatch/pkg/store"
)

// errStale aborts a tick whose run-token went stale. It is swallowed before
// it reaches the caller; nothing was mutated.
var errStale = fmt.Errorf("run token went stale")

// dedupSpace scopes the dedup cache per (subscriber, family).
func dedupSpace(subscriberID string, family scan.Family) string {
	return subscriberID + "/" + string(family)
}

// tick runs one poll for a single watcher: drain the pending attribution
// queue, scan (cursor, head], dedup, resolve, hydrate, notify, then advance
// and persist the cursor. A tick that finds the watcher's lock held is a
// no-op. The run-token captured at the start is re-checked after every remote
// call; a stale token aborts with no cursor mutation and no sink calls.
func (c *Controller) tick(ctx context.Context, w *watcher) error {
	if !w.ticking.CompareAndSwap(false, true) {
		c.metrics.Ticks.WithLabelValues("skipped").Inc()
		return nil
	}
	defer w.ticking.Store(false)

	gen := c.generation(w.subscriberID)
	token := gen.Load()
	stale := func() bool { return gen.Load() != token }

	state, err := c.subs.Read(ctx, w.subscriberID)
	if err != nil {
		return fmt.Errorf("tick %s/%s: %w", w.subscriberID, w.family, err)
	}

	if err := c.drainPending(ctx, w, state, stale); err != nil {
		if err == errStale {
			return nil
		}
		return err
	}

	cursor, _ := state.Cursor(w.family)
	head, err := c.head.HeadBlock(ctx)
	if err != nil {
		return fmt.Errorf("tick %s/%s: %w", w.subscriberID, w.family, err)
	}
	if stale() {
		return nil
	}
	if head <= cursor.Block {
		c.metrics.Ticks.WithLabelValues("ok").Inc()
		return nil
	}

	rows, err := c.scanner.Scan(ctx, w.family, cursor.Block, head, c.cfg.BackfillRowCap)
	if err != nil {
		return fmt.Errorf("tick %s/%s: %w", w.subscriberID, w.family, err)
	}
	if stale() {
		return nil
	}
	rows = scan.FilterAfter(rows, cursor)
	c.metrics.RowsScanned.WithLabelValues(string(w.family)).Add(float64(len(rows)))

	last := cursor
	processed := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if stale() {
			return nil
		}

		if err := c.processRow(ctx, w, state, row, stale); err != nil {
			if err == errStale {
				return nil
			}
			// A failed row ends the batch; the cursor stays at the last row
			// that completed so the next tick resumes exactly here.
			c.logger.Warn("row processing failed",
				zap.String("subscriber", w.subscriberID),
				zap.String("family", string(w.family)),
				zap.Uint64("block", row.Block),
				zap.Error(err))
			break
		}
		last = row.Cursor()
		processed++
	}

	if stale() {
		return nil
	}
	if cursor.Less(last) {
		state.AdvanceCursor(w.family, last)
		if err := c.subs.Write(ctx, state); err != nil {
			return fmt.Errorf("tick %s/%s: persist cursor: %w", w.subscriberID, w.family, err)
		}
	}

	c.metrics.Ticks.WithLabelValues("ok").Inc()
	c.metrics.PendingDepth.Set(float64(c.pending.Depth()))
	if processed > 0 {
		c.logger.Debug("tick complete",
			zap.String("subscriber", w.subscriberID),
			zap.String("family", string(w.family)),
			zap.Int("rows", processed),
			zap.String("cursor", last.String()))
	}
	return nil
}

// processRow runs the dedup → resolve → hydrate → sink pipeline for one row.
// The dedup mark lands only after the row is accounted for (delivered, or
// handed to the pending queue): a row aborted mid-flight by a stale token or
// a strategy error carries no mark, so the rescan re-emits it.
func (c *Controller) processRow(ctx context.Context, w *watcher, state *store.SubscriberState, row scan.LogRow, stale func() bool) error {
	space := dedupSpace(w.subscriberID, w.family)

	eventKey := dedup.EventKey(row.Block, row.TxHash, row.EntityID)
	if c.dedup.Contains(dedup.NamespaceEvent, space, eventKey, row.Block) {
		return nil
	}

	// Bonds are a stable relationship: the same hero/companion pair does not
	// re-fire within the sticky window.
	stickyKey := ""
	if w.family == scan.FamilyBond {
		stickyKey = dedup.StickyKey(row.SubjectID, row.EntityID)
		if c.dedup.Contains(dedup.NamespaceSticky, space, stickyKey, row.Block) {
			return nil
		}
	}

	actor, err := c.resolver.Resolve(ctx, row)
	if err != nil {
		return err
	}
	if stale() {
		return errStale
	}

	if actor == nil {
		if c.pending.Add(w.subscriberID, row, time.Now()) {
			c.metrics.Attribution.WithLabelValues("enqueued").Inc()
			c.logger.Debug("attribution pending",
				zap.String("subscriber", w.subscriberID),
				zap.Uint64("entity", row.EntityID))
		}
		// The cursor still advances past the row; the retry path is the
		// pending queue, not a rescan.
		c.markRow(space, row, eventKey, stickyKey)
		return nil
	}

	c.metrics.Attribution.WithLabelValues("resolved").Inc()
	if err := c.deliver(ctx, w, state, row, actor, true, stale); err != nil {
		return err
	}
	c.markRow(space, row, eventKey, stickyKey)
	return nil
}

// markRow records the row's dedup keys once it is delivered or enqueued.
func (c *Controller) markRow(space string, row scan.LogRow, eventKey, stickyKey string) {
	c.dedup.Mark(dedup.NamespaceEvent, space, eventKey, row.Block, c.cfg.EventTTLBlocks)
	if stickyKey != "" {
		c.dedup.Mark(dedup.NamespaceSticky, space, stickyKey, row.Block, c.cfg.StickyTTLBlocks)
	}
}

// drainPending retries the subscriber's due pending entries for this family.
// Exhausted entries are delivered with a synthesized actor or dropped, per
// policy, and never retried again.
func (c *Controller) drainPending(ctx context.Context, w *watcher, state *store.SubscriberState, stale func() bool) error {
	for _, entry := range c.pending.Due(w.subscriberID, time.Now()) {
		if entry.Row.Family != w.family {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if stale() {
			return errStale
		}

		actor, err := c.resolver.Resolve(ctx, entry.Row)
		if err != nil {
			return err
		}
		if stale() {
			return errStale
		}

		if actor != nil {
			c.metrics.Attribution.WithLabelValues("resolved").Inc()
			if err := c.deliver(ctx, w, state, entry.Row, actor, true, stale); err != nil {
				return err
			}
			// Removed only after delivery: an abort mid-hydration leaves the
			// entry queued for the next drain instead of losing the event.
			c.pending.Remove(w.subscriberID, entry.EntityID)
			continue
		}

		if !c.pending.Fail(w.subscriberID, entry.EntityID) {
			continue
		}
		c.metrics.Attribution.WithLabelValues("exhausted").Inc()
		if c.cfg.OnExhausted == ExhaustedDrop {
			c.logger.Info("dropping event after attribution exhaustion",
				zap.String("subscriber", w.subscriberID),
				zap.Uint64("entity", entry.EntityID))
			c.pending.Remove(w.subscriberID, entry.EntityID)
			continue
		}
		placeholder := attribution.Placeholder(entry.EntityID)
		if err := c.deliver(ctx, w, state, entry.Row, &placeholder, false, stale); err != nil {
			return err
		}
		c.pending.Remove(w.subscriberID, entry.EntityID)
	}
	return nil
}

// deliver hydrates the row into a card and hands it to the sink. Hydration
// failures degrade to a minimal card; sink failures are logged, never
// retried, and never roll the cursor back.
func (c *Controller) deliver(ctx context.Context, w *watcher, state *store.SubscriberState, row scan.LogRow, actor *attribution.Actor, attributed bool, stale func() bool) error {
	entity, err := c.hydrator.EntityDetail(ctx, row.EntityID)
	if err != nil {
		c.logger.Warn("entity hydration failed, sending minimal card",
			zap.Uint64("entity", row.EntityID),
			zap.Error(err))
		entity = notify.EntityDetail{ID: row.EntityID}
	}
	if stale() {
		return errStale
	}

	if entity.Name != "" && !state.MatchesFilter(entity.Name) {
		return nil
	}

	payload := &notify.CardPayload{
		SubscriberID: w.subscriberID,
		Family:       row.Family,
		Entity:       entity,
		Attributed:   attributed,
		Block:        row.Block,
		TxHash:       row.TxHash,
		Action:       rowAction(row),
		ObservedAt:   time.Now().UTC(),
	}
	if actor != nil {
		payload.ActorID = actor.ID
		payload.ActorName = actor.Name
	}

	if err := c.sink.SendEntityCard(ctx, w.subscriberID, payload); err != nil {
		c.logger.Warn("sink delivery failed",
			zap.String("subscriber", w.subscriberID),
			zap.String("family", string(w.family)),
			zap.Error(err))
	}
	c.metrics.Notifications.WithLabelValues(string(w.family), fmt.Sprintf("%t", attributed)).Inc()

	if c.bus != nil {
		if envelope, err := bus.NewEnvelope("card", w.subscriberID, payload); err == nil {
			if err := c.bus.Publish(ctx, envelope); err != nil {
				c.logger.Debug("bus publish failed", zap.Error(err))
			}
		}
	}
	return nil
}

// rowAction labels the card with what happened.
func rowAction(row scan.LogRow) string {
	if action, ok := row.Payload["action"]; ok {
		return action
	}
	switch row.Family {
	case scan.FamilySpawn:
		return "spawned"
	case scan.FamilyBond:
		return "bonded"
	}
	return ""
}
