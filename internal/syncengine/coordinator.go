// Package syncengine (continued): Coordinator is the Omnichain Coordinator
// of §4.8 — it drives every chain's LocalSync in lockstep, pages the store's
// materialized events out in one checkpoint-ordered stream, and, once
// realtime followers are started, translates their per-chain notifications
// into the same ordered stream plus reorg/finalize signals.
package syncengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"chainindex/internal/checkpoint"
	"chainindex/internal/filter"
	"chainindex/internal/interval"
	"chainindex/internal/store"
)

// Chain bundles everything the coordinator needs to drive one chain: its
// sources, its local (historical-pacing) sync, and its realtime follower
// (may be nil; StartRealtime skips a chain whose follower is nil or whose
// historical range is already complete).
type Chain struct {
	ChainID   uint64
	Sources   []Source
	Local     *LocalSync
	Realtime  *RealtimeSync
	realtime  bool // has a follower been started for this chain
	killed    bool
}

// Coordinator is the per-process Omnichain Coordinator (C8/§4.8): it merges
// per-chain historical progress into a single checkpoint-ordered event
// stream and, after startRealtime, dispatches realtime notifications
// through the same ordering discipline.
type Coordinator struct {
	store  *store.Store
	chains []*Chain

	mu sync.Mutex // guards killed and per-chain realtime/killed flags

	// realtimeEvents is the single-consumer worker queue described in §5:
	// "downstream event delivery is serialized through a single-concurrency
	// worker queue; the queue is drained before kill() returns."
	realtimeEvents chan RealtimeEvent
	onRealtime     func(RealtimeEvent)
	onFatal        FatalErrorFunc

	drainWG sync.WaitGroup
	killed  bool
}

// NewCoordinator constructs a Coordinator over the given chains and store.
// onRealtime receives every RealtimeEvent once startRealtime is in effect;
// it is called from the coordinator's single drain goroutine, so per-chain
// ordering (§5: "realtime callbacks are processed strictly in the order
// block|reorg|finalize emitted by the follower") is preserved without the
// caller needing its own locking.
func NewCoordinator(st *store.Store, chains []*Chain, onRealtime func(RealtimeEvent), onFatal FatalErrorFunc) *Coordinator {
	c := &Coordinator{
		store:          st,
		chains:         chains,
		realtimeEvents: make(chan RealtimeEvent, 256),
		onRealtime:     onRealtime,
		onFatal:        onFatal,
	}
	c.drainWG.Add(1)
	go c.drainRealtimeEvents()
	return c
}

func (c *Coordinator) drainRealtimeEvents() {
	defer c.drainWG.Done()
	for evt := range c.realtimeEvents {
		if c.onRealtime != nil {
			c.onRealtime(evt)
		}
	}
}

// allFilterIDs returns every source's filter id across every chain, the set
// getEvents paginates over (§4.8: "store.getEvents({filters = all source
// filters, ...})").
func (c *Coordinator) allFilterIDs() []string {
	var ids []string
	for _, chain := range c.chains {
		for _, src := range chain.Sources {
			ids = append(ids, src.FilterID)
		}
	}
	return ids
}

// minChainCheckpoint computes, for every active (non-killed) chain, a
// checkpoint built from that chain's {start|latest|finalized} block, with
// the lexicographic tail zeroCheckpoint for "start" (inclusive lower bound)
// or maxCheckpoint for "latest"/"finalized" (inclusive upper bound), and
// returns the element-wise minimum (§4.8).
func (c *Coordinator) minChainCheckpoint(tag string) string {
	var cps []string
	for _, chain := range c.chains {
		if chain.killed {
			continue
		}

		var ref BlockRef
		switch tag {
		case "start":
			ref = chain.Local.StartBlock()
		case "latest":
			ref = chain.Local.LatestBlock()
		case "finalized":
			ref = chain.Local.FinalizedBlock()
		default:
			panic("syncengine: unknown checkpoint tag " + tag)
		}

		if tag == "start" {
			cps = append(cps, checkpoint.LowerBound(ref.Timestamp, chain.ChainID, ref.Number))
		} else {
			cps = append(cps, checkpoint.UpperBound(ref.Timestamp, chain.ChainID, ref.Number))
		}
	}
	return checkpoint.Min(cps...)
}

// GetEvents streams materialized events across every chain in checkpoint
// order, following §4.8's historical stream algorithm. cb is invoked with
// each page of events as it becomes available (the Go analogue of the
// async-iterator-of-batches interface in §6); it returns an error to abort
// the stream early.
func (c *Coordinator) GetEvents(ctx context.Context, cb func([]RawEvent) error) error {
	start := c.minChainCheckpoint("start")
	end := c.minChainCheckpoint("finalized")
	from := start
	filterIDs := c.allFilterIDs()

	for {
		g, gctx := errgroup.WithContext(ctx)
		for _, chain := range c.chains {
			chain := chain
			if chain.killed {
				continue
			}
			g.Go(func() error { return chain.Local.Sync(gctx) })
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("syncing chains: %w", err)
		}

		anyUndefined := false
		for _, chain := range c.chains {
			if chain.killed {
				continue
			}
			if !chain.Local.HasProgressed() {
				anyUndefined = true
				break
			}
		}
		if anyUndefined {
			continue
		}

		to := c.minChainCheckpoint("latest")

		for from < to {
			page, err := c.store.GetEvents(ctx, store.EventQuery{
				FilterIDs: filterIDs,
				From:      from,
				To:        to,
				Limit:     10000,
			})
			if err != nil {
				return fmt.Errorf("paginating events: %w", err)
			}
			if len(page.Events) > 0 {
				if err := cb(rawEventsFromStore(page.Events)); err != nil {
					return err
				}
			}
			from = page.Cursor
		}

		if to >= end {
			return nil
		}
	}
}

// StartRealtime begins realtime followers for every chain whose endBlock is
// not yet finalized (§4.8). Each follower's callback is wrapped by
// translateFollowerEvent, which performs the "Realtime translation" of
// §4.8 before pushing onto the single-concurrency worker queue.
func (c *Coordinator) StartRealtime(ctx context.Context) {
	for _, chain := range c.chains {
		chain := chain
		if chain.Local.IsComplete() {
			continue
		}
		if chain.Realtime == nil {
			continue
		}

		c.mu.Lock()
		if chain.realtime {
			c.mu.Unlock()
			continue
		}
		chain.realtime = true
		c.mu.Unlock()

		go func() {
			err := chain.Realtime.Run(ctx, func(evt FollowerEvent) error {
				return c.translateFollowerEvent(ctx, chain, evt)
			})
			if err != nil {
				log.Error().Err(err).Uint64("chain_id", chain.ChainID).Msg("realtime follower exited")
			}
		}()
	}
}

// translateFollowerEvent implements §4.8's "Realtime translation": it
// re-materializes events for the affected range, advances the chain's
// checkpoint bookkeeping, and pushes the resulting RealtimeEvent onto the
// worker queue in the order the follower emitted it.
func (c *Coordinator) translateFollowerEvent(ctx context.Context, chain *Chain, evt FollowerEvent) error {
	switch evt.Kind {
	case FollowerBlock:
		return c.handleBlock(ctx, chain, evt.Block)
	case FollowerFinalize:
		return c.handleFinalize(ctx, chain, evt.Block)
	case FollowerReorg:
		return c.handleReorg(ctx, chain, evt.Block)
	default:
		return fmt.Errorf("syncengine: unknown follower event kind %q", evt.Kind)
	}
}

func (c *Coordinator) handleBlock(ctx context.Context, chain *Chain, block BlockRef) error {
	for _, src := range chain.Sources {
		from, to := src.Filter.Bounds()
		if block.Number < from || (to != nil && block.Number > *to) {
			continue
		}
		if _, err := c.store.PopulateEvents(ctx, src.Filter, src.FilterID, interval.Range{Lo: block.Number, Hi: block.Number}); err != nil {
			return fmt.Errorf("populating realtime events for chain %d block %d: %w", chain.ChainID, block.Number, err)
		}
	}

	from := c.minChainCheckpoint("latest")
	chain.Local.SetRealtimeLatest(block)
	to := c.minChainCheckpoint("latest")

	return c.pageAndEmitBlock(ctx, from, to)
}

// pageAndEmitBlock paginates getEvents over (from, to] and raises one
// RealtimeEventBlock per non-empty page, matching §4.8's "for each batch
// raise {type: block, events}".
func (c *Coordinator) pageAndEmitBlock(ctx context.Context, from, to string) error {
	if from >= to {
		return nil
	}
	filterIDs := c.allFilterIDs()
	for from < to {
		page, err := c.store.GetEvents(ctx, store.EventQuery{FilterIDs: filterIDs, From: from, To: to, Limit: 10000})
		if err != nil {
			return fmt.Errorf("paginating realtime block events: %w", err)
		}
		if len(page.Events) > 0 {
			c.emit(RealtimeEvent{Type: RealtimeEventBlock, Events: rawEventsFromStore(page.Events)})
		}
		from = page.Cursor
	}
	return nil
}

func (c *Coordinator) handleFinalize(ctx context.Context, chain *Chain, newFinalized BlockRef) error {
	prevFinalized := chain.Local.FinalizedBlock()

	for _, src := range chain.Sources {
		from, to := src.Filter.Bounds()
		lo := prevFinalized.Number + 1
		hi := newFinalized.Number
		if to != nil && *to < hi {
			hi = *to
		}
		if from > lo {
			lo = from
		}
		if lo > hi {
			continue
		}
		r := interval.Range{Lo: lo, Hi: hi}
		if _, err := c.store.PopulateEvents(ctx, src.Filter, src.FilterID, r); err != nil {
			return fmt.Errorf("populating finalize events for chain %d: %w", chain.ChainID, err)
		}
		if err := c.store.InsertInterval(ctx, filter.KindEvent, chain.ChainID, src.FilterID, r); err != nil {
			return fmt.Errorf("recording finalize interval for chain %d: %w", chain.ChainID, err)
		}
	}

	beforeMin := c.minChainCheckpoint("finalized")
	chain.Local.SetFinalizedBlock(newFinalized)
	afterMin := c.minChainCheckpoint("finalized")

	if afterMin != beforeMin {
		c.emit(RealtimeEvent{Type: RealtimeEventFinalize, ChainID: chain.ChainID, Checkpoint: afterMin})
	}

	if chain.Local.IsComplete() {
		c.killChain(chain)
	}

	return nil
}

func (c *Coordinator) handleReorg(ctx context.Context, chain *Chain, ancestor BlockRef) error {
	if err := c.store.PruneAboveBlock(ctx, chain.ChainID, ancestor.Number); err != nil {
		return fmt.Errorf("pruning reorged rows for chain %d: %w", chain.ChainID, err)
	}
	if err := c.store.TruncateIntervals(ctx, chain.ChainID, ancestor.Number); err != nil {
		return fmt.Errorf("truncating intervals for chain %d: %w", chain.ChainID, err)
	}

	chain.Local.SetRealtimeLatest(ancestor)
	cp := checkpoint.UpperBound(ancestor.Timestamp, chain.ChainID, ancestor.Number)
	c.emit(RealtimeEvent{Type: RealtimeEventReorg, ChainID: chain.ChainID, Checkpoint: cp})
	return nil
}

func (c *Coordinator) emit(evt RealtimeEvent) {
	c.realtimeEvents <- evt
}

// killChain stops the follower for one chain and marks it inactive, leaving
// the remaining chains running (§4.8: "remaining chains continue").
func (c *Coordinator) killChain(chain *Chain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chain.killed {
		return
	}
	chain.killed = true
	if chain.Realtime != nil {
		chain.Realtime.Kill()
	}
}

// Kill stops every follower, pauses the realtime worker, and waits for the
// in-flight task to finish before returning (§5's cancellation contract):
// "waits for the in-flight task to finish, and disposes sync-store
// connections" — disposal of the store itself is the caller's
// responsibility since the store outlives any one Coordinator.
func (c *Coordinator) Kill() {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()
		return
	}
	c.killed = true
	for _, chain := range c.chains {
		if chain.Realtime != nil {
			chain.Realtime.Kill()
		}
	}
	c.mu.Unlock()

	close(c.realtimeEvents)
	c.drainWG.Wait()
}
