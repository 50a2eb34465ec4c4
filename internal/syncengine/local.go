package syncengine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"chainindex/internal/interval"
	"chainindex/pkg/chain/rpc"
)

// BlockRef is a light reference to a fetched block, used for the start/
// end/latest/finalized bookkeeping LocalSync owns (§4.6).
type BlockRef struct {
	Number    uint64
	Hash      string
	Timestamp uint64
}

// LocalSync is the per-chain pacer described in §4.6: it owns the
// HistoricalSync for its chain and drives it in bounded steps so the
// downstream consumer sees events quickly instead of waiting for the
// entire requested range to complete in one call.
type LocalSync struct {
	chainID       uint64
	client        *rpc.Client
	historical    *HistoricalSync
	finalityDepth uint64

	blocksPerEventHeuristic float64

	startBlock     BlockRef
	endBlock       *BlockRef // nil means open-ended
	finalizedBlock BlockRef

	fromBlock      uint64
	realtimeLatest *BlockRef // set once realtime sync takes over pacing
}

// Config configures LocalSync's initialization (§4.6).
type Config struct {
	ChainID                 uint64
	ConfiguredChainID       uint64
	FinalityDepth           uint64
	BlocksPerEventHeuristic float64 // default 0.25, divided by source count
}

// NewLocalSync initializes a LocalSync: it fetches the chain id, the block
// at the minimum fromBlock among the chain's sources, the block at the
// maximum toBlock (or leaves endBlock nil if any source is open-ended), and
// the latest block, all in parallel, then fetches the finalized block once
// the latest block number is known (§4.6).
func NewLocalSync(ctx context.Context, cfg Config, sources []Source, client *rpc.Client, historical *HistoricalSync) (*LocalSync, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("local sync: chain %d has no sources", cfg.ChainID)
	}

	var (
		minFromBlock uint64 = maxBlockNumber
		maxToBlock   *uint64
		openEnded    bool
	)
	for _, src := range sources {
		from, to := src.Filter.Bounds()
		if from < minFromBlock {
			minFromBlock = from
		}
		if to == nil {
			openEnded = true
			continue
		}
		if maxToBlock == nil || *to > *maxToBlock {
			maxToBlock = to
		}
	}

	var (
		startBlock, latestBlock, finalizedBlock BlockRef
		endBlock                                *BlockRef
		remoteChainID                            uint64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		id, err := client.ChainID(gctx)
		if err != nil {
			return fmt.Errorf("fetching chain id: %w", err)
		}
		remoteChainID = id.Uint64()
		return nil
	})
	g.Go(func() error {
		ref, err := fetchBlockRef(gctx, client, minFromBlock)
		if err != nil {
			return fmt.Errorf("fetching start block %d: %w", minFromBlock, err)
		}
		startBlock = ref
		return nil
	})
	g.Go(func() error {
		if openEnded || maxToBlock == nil {
			return nil
		}
		ref, err := fetchBlockRef(gctx, client, *maxToBlock)
		if err != nil {
			return fmt.Errorf("fetching end block %d: %w", *maxToBlock, err)
		}
		endBlock = &ref
		return nil
	})
	g.Go(func() error {
		number, err := client.BlockNumber(gctx)
		if err != nil {
			return fmt.Errorf("fetching latest block number: %w", err)
		}
		ref, err := fetchBlockRef(gctx, client, number)
		if err != nil {
			return fmt.Errorf("fetching latest block %d: %w", number, err)
		}
		latestBlock = ref
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if cfg.ConfiguredChainID != 0 && remoteChainID != cfg.ConfiguredChainID {
		log.Warn().
			Uint64("configured", cfg.ConfiguredChainID).
			Uint64("remote", remoteChainID).
			Msg("remote chain id disagrees with configuration, proceeding anyway")
	}

	finalizedNumber := uint64(0)
	if latestBlock.Number > cfg.FinalityDepth {
		finalizedNumber = latestBlock.Number - cfg.FinalityDepth
	}
	finalizedBlock, err := fetchBlockRef(ctx, client, finalizedNumber)
	if err != nil {
		return nil, fmt.Errorf("fetching finalized block %d: %w", finalizedNumber, err)
	}

	heuristic := cfg.BlocksPerEventHeuristic
	if heuristic <= 0 {
		heuristic = 0.25
	}

	return &LocalSync{
		chainID:                 cfg.ChainID,
		client:                  client,
		historical:              historical,
		finalityDepth:           cfg.FinalityDepth,
		blocksPerEventHeuristic: heuristic / float64(len(sources)),
		startBlock:              startBlock,
		endBlock:                endBlock,
		finalizedBlock:          finalizedBlock,
		fromBlock:               minFromBlock,
	}, nil
}

func fetchBlockRef(ctx context.Context, client *rpc.Client, number uint64) (BlockRef, error) {
	block, err := client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return BlockRef{}, err
	}
	return BlockRef{Number: block.NumberU64(), Hash: block.Hash().Hex(), Timestamp: block.Time()}, nil
}

// LatestBlock implements §4.6's getter precedence: a realtime override,
// then the end block once fromBlock reaches it, then the finalized block
// once fromBlock reaches it, then the historical sync's own progress.
func (l *LocalSync) LatestBlock() BlockRef {
	if l.realtimeLatest != nil {
		return *l.realtimeLatest
	}
	if l.endBlock != nil && l.fromBlock >= l.endBlock.Number {
		return *l.endBlock
	}
	if l.fromBlock >= l.finalizedBlock.Number {
		return l.finalizedBlock
	}
	return l.historical.LatestBlockRef()
}

// SetRealtimeLatest installs the realtime override used once §4.7's tip
// follower takes over pacing for this chain.
func (l *LocalSync) SetRealtimeLatest(ref BlockRef) {
	l.realtimeLatest = &ref
}

// StartBlock, EndBlock, and FinalizedBlock expose the snapshot bookkeeping
// the coordinator needs for minChainCheckpoint (§4.8).
func (l *LocalSync) StartBlock() BlockRef           { return l.startBlock }
func (l *LocalSync) EndBlock() *BlockRef            { return l.endBlock }
func (l *LocalSync) FinalizedBlock() BlockRef       { return l.finalizedBlock }
func (l *LocalSync) SetFinalizedBlock(ref BlockRef) { l.finalizedBlock = ref }
func (l *LocalSync) FromBlock() uint64              { return l.fromBlock }
func (l *LocalSync) Historical() *HistoricalSync    { return l.historical }

// Sync advances fromBlock by a bounded step and drives the historical sync
// over it (§4.6): `sub = [fromBlock, min(fromBlock + blocksPerEvent*1000,
// finalizedBlock)]`, bounding time-to-first-event.
func (l *LocalSync) Sync(ctx context.Context) error {
	sub, ok := l.nextRange()
	if !ok {
		return nil
	}
	return l.historical.Sync(ctx, sub)
}

// nextRange computes and consumes the next bounded step, advancing
// fromBlock. It is split out from Sync so the pacing math can be tested
// without driving a real HistoricalSync.
func (l *LocalSync) nextRange() (interval.Range, bool) {
	if l.fromBlock > l.finalizedBlock.Number {
		return interval.Range{}, false
	}

	step := uint64(l.blocksPerEventHeuristic * 1000)
	if step == 0 {
		step = 1
	}

	hi := l.fromBlock + step
	if hi > l.finalizedBlock.Number {
		hi = l.finalizedBlock.Number
	}

	sub := interval.Range{Lo: l.fromBlock, Hi: hi}
	l.fromBlock = hi
	return sub, true
}

// IsComplete reports whether this chain has an end block and the finalized
// block has reached it (§4.6).
func (l *LocalSync) IsComplete() bool {
	return l.endBlock != nil && l.finalizedBlock.Number >= l.endBlock.Number
}

// HasProgressed reports whether at least one sync step has run. The
// coordinator's outer loop (§4.8) needs to distinguish "latestBlock is
// still undefined" from "latestBlock is legitimately 0" (a chain whose
// sources start at genesis); fromBlock only ever advances past startBlock
// once Sync has completed a step, which sidesteps that ambiguity.
func (l *LocalSync) HasProgressed() bool {
	return l.fromBlock > l.startBlock.Number || l.IsComplete()
}
