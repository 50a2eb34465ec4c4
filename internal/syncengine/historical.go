package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"chainindex/internal/filter"
	"chainindex/internal/interval"
	"chainindex/internal/store"
	"chainindex/pkg/chain/rpc"
)

// maxBlockNumber stands in for an open-ended filter's toBlock (§4.5),
// mirroring the teacher's maxBlockRange-style sentinel constants.
const maxBlockNumber = ^uint64(0)

// HistoricalSync is the per-chain driver described in §4.5: given a
// requested block interval and a set of sources sharing one chain, it pulls
// whatever ranges are missing from RPC, caches the raw objects, and
// materializes matching events.
type HistoricalSync struct {
	chainID uint64
	sources []Source
	client  *rpc.Client
	store   *store.Store
	metrics Recorder

	// intervalsCache is loaded once at construction and never refreshed
	// mid-run (§4.5): newly completed ranges within a run are tracked by
	// the store on disk, not reflected back into this map until the next
	// HistoricalSync is constructed.
	intervalsCache map[string][]interval.Range

	// blockCache dedups concurrent fetches of the same block number within
	// one sync() invocation; cleared at the end of every call. It merges
	// only fetches in flight at the same time: sources are synced one after
	// another, so a block number requested again after its fetch has
	// finished is fetched again.
	blockCache singleflight.Group

	latestBlock          uint64
	latestBlockHash      string
	latestBlockTimestamp uint64
}

// NewHistoricalSync constructs a HistoricalSync for chainID, loading each
// source's (and, for factory sources, its child-address filter's) cached
// intervals from the store.
func NewHistoricalSync(ctx context.Context, chainID uint64, sources []Source, client *rpc.Client, st *store.Store, metrics Recorder) (*HistoricalSync, error) {
	cache := make(map[string][]interval.Range, len(sources))
	for _, src := range sources {
		ranges, err := st.GetIntervals(ctx, filter.KindEvent, chainID, src.FilterID)
		if err != nil {
			return nil, fmt.Errorf("loading intervals for %s: %w", src.FilterID, err)
		}
		cache[src.FilterID] = ranges

		if src.Filter.Log != nil && src.Filter.Log.Address.IsChildAddressFilter() {
			child := src.Filter.Log.Address.Child
			childID := filter.ChildAddressFilterID(child)
			if _, ok := cache[childID]; !ok {
				childRanges, err := st.GetIntervals(ctx, filter.KindAddress, chainID, childID)
				if err != nil {
					return nil, fmt.Errorf("loading child intervals for %s: %w", childID, err)
				}
				cache[childID] = childRanges
			}
		}
	}

	return &HistoricalSync{
		chainID:        chainID,
		sources:        sources,
		client:         client,
		store:          st,
		metrics:        metrics,
		intervalsCache: cache,
	}, nil
}

// LatestBlock returns the highest block number this sync has fully
// ingested so far (§4.5/§4.6).
func (h *HistoricalSync) LatestBlock() uint64 {
	return h.latestBlock
}

// LatestBlockRef returns the full reference (number, hash, timestamp) of the
// highest block this sync has fully ingested so far. The timestamp matters
// to callers building a checkpoint bound out of it (§4.8's
// minChainCheckpoint): a zero timestamp would sort below every real
// checkpoint regardless of block number, since blockTimestamp is the
// checkpoint's most significant field.
func (h *HistoricalSync) LatestBlockRef() BlockRef {
	return BlockRef{Number: h.latestBlock, Hash: h.latestBlockHash, Timestamp: h.latestBlockTimestamp}
}

// Sync runs the §4.5 algorithm over requested for every source in
// declaration order, then clears the per-invocation block memo.
func (h *HistoricalSync) Sync(ctx context.Context, requested interval.Range) error {
	defer func() { h.blockCache = singleflight.Group{} }()

	for _, src := range h.sources {
		from, to := src.Filter.Bounds()
		hi := maxBlockNumber
		if to != nil {
			hi = *to
		}
		bounded, ok := interval.Intersect(requested, interval.Range{Lo: from, Hi: hi})
		if !ok {
			continue
		}

		required := interval.Difference([]interval.Range{bounded}, h.intervalsCache[src.FilterID])
		if len(required) == 0 {
			continue
		}

		for _, sub := range required {
			if err := h.syncFilterRange(ctx, src, sub); err != nil {
				return fmt.Errorf("syncing %s over [%d,%d]: %w", src.Name, sub.Lo, sub.Hi, err)
			}

			materialized, err := h.store.PopulateEvents(ctx, src.Filter, src.FilterID, sub)
			if err != nil {
				return fmt.Errorf("populating events for %s: %w", src.Name, err)
			}
			if err := h.store.InsertInterval(ctx, filter.KindEvent, h.chainID, src.FilterID, sub); err != nil {
				return fmt.Errorf("recording interval for %s: %w", src.Name, err)
			}
			h.intervalsCache[src.FilterID] = interval.Union(append(h.intervalsCache[src.FilterID], sub))

			if h.metrics != nil {
				h.metrics.AddCompletedBlocks(h.chainID, src.Name, sub.Hi-sub.Lo+1)
				kind := "log"
				if src.Filter.Block != nil {
					kind = "block"
				}
				h.metrics.RecordEventsMaterialized(h.chainID, kind, materialized)
			}
		}
	}

	return nil
}

func (h *HistoricalSync) syncFilterRange(ctx context.Context, src Source, sub interval.Range) error {
	switch {
	case src.Filter.Log != nil:
		return h.syncLogFilter(ctx, src, *src.Filter.Log, sub)
	case src.Filter.Block != nil:
		return h.syncBlockFilter(ctx, *src.Filter.Block, sub)
	default:
		return fmt.Errorf("source %s has an empty filter", src.Name)
	}
}

func (h *HistoricalSync) syncLogFilter(ctx context.Context, src Source, lf filter.LogFilter, sub interval.Range) error {
	var addresses []string
	switch {
	case lf.Address.IsChildAddressFilter():
		resolved, err := h.syncAddress(ctx, lf.Address.Child, sub)
		if err != nil {
			return fmt.Errorf("resolving child addresses: %w", err)
		}
		if len(resolved) == 0 {
			return nil
		}
		addresses = resolved
	case lf.Address.Single != "":
		addresses = []string{lf.Address.Single}
	case len(lf.Address.Set) > 0:
		addresses = lf.Address.Set
	}

	logs, err := h.fetchLogs(ctx, lf.ChainID, addresses, lf.Topics, sub.Lo, sub.Hi)
	if err != nil {
		return fmt.Errorf("fetching logs: %w", err)
	}

	storeLogs := make([]store.Log, 0, len(logs))
	txHashesByBlock := map[uint64]map[string]struct{}{}

	for _, l := range logs {
		if l.Removed {
			continue
		}

		body, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encoding log body: %w", err)
		}

		topics := topicPtrs(l.Topics)
		storeLogs = append(storeLogs, store.Log{
			BlockHash:       l.BlockHash.Hex(),
			LogIndex:        uint64(l.Index),
			ChainID:         lf.ChainID,
			BlockNumber:     l.BlockNumber,
			Address:         strings.ToLower(l.Address.Hex()),
			Topic0:          topics[0],
			Topic1:          topics[1],
			Topic2:          topics[2],
			Topic3:          topics[3],
			Data:            l.Data,
			TransactionHash: l.TxHash.Hex(),
			Body:            body,
		})

		set, ok := txHashesByBlock[l.BlockNumber]
		if !ok {
			set = map[string]struct{}{}
			txHashesByBlock[l.BlockNumber] = set
		}
		set[l.TxHash.Hex()] = struct{}{}
	}

	if err := h.store.InsertLogs(ctx, storeLogs); err != nil {
		return fmt.Errorf("caching logs: %w", err)
	}

	for blockNumber, txHashes := range txHashesByBlock {
		if err := h.syncBlock(ctx, blockNumber, txHashes); err != nil {
			return err
		}
	}

	return nil
}

func (h *HistoricalSync) syncBlockFilter(ctx context.Context, bf filter.BlockFilter, sub interval.Range) error {
	start := sub.Lo
	if start < bf.Offset {
		start = bf.Offset
	}
	if rem := (start - bf.Offset) % bf.Interval; rem != 0 {
		start += bf.Interval - rem
	}

	for n := start; n <= sub.Hi; n += bf.Interval {
		if !filter.MatchesBlock(n, bf) {
			continue
		}
		if err := h.syncBlock(ctx, n, nil); err != nil {
			return err
		}
	}
	return nil
}

// syncAddress resolves the address set for a child-address (factory)
// filter over sub, fetching only the ranges not yet covered for that
// filter's own interval cache (§4.5).
func (h *HistoricalSync) syncAddress(ctx context.Context, child *filter.ChildAddressFilter, sub interval.Range) ([]string, error) {
	if child.Address.IsChildAddressFilter() {
		return nil, fmt.Errorf("nested child-address filters are not supported")
	}

	childID := filter.ChildAddressFilterID(child)
	cached := h.intervalsCache[childID]

	var resolvedAddresses []string
	switch {
	case child.Address.Single != "":
		resolvedAddresses = []string{child.Address.Single}
	case len(child.Address.Set) > 0:
		resolvedAddresses = child.Address.Set
	}

	required := interval.Difference([]interval.Range{sub}, cached)
	for _, req := range required {
		topics := [4]filter.TopicConstraint{{child.EventSelector}, nil, nil, nil}
		logs, err := h.fetchLogs(ctx, child.ChainID, resolvedAddresses, topics, req.Lo, req.Hi)
		if err != nil {
			return nil, fmt.Errorf("fetching child-address logs: %w", err)
		}

		addrs := make([]store.AddressBlock, 0, len(logs))
		for _, l := range logs {
			if l.Removed {
				continue
			}
			addr, ok := extractChildAddress(child.Location, l.Topics, l.Data)
			if !ok {
				log.Warn().Str("filter", childID).Uint64("block", l.BlockNumber).Msg("could not extract child address from log")
				continue
			}
			addrs = append(addrs, store.AddressBlock{Address: addr, BlockNumber: l.BlockNumber})
		}

		if err := h.store.InsertAddresses(ctx, h.chainID, childID, addrs); err != nil {
			return nil, fmt.Errorf("inserting child addresses: %w", err)
		}
		if err := h.store.InsertInterval(ctx, filter.KindAddress, h.chainID, childID, req); err != nil {
			return nil, fmt.Errorf("recording child-address interval: %w", err)
		}
		cached = interval.Union(append(cached, req))
	}
	h.intervalsCache[childID] = cached

	return h.store.GetAddresses(ctx, h.chainID, childID)
}

// extractChildAddress reads a 20-byte address from either an indexed topic
// or a 32-byte data word (§4.1's child address location). common.BytesToAddress
// already keeps only the low 20 bytes of a longer slice, so both cases share
// the same conversion.
func extractChildAddress(loc filter.ChildAddressLocation, topics []common.Hash, data []byte) (string, bool) {
	if loc.FromTopic {
		if loc.Topic <= 0 || loc.Topic >= len(topics) {
			return "", false
		}
		return common.BytesToAddress(topics[loc.Topic].Bytes()).Hex(), true
	}

	start := loc.Offset * 32
	if start+32 > len(data) {
		return "", false
	}
	return common.BytesToAddress(data[start : start+32]).Hex(), true
}

func (h *HistoricalSync) fetchLogs(ctx context.Context, chainID uint64, addresses []string, topics [4]filter.TopicConstraint, from, to uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
	}

	if len(addresses) > 0 {
		query.Addresses = make([]common.Address, len(addresses))
		for i, a := range addresses {
			query.Addresses[i] = common.HexToAddress(a)
		}
	}

	query.Topics = make([][]common.Hash, 4)
	for i, t := range topics {
		if t == nil {
			continue
		}
		hashes := make([]common.Hash, len(t))
		for j, x := range t {
			hashes[j] = common.HexToHash(x)
		}
		query.Topics[i] = hashes
	}

	logs, err := h.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func topicPtrs(topics []common.Hash) [4]*string {
	var out [4]*string
	for i := 0; i < len(topics) && i < 4; i++ {
		s := topics[i].Hex()
		out[i] = &s
	}
	return out
}

// syncBlock fetches block number and caches it, deduping concurrent
// requests for the same number within this invocation via blockCache, and
// persists only the transactions named in txHashes (nil/empty means none).
func (h *HistoricalSync) syncBlock(ctx context.Context, number uint64, txHashes map[string]struct{}) error {
	key := strconv.FormatUint(number, 10)
	_, err, _ := h.blockCache.Do(key, func() (interface{}, error) {
		block, err := h.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return nil, fmt.Errorf("fetching block %d: %w", number, err)
		}

		body, err := json.Marshal(block.Header())
		if err != nil {
			return nil, fmt.Errorf("encoding block header: %w", err)
		}

		if err := h.store.InsertBlock(ctx, store.Block{
			Hash: block.Hash().Hex(), ChainID: h.chainID, Number: number, Timestamp: block.Time(), Body: body,
		}); err != nil {
			return nil, fmt.Errorf("caching block: %w", err)
		}

		if number > h.latestBlock {
			h.latestBlock = number
			h.latestBlockHash = block.Hash().Hex()
			h.latestBlockTimestamp = block.Time()
		}

		if len(txHashes) == 0 {
			return nil, nil
		}

		for idx, tx := range block.Transactions() {
			hash := tx.Hash().Hex()
			if _, want := txHashes[hash]; !want {
				continue
			}
			txBody, err := json.Marshal(tx)
			if err != nil {
				return nil, fmt.Errorf("encoding transaction body: %w", err)
			}
			if err := h.store.InsertTransaction(ctx, store.Transaction{
				Hash: hash, ChainID: h.chainID, BlockNumber: number, TransactionIndex: uint64(idx), Body: txBody,
			}); err != nil {
				return nil, fmt.Errorf("caching transaction: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// InitializeMetrics reports, per source, total blocks in its bounded
// window clamped to finalizedBlock and how many are already cached,
// warning and zeroing out a source whose start block is already past
// finality (§4.5).
func (h *HistoricalSync) InitializeMetrics(finalizedBlock uint64) {
	if h.metrics == nil {
		return
	}

	for _, src := range h.sources {
		from, to := src.Filter.Bounds()
		hi := finalizedBlock
		if to != nil && *to < hi {
			hi = *to
		}

		if from > hi {
			log.Warn().Uint64("chain_id", h.chainID).Str("source", src.Name).Msg("source start block is past finality")
			h.metrics.SetTotalBlocks(h.chainID, src.Name, 0)
			h.metrics.SetCachedBlocks(h.chainID, src.Name, 0)
			continue
		}

		var cached uint64
		for _, r := range h.intervalsCache[src.FilterID] {
			if r.Hi < from || r.Lo > hi {
				continue
			}
			lo, rHi := r.Lo, r.Hi
			if lo < from {
				lo = from
			}
			if rHi > hi {
				rHi = hi
			}
			cached += rHi - lo + 1
		}

		h.metrics.SetTotalBlocks(h.chainID, src.Name, hi-from+1)
		h.metrics.SetCachedBlocks(h.chainID, src.Name, cached)
	}
}
