package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
)

// ResultCache is the subset of the sync store's rpc_request_results table
// that a CachedTransport needs; internal/store.Store satisfies it.
type ResultCache interface {
	GetRPCRequestResult(ctx context.Context, request string, chainID, blockNumber uint64) ([]byte, bool, error)
	InsertRPCRequestResult(ctx context.Context, request string, chainID, blockNumber uint64, result []byte) error
}

// CachedTransport wraps a Client with a read-through cache over
// rpc_request_results for user code that issues deterministic RPCs (§6,
// getCachedTransport). Only BlockByNumber with an explicit number and
// single-block FilterLogs are served from and written to the cache;
// BlockByHash, ChainID and latest or multi-block queries always go to the
// client.
type CachedTransport struct {
	client  *Client
	cache   ResultCache
	chainID uint64
}

// NewCachedTransport builds a CachedTransport over client, keyed by chainID.
func NewCachedTransport(client *Client, cache ResultCache, chainID uint64) *CachedTransport {
	return &CachedTransport{client: client, cache: cache, chainID: chainID}
}

// BlockByNumber serves a cached eth_getBlockByNumber result when available,
// otherwise fetches and caches it. A nil `number` (the "latest" tag) is
// never cached, since it is not deterministic.
func (t *CachedTransport) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	if number == nil {
		return t.client.BlockByNumber(ctx, nil)
	}

	n := number.Uint64()
	if cached, ok, err := t.lookup(ctx, "eth_getBlockByNumber", n); err != nil {
		return nil, err
	} else if ok {
		var block types.Block
		if err := rlp.DecodeBytes(cached, &block); err != nil {
			return nil, fmt.Errorf("decoding cached block %d: %w", n, err)
		}
		return &block, nil
	}

	block, err := t.client.BlockByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if encoded, err := rlp.EncodeToBytes(block); err == nil {
		_ = t.cache.InsertRPCRequestResult(ctx, "eth_getBlockByNumber", t.chainID, n, encoded)
	}
	return block, nil
}

// BlockByHash always goes to the client: rpc_request_results is keyed by
// block number, and a hash lookup has none to key on without an extra
// round trip that would defeat the point of caching.
func (t *CachedTransport) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	return t.client.BlockByHash(ctx, hash)
}

// FilterLogs serves a cached eth_getLogs result only for a single-block
// query (both FromBlock and ToBlock set and equal), keyed by that block
// number together with the query's addresses and topics; any wider or
// open-ended range bypasses the cache, since its result set can still
// change as new blocks arrive.
func (t *CachedTransport) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	if query.FromBlock == nil || query.ToBlock == nil || query.FromBlock.Cmp(query.ToBlock) != 0 {
		return t.client.FilterLogs(ctx, query)
	}

	n := query.FromBlock.Uint64()
	filterKey, err := json.Marshal(struct {
		Addresses []common.Address
		Topics    [][]common.Hash
	}{query.Addresses, query.Topics})
	if err != nil {
		return t.client.FilterLogs(ctx, query)
	}
	method := "eth_getLogs:" + string(filterKey)
	if cached, ok, err := t.lookup(ctx, method, n); err != nil {
		return nil, err
	} else if ok {
		var logs []types.Log
		if err := json.Unmarshal(cached, &logs); err != nil {
			return nil, fmt.Errorf("decoding cached logs for block %d: %w", n, err)
		}
		return logs, nil
	}

	logs, err := t.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}
	t.store(ctx, method, n, logs)
	return logs, nil
}

// ChainID is never cached: it is cheap, and caching it would require a
// sentinel "no block number" key that complicates the schema for no benefit.
func (t *CachedTransport) ChainID(ctx context.Context) (*big.Int, error) {
	return t.client.ChainID(ctx)
}

func (t *CachedTransport) lookup(ctx context.Context, method string, blockNumber uint64) ([]byte, bool, error) {
	result, ok, err := t.cache.GetRPCRequestResult(ctx, method, t.chainID, blockNumber)
	if err != nil {
		return nil, false, fmt.Errorf("reading cached transport result: %w", err)
	}
	return result, ok, nil
}

func (t *CachedTransport) store(ctx context.Context, method string, blockNumber uint64, value interface{}) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return
	}
	_ = t.cache.InsertRPCRequestResult(ctx, method, t.chainID, blockNumber, encoded)
}
