// Package rpc is the request-queue abstraction §1/§5 assume is available:
// a per-chain, rate-limited JSON-RPC client built on go-ethereum's
// ethclient, generalized from the teacher's single-chain Base client to
// carry an explicit chain id and a configurable rate.
package rpc

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is a rate-limited JSON-RPC client for one chain, wrapping the calls
// the sync engine consumes: eth_chainId, eth_blockNumber,
// eth_getBlockByNumber (full block or header only), eth_getBlockByHash and
// eth_getLogs. Transactions are
// read out of block bodies (§4.5's syncBlock), not fetched individually, so
// eth_getTransactionByHash/eth_getTransactionReceipt are not wrapped here.
type Client struct {
	chainName   string
	eth         *ethclient.Client
	rateLimiter *time.Ticker
}

// Config describes one chain's RPC connection.
type Config struct {
	Name               string
	RPCURL             string
	WSURL              string
	ChainID            uint64
	FinalityDepth      uint64
	RequestsPerSecond  int
}

// NewClient dials rpcURL and wraps it with a simple ticker-based rate
// limiter, matching the teacher's pkg/chain/base.Client but parameterized
// per chain rather than hardcoded to one network.
func NewClient(cfg Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s RPC: %w", cfg.Name, err)
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	return &Client{
		chainName:   cfg.Name,
		eth:         eth,
		rateLimiter: time.NewTicker(time.Second / time.Duration(rps)),
	}, nil
}

// Close releases the underlying connection and rate limiter.
func (c *Client) Close() {
	c.eth.Close()
	c.rateLimiter.Stop()
}

func (c *Client) rateLimit(ctx context.Context) error {
	select {
	case <-c.rateLimiter.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ChainID returns the chain id reported by the remote node, used at
// LocalSync initialization to warn on a configuration mismatch (§7).
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.rateLimit(ctx); err != nil {
		return nil, err
	}
	return c.eth.ChainID(ctx)
}

// BlockNumber returns the current (latest) block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.rateLimit(ctx); err != nil {
		return 0, err
	}
	return c.eth.BlockNumber(ctx)
}

// BlockByNumber fetches a block including its transactions. number == nil
// requests the latest block.
func (c *Client) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	if err := c.rateLimit(ctx); err != nil {
		return nil, err
	}
	block, err := c.eth.BlockByNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("%s: fetching block %v: %w", c.chainName, number, err)
	}
	return block, nil
}

// BlockByHash fetches a block including its transactions by hash.
func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error) {
	if err := c.rateLimit(ctx); err != nil {
		return nil, err
	}
	block, err := c.eth.BlockByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%s: fetching block %s: %w", c.chainName, hash, err)
	}
	return block, nil
}

// HeaderByNumber fetches a block header only, used by the realtime
// follower to read each new head, where a full block body is unneeded.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if err := c.rateLimit(ctx); err != nil {
		return nil, err
	}
	header, err := c.eth.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("%s: fetching header %v: %w", c.chainName, number, err)
	}
	return header, nil
}

// FilterLogs retrieves logs matching query.
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.rateLimit(ctx); err != nil {
		return nil, err
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: filtering logs: %w", c.chainName, err)
	}
	return logs, nil
}

