package syncengine

// TestEventFlowIntegration exercises the complete event flow end to end:
// raw blocks/logs land in the sync store, filters materialize them into
// events, and the omnichain coordinator streams them out in checkpoint
// order across chains and source kinds (log and block-interval). Mirrors
// the teacher's top-level integration_test.go, which exercised its own
// pipeline (reserve update -> graph snapshot -> detector) purely through
// public APIs; here the "public API" is the sync store plus the
// coordinator, since LocalSync/HistoricalSync construction normally
// requires a live RPC client.

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"chainindex/internal/filter"
	"chainindex/internal/interval"
	"chainindex/internal/store"
)

func TestEventFlowIntegration(t *testing.T) {
	s, err := store.New(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()

	// Chain 1: one log source tracking Transfer events from a single token
	// contract, plus a block-interval source standing in for a periodic
	// heartbeat signal.
	const chain1 uint64 = 10
	tokenAddr := "0xtoken0000000000000000000000000000000001"
	transferSig := "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3e"

	blocks := []struct {
		number uint64
		hash   string
		ts     uint64
	}{
		{1, "0xc1b1", 1000},
		{2, "0xc1b2", 1010},
		{3, "0xc1b3", 1020},
		{4, "0xc1b4", 1030},
	}
	for i, b := range blocks {
		require.NoError(t, s.InsertBlock(ctx, store.Block{
			Hash: b.hash, ChainID: chain1, Number: b.number, Timestamp: b.ts, Body: []byte("{}"),
		}))
		if i%2 == 0 { // a Transfer log in every other block, to exercise sparse matches
			sig := transferSig
			require.NoError(t, s.InsertLogs(ctx, []store.Log{{
				BlockHash: b.hash, LogIndex: 0, ChainID: chain1, BlockNumber: b.number,
				Address: tokenAddr, Topic0: &sig, TransactionHash: "0xtx1", Data: []byte{0x01}, Body: []byte("{}"),
			}}))
		}
	}

	transferFilter := filter.Filter{Log: &filter.LogFilter{
		ChainID: chain1, FromBlock: 0,
		Address: filter.AddressConstraint{Single: tokenAddr},
		Topics:  [4][]string{{transferSig}},
	}}
	transferFilterID := filter.ID(filter.KindEvent, transferFilter)

	heartbeatFilter := filter.Filter{Block: &filter.BlockFilter{
		ChainID: chain1, Interval: 2, Offset: 0, FromBlock: 0,
	}}
	heartbeatFilterID := filter.ID(filter.KindEvent, heartbeatFilter)

	n, err := s.PopulateEvents(ctx, transferFilter, transferFilterID, interval.Range{Lo: 0, Hi: 4})
	require.NoError(t, err)
	require.Equal(t, 2, n, "two of four blocks carried a Transfer log")

	n, err = s.PopulateEvents(ctx, heartbeatFilter, heartbeatFilterID, interval.Range{Lo: 0, Hi: 4})
	require.NoError(t, err)
	require.Equal(t, 2, n, "blocks 2 and 4 satisfy the interval=2,offset=0 heartbeat")

	// Chain 2: a second network's factory emitting PoolCreated events, on an
	// earlier timestamp range so cross-chain ordering has something to prove.
	const chain2 uint64 = 20
	factoryAddr := "0xfactory00000000000000000000000000000002"
	poolCreatedSig := "0x0d3648bd0f6ba80134a33ba9275ac585d9d315f0ad8355cddefde31afa28d0e"

	require.NoError(t, s.InsertBlock(ctx, store.Block{
		Hash: "0xc2b1", ChainID: chain2, Number: 1, Timestamp: 990, Body: []byte("{}"),
	}))
	sig := poolCreatedSig
	require.NoError(t, s.InsertLogs(ctx, []store.Log{{
		BlockHash: "0xc2b1", LogIndex: 0, ChainID: chain2, BlockNumber: 1,
		Address: factoryAddr, Topic0: &sig, TransactionHash: "0xtx2", Data: []byte{0x02}, Body: []byte("{}"),
	}}))

	poolFilter := filter.Filter{Log: &filter.LogFilter{
		ChainID: chain2, FromBlock: 0,
		Address: filter.AddressConstraint{Single: factoryAddr},
		Topics:  [4][]string{{poolCreatedSig}},
	}}
	poolFilterID := filter.ID(filter.KindEvent, poolFilter)

	n, err = s.PopulateEvents(ctx, poolFilter, poolFilterID, interval.Range{Lo: 0, Hi: 1})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Both chains are fully caught up at construction time (fromBlock ==
	// finalizedBlock.Number, startBlock.Number == 0), so LocalSync.Sync is a
	// true no-op and the coordinator can stream purely off what's already
	// materialized, without a live RPC client. Chain 2's finalized block
	// (number 6, timestamp 1050) lies past chain 1's last block, so the
	// cross-chain finalized bound (the lower of the two chains' finalized
	// checkpoints) is chain 1's and covers every event seeded above.
	chain1Local := &LocalSync{
		finalizedBlock: BlockRef{Number: 4, Timestamp: 1030},
		fromBlock:      4,
		historical:     &HistoricalSync{chainID: chain1},
	}
	chain2Local := &LocalSync{
		finalizedBlock: BlockRef{Number: 6, Timestamp: 1050},
		fromBlock:      6,
		historical:     &HistoricalSync{chainID: chain2},
	}

	chains := []*Chain{
		{
			ChainID: chain1,
			Sources: []Source{
				{Name: "transfers", NetworkName: "dex", Filter: transferFilter, FilterID: transferFilterID},
				{Name: "heartbeat", NetworkName: "dex", Filter: heartbeatFilter, FilterID: heartbeatFilterID},
			},
			Local: chain1Local,
		},
		{
			ChainID: chain2,
			Sources: []Source{
				{Name: "pools", NetworkName: "factory", Filter: poolFilter, FilterID: poolFilterID},
			},
			Local: chain2Local,
		},
	}

	var realtimeSeen []RealtimeEvent
	coord := NewCoordinator(s, chains, func(evt RealtimeEvent) {
		realtimeSeen = append(realtimeSeen, evt)
	}, nil)
	defer coord.Kill()

	var seen []RawEvent
	err = coord.GetEvents(ctx, func(batch []RawEvent) error {
		seen = append(seen, batch...)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 5, "2 transfers + 2 heartbeats on chain 1, 1 pool creation on chain 2")

	// Chain 2's only event (timestamp 990) must sort before every chain 1
	// event (earliest timestamp 1000), proving checkpoint order holds
	// across chains, not just within one.
	require.Equal(t, poolFilterID, seen[0].FilterID)
	for _, e := range seen[1:] {
		require.NotEqual(t, poolFilterID, e.FilterID)
	}
	for i := 1; i < len(seen); i++ {
		require.True(t, seen[i-1].Checkpoint < seen[i].Checkpoint, "events must stream in strictly increasing checkpoint order")
	}

	// Now drive a realtime block on chain 1: a fifth block with a new
	// Transfer log should materialize and flow out through onRealtime, not
	// through GetEvents (which has already drained the historical window).
	require.NoError(t, s.InsertBlock(ctx, store.Block{
		Hash: "0xc1b5", ChainID: chain1, Number: 5, Timestamp: 1040, Body: []byte("{}"),
	}))
	sig5 := transferSig
	require.NoError(t, s.InsertLogs(ctx, []store.Log{{
		BlockHash: "0xc1b5", LogIndex: 0, ChainID: chain1, BlockNumber: 5,
		Address: tokenAddr, Topic0: &sig5, TransactionHash: "0xtx3", Data: []byte{0x03}, Body: []byte("{}"),
	}}))

	require.NoError(t, coord.handleBlock(ctx, chains[0], BlockRef{Number: 5, Timestamp: 1040, Hash: "0xc1b5"}))
	coord.Kill()

	require.Len(t, realtimeSeen, 1)
	require.Equal(t, RealtimeEventBlock, realtimeSeen[0].Type)
	require.Len(t, realtimeSeen[0].Events, 1)
	require.Equal(t, transferFilterID, realtimeSeen[0].Events[0].FilterID)
	require.Equal(t, uint64(5), realtimeSeen[0].Events[0].BlockNumber)
}
