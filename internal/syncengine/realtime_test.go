package syncengine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func header(number uint64, parent lightBlock) *types.Header {
	return &types.Header{
		Number:     new(big.Int).SetUint64(number),
		ParentHash: parent.Hash,
		Time:       1_700_000_000 + number,
		Difficulty: big.NewInt(0),
	}
}

func newTestRealtimeSync(finalized lightBlock, finalityDepth uint64) *RealtimeSync {
	return &RealtimeSync{
		chainID:        1,
		finalityDepth:  finalityDepth,
		finalizedBlock: finalized,
		done:           make(chan struct{}),
	}
}

func TestReverse(t *testing.T) {
	blocks := []lightBlock{{Number: 1}, {Number: 2}, {Number: 3}}
	reverse(blocks)
	require.Equal(t, []uint64{3, 2, 1}, []uint64{blocks[0].Number, blocks[1].Number, blocks[2].Number})
}

func TestReconnectBackoffCapsAtMax(t *testing.T) {
	require.Equal(t, initialReconnectDelay, reconnectBackoff(0))
	require.Equal(t, maxReconnectDelay, reconnectBackoff(10))
}

func TestProcessHeaderAppendsLinearChain(t *testing.T) {
	genesis := lightBlock{Number: 100}
	r := newTestRealtimeSync(genesis, 10)

	var events []FollowerEvent
	onEvent := func(e FollowerEvent) error {
		events = append(events, e)
		return nil
	}

	h1 := header(101, genesis)
	require.NoError(t, r.processHeader(context.Background(), h1, onEvent))
	require.Len(t, events, 1)
	require.Equal(t, FollowerBlock, events[0].Kind)
	require.Equal(t, uint64(101), events[0].Block.Number)
	require.Len(t, r.chain, 1)

	tip := r.chain[0]
	h2 := header(102, tip)
	require.NoError(t, r.processHeader(context.Background(), h2, onEvent))
	require.Len(t, events, 2)
	require.Len(t, r.chain, 2)
}

func TestProcessHeaderEmitsFinalizeOnceDepthReached(t *testing.T) {
	genesis := lightBlock{Number: 100}
	r := newTestRealtimeSync(genesis, 2)

	var events []FollowerEvent
	onEvent := func(e FollowerEvent) error {
		events = append(events, e)
		return nil
	}

	prev := genesis
	for n := uint64(101); n <= 104; n++ {
		h := header(n, prev)
		require.NoError(t, r.processHeader(context.Background(), h, onEvent))
		prev = r.chain[len(r.chain)-1]
	}

	var finalizes []FollowerEvent
	for _, e := range events {
		if e.Kind == FollowerFinalize {
			finalizes = append(finalizes, e)
		}
	}
	require.NotEmpty(t, finalizes)
	require.Equal(t, r.finalizedBlock.Number, finalizes[len(finalizes)-1].Block.Number)

	for _, b := range r.chain {
		require.Greater(t, b.Number, r.finalizedBlock.Number)
	}
}

func TestProcessHeaderReorgCrossingFinalizedIsFatal(t *testing.T) {
	genesis := lightBlock{Number: 100}
	r := newTestRealtimeSync(genesis, 10)

	var events []FollowerEvent
	onEvent := func(e FollowerEvent) error {
		events = append(events, e)
		return nil
	}

	tip := lightBlock{Number: 101}
	// A block directly above the finalized block whose parent is not the
	// finalized hash, with no unfinalized blocks held locally: the ancestor
	// walk must refuse to cross the finalized boundary without ever calling
	// out to an RPC client (left nil here).
	h := header(101, tip) // tip's zero hash equals finalizedBlock.Hash, so force a mismatch below
	h.ParentHash = [32]byte{0xAA}

	err := r.processHeader(context.Background(), h, onEvent)
	require.Error(t, err)
	require.Empty(t, events)
}

func TestKillStopsRun(t *testing.T) {
	r := newTestRealtimeSync(lightBlock{Number: 1}, 10)
	r.pollInterval = time.Millisecond
	r.Kill()

	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background(), func(FollowerEvent) error { return nil })
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Kill")
	}
}
