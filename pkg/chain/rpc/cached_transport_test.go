package rpc

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	store map[string][]byte
	gets  int
}

func newFakeCache() *fakeCache { return &fakeCache{store: map[string][]byte{}} }

func (f *fakeCache) key(request string, chainID, blockNumber uint64) string {
	return request + ":" + big.NewInt(int64(chainID)).String() + ":" + big.NewInt(int64(blockNumber)).String()
}

func (f *fakeCache) GetRPCRequestResult(ctx context.Context, request string, chainID, blockNumber uint64) ([]byte, bool, error) {
	f.gets++
	v, ok := f.store[f.key(request, chainID, blockNumber)]
	return v, ok, nil
}

func (f *fakeCache) InsertRPCRequestResult(ctx context.Context, request string, chainID, blockNumber uint64, result []byte) error {
	f.store[f.key(request, chainID, blockNumber)] = result
	return nil
}

func TestCachedTransportLookupRoundTrip(t *testing.T) {
	cache := newFakeCache()
	ct := NewCachedTransport(&Client{}, cache, 7)

	_, ok, err := ct.lookup(context.Background(), "eth_getBlockByNumber", 42)
	require.NoError(t, err)
	require.False(t, ok)

	ct.store(context.Background(), "eth_getBlockByNumber", 42, map[string]string{"hash": "0xabc"})

	raw, ok, err := ct.lookup(context.Background(), "eth_getBlockByNumber", 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"hash":"0xabc"}`, string(raw))
}
