package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeLogRoundTrip(t *testing.T) {
	cp := EncodeLog(1_700_000_000, 8453, 123456, 7, 2)
	require.Len(t, cp, Length)

	decoded, err := Decode(cp)
	require.NoError(t, err)
	require.Equal(t, uint64(1_700_000_000), decoded.BlockTimestamp)
	require.Equal(t, uint64(8453), decoded.ChainID)
	require.Equal(t, uint64(123456), decoded.BlockNumber)
	require.Equal(t, uint64(7), decoded.TransactionIndex)
	require.Equal(t, EventTypeLog, decoded.EventType)
	require.Equal(t, uint64(2), decoded.EventIndex)
}

func TestEncodeBlockSortsAfterLogsInSameBlock(t *testing.T) {
	logCp := EncodeLog(1000, 1, 50, 5, 3)
	blockCp := EncodeBlock(1000, 1, 50)

	require.True(t, Less(logCp, blockCp), "a log event must sort before a block event in the same block")
}

func TestEncodeBlockRoundTrip(t *testing.T) {
	cp := EncodeBlock(999, 10, 42)
	decoded, err := Decode(cp)
	require.NoError(t, err)
	require.Equal(t, uint64(999), decoded.BlockTimestamp)
	require.Equal(t, uint64(10), decoded.ChainID)
	require.Equal(t, uint64(42), decoded.BlockNumber)
	require.Equal(t, uint64(9999999999999999), decoded.TransactionIndex)
	require.Equal(t, uint64(0), decoded.EventIndex)
}

func TestLexicalOrderMatchesTupleOrder(t *testing.T) {
	a := EncodeLog(100, 1, 1, 0, 0)
	b := EncodeLog(101, 1, 1, 0, 0)
	require.True(t, Less(a, b))

	c := EncodeLog(100, 1, 1, 0, 0)
	d := EncodeLog(100, 2, 1, 0, 0)
	require.True(t, Less(c, d), "chain id is the second ordering field")
}

func TestMinPicksLexicalMinimum(t *testing.T) {
	a := EncodeLog(100, 5, 1, 0, 0)
	b := EncodeLog(50, 5, 1, 0, 0)
	c := EncodeLog(200, 5, 1, 0, 0)

	require.Equal(t, b, Min(a, b, c))
}

func TestZeroAndMaxSentinelsBoundEverything(t *testing.T) {
	cp := EncodeLog(123, 456, 789, 1, 1)
	require.True(t, Less(Zero, cp))
	require.True(t, Less(cp, Max))
	require.Len(t, Zero, Length)
	require.Len(t, Max, Length)
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	_, err := Decode("short")
	require.Error(t, err)
}

func TestLowerBoundSortsBeforeAnyRealCheckpointAtSameHeight(t *testing.T) {
	lower := LowerBound(100, 8453, 123456)
	require.Len(t, lower, Length)
	require.True(t, Less(lower, EncodeLog(100, 8453, 123456, 0, 0)) || lower == EncodeLog(100, 8453, 123456, 0, 0))
	require.True(t, Less(lower, EncodeLog(100, 8453, 123456, 1, 0)))
}

func TestUpperBoundSortsAfterAnyRealCheckpointAtSameHeight(t *testing.T) {
	upper := UpperBound(100, 8453, 123456)
	require.Len(t, upper, Length)
	require.True(t, Less(EncodeLog(100, 8453, 123456, 999, 999), upper))
	require.True(t, Less(EncodeBlock(100, 8453, 123456), upper) || EncodeBlock(100, 8453, 123456) == upper)
}

func TestLowerAndUpperBoundAgreeWithChainIDOrdering(t *testing.T) {
	require.True(t, Less(LowerBound(100, 1, 1), LowerBound(100, 2, 1)))
	require.True(t, Less(UpperBound(100, 1, 1), UpperBound(100, 2, 1)))
}
