package filter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func u64(v uint64) *uint64 { return &v }

func TestFilterIDStableUnderKeyReordering(t *testing.T) {
	a := Filter{Log: &LogFilter{
		ChainID:   1,
		FromBlock: 0,
		ToBlock:   u64(100),
		Address:   AddressConstraint{Single: "0xABCDEF0000000000000000000000000000000001"},
	}}
	b := Filter{Log: &LogFilter{
		ChainID:   1,
		ToBlock:   u64(100),
		FromBlock: 0,
		Address:   AddressConstraint{Single: "0xabcdef0000000000000000000000000000000001"},
	}}

	require.Equal(t, ID(KindEvent, a), ID(KindEvent, b))
}

func TestFilterIDDiffersWhenAddressSetDiffers(t *testing.T) {
	base := LogFilter{ChainID: 1, FromBlock: 0}
	a := Filter{Log: &LogFilter{ChainID: base.ChainID, FromBlock: base.FromBlock, Address: AddressConstraint{Single: "0x1"}}}
	b := Filter{Log: &LogFilter{ChainID: base.ChainID, FromBlock: base.FromBlock, Address: AddressConstraint{Single: "0x2"}}}

	require.NotEqual(t, ID(KindEvent, a), ID(KindEvent, b))
}

func TestFilterIDCollapsesSingleElementAddressSet(t *testing.T) {
	single := Filter{Log: &LogFilter{ChainID: 1, Address: AddressConstraint{Single: "0xaa"}}}
	set := Filter{Log: &LogFilter{ChainID: 1, Address: AddressConstraint{Set: []string{"0xAA"}}}}

	require.Equal(t, ID(KindEvent, single), ID(KindEvent, set))
}

func TestFilterIDIgnoresAddressSetOrder(t *testing.T) {
	a := Filter{Log: &LogFilter{ChainID: 1, Address: AddressConstraint{Set: []string{"0x1", "0x2"}}}}
	b := Filter{Log: &LogFilter{ChainID: 1, Address: AddressConstraint{Set: []string{"0x2", "0x1"}}}}

	require.Equal(t, ID(KindEvent, a), ID(KindEvent, b))
}

func TestFilterIDDistinguishesLogAndBlock(t *testing.T) {
	log := Filter{Log: &LogFilter{ChainID: 1, FromBlock: 0}}
	block := Filter{Block: &BlockFilter{ChainID: 1, Interval: 1, FromBlock: 0}}

	require.NotEqual(t, ID(KindEvent, log), ID(KindEvent, block))
}

func TestIsChildAddressFilter(t *testing.T) {
	literal := AddressConstraint{Single: "0x1"}
	require.False(t, literal.IsChildAddressFilter())

	child := AddressConstraint{Child: &ChildAddressFilter{ChainID: 1, EventSelector: "0xdead"}}
	require.True(t, child.IsChildAddressFilter())
}

func TestMatchesLogAddressAndTopics(t *testing.T) {
	lf := LogFilter{
		ChainID: 1,
		Address: AddressConstraint{Single: "0xabc"},
		Topics:  [4]TopicConstraint{{"0xtopic0"}, nil, nil, nil},
	}

	ok := MatchesLog("0xABC", [4]string{"0xtopic0", "", "", ""}, [4]bool{true, false, false, false}, lf)
	require.True(t, ok)

	notOk := MatchesLog("0xABC", [4]string{"0xother", "", "", ""}, [4]bool{true, false, false, false}, lf)
	require.False(t, notOk)
}

func TestMatchesLogWildcardAddress(t *testing.T) {
	lf := LogFilter{ChainID: 1}
	require.True(t, MatchesLog("0xanything", [4]string{}, [4]bool{}, lf))
}

func TestMatchesLogChildAddressAlwaysTrueHere(t *testing.T) {
	lf := LogFilter{ChainID: 1, Address: AddressConstraint{Child: &ChildAddressFilter{}}}
	require.True(t, MatchesLog("0xanything", [4]string{}, [4]bool{}, lf))
}

func TestMatchesBlockOffsetAndInterval(t *testing.T) {
	bf := BlockFilter{Interval: 3, Offset: 1, FromBlock: 0, ToBlock: u64(20)}

	var matched []uint64
	for n := uint64(0); n <= 20; n++ {
		if MatchesBlock(n, bf) {
			matched = append(matched, n)
		}
	}

	require.Equal(t, []uint64{1, 4, 7, 10, 13, 16, 19}, matched)
}

func TestMatchesBlockBoundaryInclusive(t *testing.T) {
	bf := BlockFilter{Interval: 1, Offset: 0, FromBlock: 5, ToBlock: u64(10)}
	require.True(t, MatchesBlock(5, bf))
	require.True(t, MatchesBlock(10, bf))
	require.False(t, MatchesBlock(4, bf))
	require.False(t, MatchesBlock(11, bf))
}

func TestMatchesBlockOpenEnded(t *testing.T) {
	bf := BlockFilter{Interval: 1, Offset: 0, FromBlock: 0}
	require.True(t, MatchesBlock(1_000_000, bf))
}
