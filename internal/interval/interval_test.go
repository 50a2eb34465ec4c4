package interval

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnionMergesOverlappingAndAdjacent(t *testing.T) {
	got := Union([]Range{
		{Lo: 10, Hi: 20},
		{Lo: 0, Hi: 5},
		{Lo: 21, Hi: 25}, // adjacent to [10,20]
		{Lo: 30, Hi: 40},
		{Lo: 35, Hi: 45}, // overlaps [30,40]
	})

	require.Equal(t, []Range{
		{Lo: 0, Hi: 5},
		{Lo: 10, Hi: 25},
		{Lo: 30, Hi: 45},
	}, got)
}

func TestUnionEmpty(t *testing.T) {
	require.Nil(t, Union(nil))
}

func TestUnionIsAssociativeAndCommutative(t *testing.T) {
	xs := []Range{{Lo: 0, Hi: 3}, {Lo: 10, Hi: 12}}
	ys := []Range{{Lo: 2, Hi: 5}, {Lo: 20, Hi: 22}}

	combined := append(append([]Range{}, xs...), ys...)
	lhs := Union(combined)
	rhs := Union(append(Union(xs), Union(ys)...))
	require.Equal(t, lhs, rhs)
}

func TestDifferenceBasic(t *testing.T) {
	xs := []Range{{Lo: 0, Hi: 100}}
	ys := []Range{{Lo: 10, Hi: 20}, {Lo: 50, Hi: 60}}

	got := Difference(xs, ys)
	require.Equal(t, []Range{
		{Lo: 0, Hi: 9},
		{Lo: 21, Hi: 49},
		{Lo: 61, Hi: 100},
	}, got)
}

func TestDifferenceNoOverlap(t *testing.T) {
	xs := []Range{{Lo: 0, Hi: 5}}
	ys := []Range{{Lo: 10, Hi: 20}}
	require.Equal(t, xs, Difference(xs, ys))
}

func TestDifferenceFullyCovered(t *testing.T) {
	xs := []Range{{Lo: 5, Hi: 10}}
	ys := []Range{{Lo: 0, Hi: 20}}
	require.Nil(t, Difference(xs, ys))
}

func TestDifferenceEmptyY(t *testing.T) {
	xs := []Range{{Lo: 0, Hi: 5}, {Lo: 10, Hi: 12}}
	require.Equal(t, Union(xs), Difference(xs, nil))
}

func TestDifferenceMultipleXRanges(t *testing.T) {
	xs := []Range{{Lo: 0, Hi: 10}, {Lo: 20, Hi: 30}}
	ys := []Range{{Lo: 5, Hi: 25}}

	got := Difference(xs, ys)
	require.Equal(t, []Range{
		{Lo: 0, Hi: 4},
		{Lo: 26, Hi: 30},
	}, got)
}

func TestSum(t *testing.T) {
	require.Equal(t, uint64(0), Sum(nil))
	require.Equal(t, uint64(11), Sum([]Range{{Lo: 0, Hi: 10}}))
	// Overlapping ranges must not be double-counted.
	require.Equal(t, uint64(11), Sum([]Range{{Lo: 0, Hi: 10}, {Lo: 5, Hi: 8}}))
}

func TestIntersect(t *testing.T) {
	r, ok := Intersect(Range{Lo: 0, Hi: 10}, Range{Lo: 5, Hi: 20})
	require.True(t, ok)
	require.Equal(t, Range{Lo: 5, Hi: 10}, r)

	_, ok = Intersect(Range{Lo: 0, Hi: 4}, Range{Lo: 5, Hi: 10})
	require.False(t, ok)
}
