// Package interval implements set algebra over closed integer block ranges.
// Interval difference between a requested window and the already-cached
// intervals is what makes historical sync incremental: it is the basis for
// every RPC call the sync engine avoids re-issuing.
package interval

import "sort"

// Range is a closed integer interval [Lo, Hi]. Hi >= Lo is required by every
// function in this package; callers constructing a Range directly from a
// block range must ensure that invariant themselves.
type Range struct {
	Lo uint64
	Hi uint64
}

// Union sorts the given ranges by Lo and merges any that touch or overlap
// (hiPrev >= loNext-1) into a minimal disjoint, ascending list.
func Union(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}

	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lo < sorted[j].Lo })

	merged := make([]Range, 0, len(sorted))
	current := sorted[0]
	for _, r := range sorted[1:] {
		if r.Lo <= current.Hi+1 {
			if r.Hi > current.Hi {
				current.Hi = r.Hi
			}
			continue
		}
		merged = append(merged, current)
		current = r
	}
	merged = append(merged, current)
	return merged
}

// Difference returns xs \ ys as a minimal disjoint, ascending list: every
// block covered by xs but not by any range in ys.
func Difference(xs, ys []Range) []Range {
	x := Union(xs)
	y := Union(ys)
	if len(x) == 0 {
		return nil
	}
	if len(y) == 0 {
		return x
	}

	var result []Range
	yi := 0
	for _, xr := range x {
		lo := xr.Lo
		hi := xr.Hi

		for lo <= hi {
			// advance past y-ranges that end before lo
			for yi < len(y) && y[yi].Hi < lo {
				yi++
			}
			if yi >= len(y) || y[yi].Lo > hi {
				result = append(result, Range{Lo: lo, Hi: hi})
				break
			}
			yr := y[yi]
			if yr.Lo > lo {
				result = append(result, Range{Lo: lo, Hi: yr.Lo - 1})
			}
			if yr.Hi >= hi {
				lo = hi + 1
				break
			}
			lo = yr.Hi + 1
		}
	}
	return result
}

// Sum returns the total number of blocks covered by the given ranges after
// merging overlaps, i.e. sum(hi - lo + 1) over the disjoint union.
func Sum(ranges []Range) uint64 {
	var total uint64
	for _, r := range Union(ranges) {
		total += r.Hi - r.Lo + 1
	}
	return total
}

// Intersect returns the closed intersection of a and b, and whether it is
// non-empty.
func Intersect(a, b Range) (Range, bool) {
	lo := a.Lo
	if b.Lo > lo {
		lo = b.Lo
	}
	hi := a.Hi
	if b.Hi < hi {
		hi = b.Hi
	}
	if lo > hi {
		return Range{}, false
	}
	return Range{Lo: lo, Hi: hi}, true
}
