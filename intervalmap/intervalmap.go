// Package intervalmap provides half-open interval arithmetic over int64
// keys. No other package in this module imports it.
//
// This is a trimmed descendant of a package that also indexed large
// collections of (potentially overlapping) intervals with a 1-D Kd-tree.
// The search index was dropped; the Interval arithmetic it was built on
// remains.
package intervalmap

import "math"

// Key is the type for interval boundaries.
type Key = int64

// Interval defines a half-open interval, [Start, Limit).
type Interval struct {
	// Start is included
	Start Key
	// Limit is excluded.
	Limit Key
}

// Empty is the canonical empty interval.
var Empty = Interval{math.MaxInt64, math.MinInt64}

func min(x, y Key) Key {
	if x < y {
		return x
	}
	return y
}

func max(x, y Key) Key {
	if x < y {
		return y
	}
	return x
}

// Intersects checks if (i∩j) != ∅
func (i Interval) Intersects(j Interval) bool {
	return i.Limit > j.Start && j.Limit > i.Start
}

// Intersect computes i ∩ j. The result may be empty; check with Empty.
func (i Interval) Intersect(j Interval) Interval {
	minKey := max(i.Start, j.Start)
	maxKey := min(i.Limit, j.Limit)
	return Interval{minKey, maxKey}
}

// Empty checks if the interval is empty.
func (i Interval) Empty() bool { return i.Start >= i.Limit }

// Len returns the number of keys covered by i, or 0 if i is empty.
func (i Interval) Len() Key {
	if i.Empty() {
		return 0
	}
	return i.Limit - i.Start
}

// Span computes a minimal interval that spans over both i and j.  If either i
// or j is an empty set, this function returns the other set.
func (i Interval) Span(j Interval) Interval {
	switch {
	case i.Empty():
		return j
	case j.Empty():
		return i
	default:
		return Interval{min(i.Start, j.Start), max(i.Limit, j.Limit)}
	}
}

// Entry associates an Interval with an arbitrary payload, for callers that
// want to carry a chunk index or address alongside the bounds.
type Entry struct {
	Interval Interval
	Data     interface{}
}
