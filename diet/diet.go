// Package diet implements a discrete interval encoding tree: a sparse
// set of 62-bit integers stored as disjoint, merged ranges. Packet
// number spaces use it for ACK generation and duplicate detection, and
// connections use it to remember closed stream ids.
// Diet is NOT threadsafe.
package diet

import "sort"

// Ival is one closed interval.
type Ival struct {
	Lo, Hi uint64
}

// Diet is a set of integers kept as sorted disjoint intervals.
type Diet struct {
	ivals []Ival
}

// Insert adds n to the set, merging with neighbors where possible.
func (d *Diet) Insert(n uint64) {
	k := sort.Search(len(d.ivals), func(i int) bool { return d.ivals[i].Hi >= n })
	if k < len(d.ivals) && d.ivals[k].Lo <= n {
		// already present
		return
	}

	// try to extend the interval below or above
	extendsBelow := k < len(d.ivals) && n+1 == d.ivals[k].Lo
	extendsAbove := k > 0 && d.ivals[k-1].Hi+1 == n

	switch {
	case extendsBelow && extendsAbove:
		d.ivals[k-1].Hi = d.ivals[k].Hi
		d.ivals = append(d.ivals[:k], d.ivals[k+1:]...)
	case extendsBelow:
		d.ivals[k].Lo = n
	case extendsAbove:
		d.ivals[k-1].Hi = n
	default:
		d.ivals = append(d.ivals, Ival{})
		copy(d.ivals[k+1:], d.ivals[k:])
		d.ivals[k] = Ival{Lo: n, Hi: n}
	}
}

// Find reports whether n is in the set.
func (d *Diet) Find(n uint64) bool {
	k := sort.Search(len(d.ivals), func(i int) bool { return d.ivals[i].Hi >= n })
	return k < len(d.ivals) && d.ivals[k].Lo <= n
}

// Empty reports whether the set has no members.
func (d *Diet) Empty() bool { return len(d.ivals) == 0 }

// Clear removes all members.
func (d *Diet) Clear() { d.ivals = d.ivals[:0] }

// Min returns the smallest member. Only valid when not Empty.
func (d *Diet) Min() uint64 { return d.ivals[0].Lo }

// Max returns the largest member. Only valid when not Empty.
func (d *Diet) Max() uint64 { return d.ivals[len(d.ivals)-1].Hi }

// Ivals returns the intervals in ascending order. The slice aliases the
// set; callers must not mutate it.
func (d *Diet) Ivals() []Ival { return d.ivals }

// Cnt returns the number of intervals.
func (d *Diet) Cnt() int { return len(d.ivals) }
