// Package tree implements the TCP tree overlay: deterministic shape
// computation, three wireup drivers, abort broadcast, and the
// tree-check that closes out every collective.
package tree

import "sort"

// Kind selects the overlay's shape.
type Kind int

const (
	// Binomial gives rank 0 (or any sub-root) up to ceil(log2 n)
	// children, built by recursively halving the remaining range.
	Binomial Kind = iota
	// Binary restricts every interior rank to at most 2 children.
	Binary
)

// Shape is the fully materialized tree for n ranks: every process
// computes this independently and must arrive at the identical result,
// since no communication happens before it is known.
type Shape struct {
	N        int
	Kind     Kind
	Parent   []int // Parent[r] == -1 for the root
	Children [][]int
	Subtree  []int // Subtree[r] is the inclusive size of r's subtree
	Depth    []int
}

// Build computes the shape for n ranks rooted at rank 0.
func Build(kind Kind, n int) *Shape {
	s := &Shape{
		N:        n,
		Kind:     kind,
		Parent:   make([]int, n),
		Children: make([][]int, n),
		Subtree:  make([]int, n),
		Depth:    make([]int, n),
	}
	if n == 0 {
		return s
	}
	s.Parent[0] = -1
	var build func(lo, hi, parent, depth int)
	switch kind {
	case Binary:
		build = func(lo, hi, parent, depth int) {
			s.Parent[lo] = parent
			s.Subtree[lo] = hi - lo + 1
			s.Depth[lo] = depth
			remLo, remHi := lo+1, hi
			if remLo > remHi {
				return
			}
			m := remHi - remLo + 1
			mid := remLo + (m-1)/2
			s.Children[lo] = append(s.Children[lo], mid)
			build(mid, remHi, lo, depth+1)
			if mid-1 >= remLo {
				s.Children[lo] = append(s.Children[lo], remLo)
				build(remLo, mid-1, lo, depth+1)
			}
		}
	default:
		build = func(lo, hi, parent, depth int) {
			s.Parent[lo] = parent
			s.Subtree[lo] = hi - lo + 1
			s.Depth[lo] = depth
			remLo := lo + 1
			for remLo <= hi {
				size := hi - remLo + 1
				half := (size + 1) / 2
				childHi := remLo + half - 1
				s.Children[lo] = append(s.Children[lo], remLo)
				build(remLo, childHi, lo, depth+1)
				remLo = childHi + 1
			}
		}
	}
	build(0, n-1, -1, 0)

	// The binary split appends the far half before the near half so the
	// two subtrees grow independently; collectives need ascending rank
	// order to treat each rank's children as a contiguous run, so that
	// invariant is restored here rather than threaded through build.
	for r := range s.Children {
		sort.Ints(s.Children[r])
	}
	return s
}

// ChildIndex returns the position of child within Children[rank], used
// to compute a child's slice of a scatter/gather payload from its
// subtree-size offset.
func (s *Shape) ChildIndex(rank, child int) int {
	for i, c := range s.Children[rank] {
		if c == child {
			return i
		}
	}
	return -1
}

// SubtreeRange returns the inclusive [lo, hi] rank range covered by the
// subtree rooted at rank, derived from Subtree: every subtree is
// contiguous by construction (invariant ii of §3).
func (s *Shape) SubtreeRange(rank int) (lo, hi int) {
	return rank, rank + s.Subtree[rank] - 1
}
