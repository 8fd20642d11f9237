// Package idset implements compact sets of non-negative integers with
// range-compressed encoding ("0-3,5,7"), modeled after the resource-set
// library's IdSet primitive. Sets are value-like: every mutating method
// works against the receiver in place, but Copy produces an independent
// deep copy and decoded/derived sets never alias their source's storage.
package idset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
)

// Invalid is returned by First/Next/Last/Nth when no element satisfies
// the query.
const Invalid = ^uint(0)

// Flag controls encode/decode and growth behavior.
type Flag int

const (
	// FlagRange enables "lo-hi" run-length compression on encode.
	FlagRange Flag = 1 << iota
	// FlagBrackets wraps multi-element output in "[...]".
	FlagBrackets
	// FlagAutogrow lets Set extend capacity instead of failing.
	FlagAutogrow
)

// DefaultFlags matches what the reference CLI uses by default.
const DefaultFlags = FlagRange | FlagBrackets

// defaultCapacity is the implicit capacity of a non-growable set created
// with Create(false); it exists purely to give "no space" a meaning to
// test against, since a Go map has no intrinsic capacity limit.
const defaultCapacity = 1 << 16

// Set is a finite set of non-negative integers.
type Set struct {
	ids      map[uint]struct{}
	growable bool
	capacity uint
}

// Create returns an empty set. A growable set accepts any non-negative
// id via Set; a non-growable set rejects ids beyond its implicit
// capacity unless FlagAutogrow is passed to Set.
func Create(growable bool) *Set {
	return &Set{
		ids:      make(map[uint]struct{}),
		growable: growable,
		capacity: defaultCapacity,
	}
}

// Copy returns a deep, independent copy.
func (s *Set) Copy() *Set {
	out := &Set{
		ids:      make(map[uint]struct{}, len(s.ids)),
		growable: s.growable,
		capacity: s.capacity,
	}
	for id := range s.ids {
		out.ids[id] = struct{}{}
	}
	return out
}

func hasFlag(flags []Flag, want Flag) bool {
	for _, f := range flags {
		if f&want != 0 {
			return true
		}
	}
	return false
}

// Set adds id to the set, growing capacity if the set is growable or
// FlagAutogrow is given; otherwise an out-of-range id fails with
// rfcerr.ErrNoSpace.
func (s *Set) Set(id uint, flags ...Flag) error {
	if id >= s.capacity {
		if s.growable || hasFlag(flags, FlagAutogrow) {
			s.capacity = id + 1
		} else {
			return fmt.Errorf("idset: add %d: %w", id, rfcerr.ErrNoSpace)
		}
	}
	s.ids[id] = struct{}{}
	return nil
}

// Clear removes id if present; it is not an error to clear an absent id.
func (s *Set) Clear(id uint) {
	delete(s.ids, id)
}

// Add is Set without error semantics, always growing; convenient for
// callers that already know the id fits (decode, union, etc).
func (s *Set) Add(id uint) {
	if id >= s.capacity {
		s.capacity = id + 1
	}
	s.ids[id] = struct{}{}
}

// Subtract removes every id present in other.
func (s *Set) Subtract(other *Set) {
	if other == nil {
		return
	}
	for id := range other.ids {
		delete(s.ids, id)
	}
}

// Test reports whether id is a member.
func (s *Set) Test(id uint) bool {
	_, ok := s.ids[id]
	return ok
}

// Count returns the cardinality.
func (s *Set) Count() int {
	return len(s.ids)
}

// Empty reports whether the set has no members.
func (s *Set) Empty() bool {
	return len(s.ids) == 0
}

// sorted returns members in ascending order.
func (s *Set) sorted() []uint {
	out := make([]uint, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// First returns the smallest member, or Invalid if empty.
func (s *Set) First() uint {
	sorted := s.sorted()
	if len(sorted) == 0 {
		return Invalid
	}
	return sorted[0]
}

// Last returns the largest member, or Invalid if empty.
func (s *Set) Last() uint {
	sorted := s.sorted()
	if len(sorted) == 0 {
		return Invalid
	}
	return sorted[len(sorted)-1]
}

// Next returns the smallest member strictly greater than id, or Invalid.
func (s *Set) Next(id uint) uint {
	next := Invalid
	for _, member := range s.sorted() {
		if member > id {
			next = member
			break
		}
	}
	return next
}

// Nth returns the i-th smallest member (0-indexed), or Invalid if out of
// range.
func (s *Set) Nth(i int) uint {
	sorted := s.sorted()
	if i < 0 || i >= len(sorted) {
		return Invalid
	}
	return sorted[i]
}

// Equal reports set equality.
func (s *Set) Equal(other *Set) bool {
	if other == nil {
		return s.Empty()
	}
	if len(s.ids) != len(other.ids) {
		return false
	}
	for id := range s.ids {
		if _, ok := other.ids[id]; !ok {
			return false
		}
	}
	return true
}

// Union returns a new set containing members of both a and b.
func Union(a, b *Set) *Set {
	out := a.Copy()
	if b != nil {
		for id := range b.ids {
			out.Add(id)
		}
	}
	return out
}

// Intersect returns a new set containing members present in both a and b.
func Intersect(a, b *Set) *Set {
	out := Create(true)
	if a == nil || b == nil {
		return out
	}
	small, large := a, b
	if len(b.ids) < len(a.ids) {
		small, large = b, a
	}
	for id := range small.ids {
		if _, ok := large.ids[id]; ok {
			out.Add(id)
		}
	}
	return out
}

// Difference returns a new set containing members of a not present in b.
func Difference(a, b *Set) *Set {
	out := a.Copy()
	out.Subtract(b)
	return out
}

// Decode parses a range-compressed string ("0-3,5,7") into a growable
// set. Empty string decodes to the empty set.
func Decode(str string) (*Set, error) {
	out := Create(true)
	str = strings.TrimSpace(str)
	if str == "" {
		return out, nil
	}
	for _, item := range strings.Split(str, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			return nil, fmt.Errorf("idset: decode %q: %w", str, rfcerr.ErrInvalid)
		}
		if dash := strings.IndexByte(item, '-'); dash > 0 {
			lo, err := strconv.ParseUint(item[:dash], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("idset: decode %q: %w", str, rfcerr.ErrInvalid)
			}
			hi, err := strconv.ParseUint(item[dash+1:], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("idset: decode %q: %w", str, rfcerr.ErrInvalid)
			}
			if lo > hi {
				return nil, fmt.Errorf("idset: decode %q: lo>hi: %w", str, rfcerr.ErrInvalid)
			}
			for i := lo; i <= hi; i++ {
				out.Add(uint(i))
			}
		} else {
			v, err := strconv.ParseUint(item, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("idset: decode %q: %w", str, rfcerr.ErrInvalid)
			}
			out.Add(uint(v))
		}
	}
	return out, nil
}

// Encode produces the canonical string form: smallest id first, "lo-hi"
// runs when FlagRange is set, wrapped in brackets when FlagBrackets is
// set and there is more than one element.
func (s *Set) Encode(flags Flag) string {
	sorted := s.sorted()
	if len(sorted) == 0 {
		return ""
	}
	var parts []string
	if flags&FlagRange != 0 {
		i := 0
		for i < len(sorted) {
			j := i
			for j+1 < len(sorted) && sorted[j+1] == sorted[j]+1 {
				j++
			}
			if j > i {
				parts = append(parts, fmt.Sprintf("%d-%d", sorted[i], sorted[j]))
			} else {
				parts = append(parts, strconv.FormatUint(uint64(sorted[i]), 10))
			}
			i = j + 1
		}
	} else {
		for _, id := range sorted {
			parts = append(parts, strconv.FormatUint(uint64(id), 10))
		}
	}
	body := strings.Join(parts, ",")
	if flags&FlagBrackets != 0 && len(sorted) > 1 {
		return "[" + body + "]"
	}
	return body
}

// String implements fmt.Stringer using DefaultFlags.
func (s *Set) String() string {
	return s.Encode(DefaultFlags)
}
