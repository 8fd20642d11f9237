// Package rnode models a single execution target: a rank, an optional
// hostname, an up/down flag, and a set of named resource pools (always
// including "core") each tracking total ids versus currently available
// ids. Every operation here is value-preserving — copies are deep and
// never alias their source's pools, mirroring the idset/hostlist value
// semantics these pools are built from.
package rnode

import (
	"fmt"
	"sort"
	"strings"

	"github.com/khryptorgraphics/flowmesh/pkg/idset"
	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
)

// CorePool is the resource-class name every Rnode always carries, even
// when empty.
const CorePool = "core"

// reservedPropertyChars may not appear in a property name.
const reservedPropertyChars = "^&'\"`|()"

// Pool is one named resource class: the full id set and the subset
// currently available for allocation.
type Pool struct {
	IDs   *idset.Set
	Avail *idset.Set
}

func (p *Pool) copy() *Pool {
	return &Pool{IDs: p.IDs.Copy(), Avail: p.Avail.Copy()}
}

// Rnode is one host's resource inventory.
type Rnode struct {
	Rank int
	Host string
	Up   bool

	Children   map[string]*Pool
	Properties map[string]struct{}
}

// New returns an empty, up Rnode with an empty core pool installed.
func New(rank int, host string) *Rnode {
	return &Rnode{
		Rank: rank,
		Host: host,
		Up:   true,
		Children: map[string]*Pool{
			CorePool: {IDs: idset.Create(true), Avail: idset.Create(true)},
		},
		Properties: make(map[string]struct{}),
	}
}

// Copy returns a fully independent deep copy.
func (r *Rnode) Copy() *Rnode {
	out := &Rnode{
		Rank:       r.Rank,
		Host:       r.Host,
		Up:         r.Up,
		Children:   make(map[string]*Pool, len(r.Children)),
		Properties: make(map[string]struct{}, len(r.Properties)),
	}
	for name, p := range r.Children {
		out.Children[name] = p.copy()
	}
	for name := range r.Properties {
		out.Properties[name] = struct{}{}
	}
	return out
}

// CopyEmpty returns a copy where every pool's avail is reset to its
// full id set — i.e. nothing allocated.
func (r *Rnode) CopyEmpty() *Rnode {
	out := r.Copy()
	for _, p := range out.Children {
		p.Avail = p.IDs.Copy()
	}
	return out
}

// CopyAvail returns a copy where every pool's ids are shrunk down to
// just what was available, discarding allocated ids entirely.
func (r *Rnode) CopyAvail() *Rnode {
	out := r.Copy()
	for _, p := range out.Children {
		p.IDs = p.Avail.Copy()
		p.Avail = p.Avail.Copy()
	}
	return out
}

// CopyAlloc returns a copy representing only what is currently
// allocated: ids becomes ids−avail, and avail is reset to match ids
// (the allocated view's own ids are, by definition, fully "available"
// from the view's perspective — there is nothing else left to take).
func (r *Rnode) CopyAlloc() *Rnode {
	out := r.Copy()
	for _, p := range out.Children {
		allocated := idset.Difference(p.IDs, p.Avail)
		p.IDs = allocated
		p.Avail = allocated.Copy()
	}
	return out
}

// CopyCores returns a copy retaining only the core pool.
func (r *Rnode) CopyCores() *Rnode {
	out := &Rnode{
		Rank:       r.Rank,
		Host:       r.Host,
		Up:         r.Up,
		Children:   make(map[string]*Pool, 1),
		Properties: make(map[string]struct{}, len(r.Properties)),
	}
	if core, ok := r.Children[CorePool]; ok {
		out.Children[CorePool] = core.copy()
	} else {
		out.Children[CorePool] = &Pool{IDs: idset.Create(true), Avail: idset.Create(true)}
	}
	for name := range r.Properties {
		out.Properties[name] = struct{}{}
	}
	return out
}

// AddChild installs ids (fully available) as a new pool, or merges
// into an existing one. Merging requires disjointness: an id already
// present in the pool is an error.
func (r *Rnode) AddChild(name string, ids *idset.Set) error {
	return r.AddChildIdset(name, ids, ids)
}

// AddChildIdset is AddChild with an explicit avail subset.
func (r *Rnode) AddChildIdset(name string, ids, avail *idset.Set) error {
	existing, ok := r.Children[name]
	if !ok {
		r.Children[name] = &Pool{IDs: ids.Copy(), Avail: avail.Copy()}
		return nil
	}
	if idset.Intersect(existing.IDs, ids).Count() > 0 {
		return fmt.Errorf("rnode: add child %q: overlapping ids: %w", name, rfcerr.ErrExists)
	}
	existing.IDs = idset.Union(existing.IDs, ids)
	existing.Avail = idset.Union(existing.Avail, avail)
	return nil
}

// Diff subtracts every id in b's pools from the matching pool in a,
// skipping a pool named in ignoreMask. Non-core pools that become
// empty after subtraction are dropped entirely; core is always
// retained, even empty.
func Diff(a, b *Rnode, ignoreMask map[string]bool) (*Rnode, error) {
	out := a.Copy()
	for name, bp := range b.Children {
		if ignoreMask[name] {
			continue
		}
		ap, ok := out.Children[name]
		if !ok {
			continue
		}
		ap.IDs.Subtract(bp.IDs)
		ap.Avail.Subtract(bp.IDs)
		if name != CorePool && ap.IDs.Empty() {
			delete(out.Children, name)
		}
	}
	return out, nil
}

// Intersect requires a.Rank == b.Rank and, when both set, a.Host ==
// b.Host, then intersects every shared pool's ids and avail.
func Intersect(a, b *Rnode) (*Rnode, error) {
	if a.Rank != b.Rank {
		return nil, fmt.Errorf("rnode: intersect: rank mismatch %d != %d: %w", a.Rank, b.Rank, rfcerr.ErrInvalid)
	}
	if a.Host != "" && b.Host != "" && a.Host != b.Host {
		return nil, fmt.Errorf("rnode: intersect: host mismatch %q != %q: %w", a.Host, b.Host, rfcerr.ErrInvalid)
	}
	out := &Rnode{
		Rank:       a.Rank,
		Host:       a.Host,
		Up:         a.Up && b.Up,
		Children:   make(map[string]*Pool),
		Properties: make(map[string]struct{}),
	}
	for name, ap := range a.Children {
		bp, ok := b.Children[name]
		if !ok {
			continue
		}
		out.Children[name] = &Pool{
			IDs:   idset.Intersect(ap.IDs, bp.IDs),
			Avail: idset.Intersect(ap.Avail, bp.Avail),
		}
	}
	for name := range a.Properties {
		if _, ok := b.Properties[name]; ok {
			out.Properties[name] = struct{}{}
		}
	}
	return out, nil
}

// Alloc picks the count lowest-numbered available core ids, removing
// them from avail, and returns them as a new set.
func (r *Rnode) Alloc(count int) (*idset.Set, error) {
	if !r.Up {
		return nil, fmt.Errorf("rnode: alloc: rank %d is down: %w", r.Rank, rfcerr.ErrHostDown)
	}
	core := r.Children[CorePool]
	if core.Avail.Count() < count {
		return nil, fmt.Errorf("rnode: alloc: rank %d has %d available, want %d: %w", r.Rank, core.Avail.Count(), count, rfcerr.ErrNoSpace)
	}
	out := idset.Create(true)
	taken := 0
	id := core.Avail.First()
	for taken < count && id != idset.Invalid {
		out.Add(id)
		next := core.Avail.Next(id)
		core.Avail.Clear(id)
		id = next
		taken++
	}
	return out, nil
}

// AllocIdset allocates a caller-specified set of core ids: every id
// must already be present in the core pool (ENOENT otherwise) and
// currently available (EEXIST otherwise).
func (r *Rnode) AllocIdset(ids *idset.Set) error {
	core := r.Children[CorePool]
	for id := ids.First(); id != idset.Invalid; id = ids.Next(id) {
		if !core.IDs.Test(id) {
			return fmt.Errorf("rnode: alloc idset: rank %d has no id %d: %w", r.Rank, id, rfcerr.ErrNotFound)
		}
		if !core.Avail.Test(id) {
			return fmt.Errorf("rnode: alloc idset: rank %d id %d already allocated: %w", r.Rank, id, rfcerr.ErrExists)
		}
	}
	for id := ids.First(); id != idset.Invalid; id = ids.Next(id) {
		core.Avail.Clear(id)
	}
	return nil
}

// FreeIdset is AllocIdset's inverse: ENOENT if an id isn't in the core
// pool, EEXIST if it is already free.
func (r *Rnode) FreeIdset(ids *idset.Set) error {
	core := r.Children[CorePool]
	for id := ids.First(); id != idset.Invalid; id = ids.Next(id) {
		if !core.IDs.Test(id) {
			return fmt.Errorf("rnode: free idset: rank %d has no id %d: %w", r.Rank, id, rfcerr.ErrNotFound)
		}
		if core.Avail.Test(id) {
			return fmt.Errorf("rnode: free idset: rank %d id %d already free: %w", r.Rank, id, rfcerr.ErrExists)
		}
	}
	for id := ids.First(); id != idset.Invalid; id = ids.Next(id) {
		core.Avail.Add(id)
	}
	return nil
}

// Remap renumbers every pool not listed in noremap to a dense
// [0, |ids|-1] range, translating avail membership by index so the
// same ids that were available before remain available afterward.
func (r *Rnode) Remap(noremap map[string]bool) {
	for name, p := range r.Children {
		if noremap[name] {
			continue
		}
		newIDs := idset.Create(true)
		newAvail := idset.Create(true)
		idx := uint(0)
		for id := p.IDs.First(); id != idset.Invalid; id = p.IDs.Next(id) {
			newIDs.Add(idx)
			if p.Avail.Test(id) {
				newAvail.Add(idx)
			}
			idx++
		}
		p.IDs = newIDs
		p.Avail = newAvail
	}
}

// SetProperty adds name to this rnode's property set. A name containing
// any reserved character is rejected; '^' is among them, since the
// constraint engine reads a leading '^' as negation rather than as part
// of a stored property name.
func (r *Rnode) SetProperty(name string) error {
	if strings.ContainsAny(name, reservedPropertyChars) {
		return fmt.Errorf("rnode: set property %q: reserved character: %w", name, rfcerr.ErrInvalid)
	}
	r.Properties[name] = struct{}{}
	return nil
}

// RemoveProperty removes name if present; absent is not an error.
func (r *Rnode) RemoveProperty(name string) {
	delete(r.Properties, name)
}

// HasProperty reports membership.
func (r *Rnode) HasProperty(name string) bool {
	_, ok := r.Properties[name]
	return ok
}

// Cmp gives a total order over rnodes: a child-pool-shape mismatch
// (different pool names present) sorts by pool count, then by name;
// otherwise compares each pool's avail set in name order, first
// differing element wins, with a missing element (idset.Invalid)
// sorting before any real id.
func Cmp(a, b *Rnode) int {
	an, bn := sortedPoolNames(a), sortedPoolNames(b)
	if len(an) != len(bn) {
		if len(an) < len(bn) {
			return -1
		}
		return 1
	}
	for i := range an {
		if an[i] != bn[i] {
			return strings.Compare(an[i], bn[i])
		}
	}
	for _, name := range an {
		if c := idsetCmp(a.Children[name].Avail, b.Children[name].Avail); c != 0 {
			return c
		}
	}
	return 0
}

func idsetCmp(a, b *idset.Set) int {
	av, bv := a.First(), b.First()
	for av != idset.Invalid || bv != idset.Invalid {
		if av != bv {
			if av == idset.Invalid {
				return -1
			}
			if bv == idset.Invalid {
				return 1
			}
			if av < bv {
				return -1
			}
			return 1
		}
		av, bv = a.Next(av), b.Next(bv)
	}
	return 0
}

func sortedPoolNames(r *Rnode) []string {
	names := make([]string, 0, len(r.Children))
	for name := range r.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
