// Package rlist models a whole resource set: a collection of rnodes
// indexed by rank, plus the set-algebra, projection, mutation, and
// query operations a scheduler needs to turn "the cluster" into "what
// this job gets." It is the rnode package generalized from one host to
// a fleet.
package rlist

import (
	"fmt"
	"sort"

	"github.com/khryptorgraphics/flowmesh/pkg/constraint"
	"github.com/khryptorgraphics/flowmesh/pkg/hostlist"
	"github.com/khryptorgraphics/flowmesh/pkg/idset"
	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
	"github.com/khryptorgraphics/flowmesh/pkg/rnode"
)

// Rlist is a collection of rnodes, keyed by rank.
type Rlist struct {
	Nodes map[int]*rnode.Rnode

	// Scheduling is the opaque scheduling-key payload carried through
	// to_R/from_R round trips byte-for-byte without interpretation.
	Scheduling []byte

	Starttime  float64
	Expiration float64
	Nslots     int
}

// Create returns an empty Rlist.
func Create() *Rlist {
	return &Rlist{Nodes: make(map[int]*rnode.Rnode)}
}

// ConfigEntry is one element of the resource-config input array: a
// group of hosts sharing an identical core (and optional gpu) layout.
type ConfigEntry struct {
	Hosts      string
	Cores      string
	GPUs       string
	Properties []string
}

// FromConfig builds an Rlist from a resource-config array, expanding
// each entry's hosts hostlist and assigning ranks in first-seen order
// across the whole array. A host repeated across entries accumulates
// resources (and must not specify overlapping ids in the repeats).
func FromConfig(entries []ConfigEntry) (*Rlist, error) {
	rl := Create()
	rank := 0
	seen := make(map[string]int)

	for i, e := range entries {
		hl, err := hostlist.Decode(e.Hosts)
		if err != nil {
			return nil, fmt.Errorf("rlist: from config[%d]: hosts %q: %w", i, e.Hosts, err)
		}
		if hl.Count() == 0 {
			return nil, fmt.Errorf("rlist: from config[%d]: empty hostlist: %w", i, rfcerr.ErrInvalid)
		}
		var cores, gpus *idset.Set
		if e.Cores != "" {
			cores, err = idset.Decode(e.Cores)
			if err != nil {
				return nil, fmt.Errorf("rlist: from config[%d]: cores %q: %w", i, e.Cores, err)
			}
		} else {
			cores = idset.Create(true)
		}
		if e.GPUs != "" {
			gpus, err = idset.Decode(e.GPUs)
			if err != nil {
				return nil, fmt.Errorf("rlist: from config[%d]: gpus %q: %w", i, e.GPUs, err)
			}
		}

		for _, host := range hl.Hosts() {
			r, ok := seen[host]
			if !ok {
				r = rank
				seen[host] = r
				rank++
				rl.Nodes[r] = rnode.New(r, host)
			}
			n := rl.Nodes[r]
			if err := n.AddChild(rnode.CorePool, cores); err != nil {
				return nil, fmt.Errorf("rlist: from config[%d]: host %s: %w", i, host, err)
			}
			if gpus != nil {
				if err := n.AddChild("gpu", gpus); err != nil {
					return nil, fmt.Errorf("rlist: from config[%d]: host %s: %w", i, host, err)
				}
			}
			for _, p := range e.Properties {
				if err := n.SetProperty(p); err != nil {
					return nil, fmt.Errorf("rlist: from config[%d]: host %s: %w", i, host, err)
				}
			}
		}
	}
	if len(rl.Nodes) == 0 {
		return nil, fmt.Errorf("rlist: from config: no hosts configured: %w", rfcerr.ErrInvalid)
	}
	return rl, nil
}

// FromHwloc creates a single-rank Rlist for local discovery. Full
// hwloc XML topology parsing is out of scope here (see DESIGN.md); xml
// is scanned only for a coarse Core count via a lightweight pattern,
// enough to stand in for the real discovery step this constructor
// represents.
func FromHwloc(rank int, host, xml string) (*Rlist, error) {
	rl := Create()
	n := rnode.New(rank, host)
	count := countCoreOccurrences(xml)
	if count > 0 {
		ids := idset.Create(true)
		for i := 0; i < count; i++ {
			ids.Add(uint(i))
		}
		if err := n.AddChild(rnode.CorePool, ids); err != nil {
			return nil, err
		}
	}
	rl.Nodes[rank] = n
	return rl, nil
}

func countCoreOccurrences(xml string) int {
	const marker = `type="Core"`
	count := 0
	for i := 0; i+len(marker) <= len(xml); i++ {
		if xml[i:i+len(marker)] == marker {
			count++
		}
	}
	return count
}

func sortedRanks(rl *Rlist) []int {
	ranks := make([]int, 0, len(rl.Nodes))
	for r := range rl.Nodes {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	return ranks
}

// Append merges rl2's nodes into a copy of rl: ranks present in both
// are merged pool-wise (disjointness required, same as rnode.AddChild);
// ranks present only in rl2 are added as new nodes.
func Append(rl, rl2 *Rlist) (*Rlist, error) {
	out := rl.deepCopy()
	for _, r := range sortedRanks(rl2) {
		n2 := rl2.Nodes[r]
		existing, ok := out.Nodes[r]
		if !ok {
			out.Nodes[r] = n2.Copy()
			continue
		}
		for name, pool := range n2.Children {
			if err := existing.AddChildIdset(name, pool.IDs, pool.Avail); err != nil {
				return nil, fmt.Errorf("rlist: append rank %d: %w", r, err)
			}
		}
		for p := range n2.Properties {
			_ = existing.SetProperty(p)
		}
	}
	return out, nil
}

// Add is Append tolerant of overlap: rl2's resources are first
// diffed against rl so that only the genuinely new portion is merged.
func Add(rl, rl2 *Rlist) (*Rlist, error) {
	diffed, err := Diff(rl2, rl)
	if err != nil {
		return nil, err
	}
	return Append(rl, diffed)
}

// Diff subtracts rlb's resources from matching ranks in rla. A node
// whose every pool becomes empty after subtraction is dropped entirely
// from the result (unlike rnode.Diff, which always retains "core").
// Ranks present only in rla are untouched; ranks only in rlb are
// ignored.
func Diff(rla, rlb *Rlist) (*Rlist, error) {
	out := Create()
	out.Scheduling = rla.Scheduling
	out.Starttime, out.Expiration, out.Nslots = rla.Starttime, rla.Expiration, rla.Nslots
	for _, r := range sortedRanks(rla) {
		na := rla.Nodes[r]
		nb, ok := rlb.Nodes[r]
		if !ok {
			out.Nodes[r] = na.Copy()
			continue
		}
		d, err := rnode.Diff(na, nb, nil)
		if err != nil {
			return nil, fmt.Errorf("rlist: diff rank %d: %w", r, err)
		}
		if nodeTotalEmpty(d) {
			continue
		}
		out.Nodes[r] = d
	}
	return out, nil
}

func nodeTotalEmpty(n *rnode.Rnode) bool {
	for _, p := range n.Children {
		if !p.IDs.Empty() {
			return false
		}
	}
	return true
}

// Union is diff(rla, rlb) with rlb appended back on: everything in
// rla not overlapping rlb, plus all of rlb.
func Union(rla, rlb *Rlist) (*Rlist, error) {
	d, err := Diff(rla, rlb)
	if err != nil {
		return nil, err
	}
	return Append(d, rlb)
}

// Intersect keeps only ranks present in both, pool-wise intersected.
func Intersect(rla, rlb *Rlist) (*Rlist, error) {
	out := Create()
	for _, r := range sortedRanks(rla) {
		nb, ok := rlb.Nodes[r]
		if !ok {
			continue
		}
		result, err := rnode.Intersect(rla.Nodes[r], nb)
		if err != nil {
			return nil, fmt.Errorf("rlist: intersect rank %d: %w", r, err)
		}
		out.Nodes[r] = result
	}
	return out, nil
}

func (rl *Rlist) deepCopy() *Rlist {
	out := &Rlist{
		Nodes:      make(map[int]*rnode.Rnode, len(rl.Nodes)),
		Scheduling: rl.Scheduling,
		Starttime:  rl.Starttime,
		Expiration: rl.Expiration,
		Nslots:     rl.Nslots,
	}
	for r, n := range rl.Nodes {
		out.Nodes[r] = n.Copy()
	}
	return out
}

// CopyEmpty returns a copy with every node's avail reset to full.
func (rl *Rlist) CopyEmpty() *Rlist {
	out := rl.deepCopy()
	for _, n := range out.Nodes {
		*n = *n.CopyEmpty()
	}
	return out
}

// CopyDown returns a copy containing only down nodes, each with avail
// reset to full (there is no meaningful partial-allocation state on a
// node no one can reach).
func (rl *Rlist) CopyDown() *Rlist {
	out := Create()
	for _, r := range sortedRanks(rl) {
		n := rl.Nodes[r]
		if !n.Up {
			out.Nodes[r] = n.CopyEmpty()
		}
	}
	return out
}

// CopyAllocated returns a copy with every node projected down to just
// its allocated resources (see rnode.CopyAlloc).
func (rl *Rlist) CopyAllocated() *Rlist {
	out := rl.deepCopy()
	for r, n := range out.Nodes {
		out.Nodes[r] = n.CopyAlloc()
	}
	return out
}

// CopyCores returns a copy retaining only each node's core pool.
func (rl *Rlist) CopyCores() *Rlist {
	out := rl.deepCopy()
	for r, n := range out.Nodes {
		out.Nodes[r] = n.CopyCores()
	}
	return out
}

// CopyRanks returns the subset of nodes whose rank is in ids.
func (rl *Rlist) CopyRanks(ids *idset.Set) *Rlist {
	out := Create()
	for id := ids.First(); id != idset.Invalid; id = ids.Next(id) {
		if n, ok := rl.Nodes[int(id)]; ok {
			out.Nodes[int(id)] = n.Copy()
		}
	}
	return out
}

// CopyConstraint returns the subset of nodes matching the compiled
// constraint predicate.
func (rl *Rlist) CopyConstraint(m *constraint.Matcher) *Rlist {
	out := Create()
	for r, n := range rl.Nodes {
		if m.Match(n) {
			out.Nodes[r] = n.Copy()
		}
	}
	return out
}

// RemoveRanks deletes every rank present in ids, returning the count
// actually removed.
func (rl *Rlist) RemoveRanks(ids *idset.Set) int {
	count := 0
	for id := ids.First(); id != idset.Invalid; id = ids.Next(id) {
		if _, ok := rl.Nodes[int(id)]; ok {
			delete(rl.Nodes, int(id))
			count++
		}
	}
	return count
}

// Remap renumbers ranks densely 0..N-1 in ascending order of their
// current rank, then rnode-remaps each node's pools (ids not listed in
// noremap become dense too).
func (rl *Rlist) Remap(noremap map[string]bool) {
	old := sortedRanks(rl)
	fresh := make(map[int]*rnode.Rnode, len(old))
	for newRank, oldRank := range old {
		n := rl.Nodes[oldRank]
		n.Rank = newRank
		n.Remap(noremap)
		fresh[newRank] = n
	}
	rl.Nodes = fresh
}

// Rerank reassigns ranks by the position of each node's hostname in
// hosts (comma-separated). Fails EOVERFLOW if hosts has more entries
// than rl has nodes, ENOSPC if fewer, ENOENT if a host is missing;
// rolls back to the pre-call rank assignment on any failure.
func (rl *Rlist) Rerank(hosts []string) error {
	if len(hosts) > len(rl.Nodes) {
		return fmt.Errorf("rlist: rerank: %d hosts > %d nodes: %w", len(hosts), len(rl.Nodes), rfcerr.ErrOverflow)
	}
	if len(hosts) < len(rl.Nodes) {
		return fmt.Errorf("rlist: rerank: %d hosts < %d nodes: %w", len(hosts), len(rl.Nodes), rfcerr.ErrNoSpace)
	}
	byHost := make(map[string]*rnode.Rnode, len(rl.Nodes))
	for _, n := range rl.Nodes {
		byHost[n.Host] = n
	}
	fresh := make(map[int]*rnode.Rnode, len(rl.Nodes))
	for newRank, host := range hosts {
		n, ok := byHost[host]
		if !ok {
			return fmt.Errorf("rlist: rerank: host %q not found: %w", host, rfcerr.ErrNotFound)
		}
		fresh[newRank] = n
	}
	for newRank, host := range hosts {
		fresh[newRank].Rank = newRank
		_ = host
	}
	rl.Nodes = fresh
	return nil
}

// MarkUp sets Up=true on every rank in ids, or every node if ids is nil.
func (rl *Rlist) MarkUp(ids *idset.Set) {
	rl.markState(ids, true)
}

// MarkDown sets Up=false on every rank in ids, or every node if ids is nil.
func (rl *Rlist) MarkDown(ids *idset.Set) {
	rl.markState(ids, false)
}

func (rl *Rlist) markState(ids *idset.Set, up bool) {
	if ids == nil {
		for _, n := range rl.Nodes {
			n.Up = up
		}
		return
	}
	for id := ids.First(); id != idset.Invalid; id = ids.Next(id) {
		if n, ok := rl.Nodes[int(id)]; ok {
			n.Up = up
		}
	}
}

// SetAllocated marks sub's core ids allocated against the live rl.
// On any per-rank failure, every rank already applied in this call is
// rolled back (freed) before returning the error.
func (rl *Rlist) SetAllocated(sub *Rlist) error {
	applied := make([]int, 0, len(sub.Nodes))
	for _, r := range sortedRanks(sub) {
		n, ok := rl.Nodes[r]
		if !ok {
			rl.rollbackFree(applied, sub)
			return fmt.Errorf("rlist: set allocated: rank %d not found: %w", r, rfcerr.ErrNotFound)
		}
		core := sub.Nodes[r].Children[rnode.CorePool]
		if err := n.AllocIdset(core.IDs); err != nil {
			rl.rollbackFree(applied, sub)
			return fmt.Errorf("rlist: set allocated: %w", err)
		}
		applied = append(applied, r)
	}
	return nil
}

func (rl *Rlist) rollbackFree(applied []int, sub *Rlist) {
	for _, r := range applied {
		core := sub.Nodes[r].Children[rnode.CorePool]
		_ = rl.Nodes[r].FreeIdset(core.IDs)
	}
}

// Free is SetAllocated's inverse: frees sub's core ids against rl.
func (rl *Rlist) Free(sub *Rlist) error {
	return rl.freeInternal(sub, false)
}

// FreeTolerant is Free but silently ignores ranks in sub absent from
// rl, for applying a resource-set shrink that raced a job completion.
func (rl *Rlist) FreeTolerant(sub *Rlist) error {
	return rl.freeInternal(sub, true)
}

func (rl *Rlist) freeInternal(sub *Rlist, tolerant bool) error {
	applied := make([]int, 0, len(sub.Nodes))
	for _, r := range sortedRanks(sub) {
		n, ok := rl.Nodes[r]
		if !ok {
			if tolerant {
				continue
			}
			rl.rollbackAlloc(applied, sub)
			return fmt.Errorf("rlist: free: rank %d not found: %w", r, rfcerr.ErrNotFound)
		}
		core := sub.Nodes[r].Children[rnode.CorePool]
		if err := n.FreeIdset(core.IDs); err != nil {
			if tolerant {
				continue
			}
			rl.rollbackAlloc(applied, sub)
			return fmt.Errorf("rlist: free: %w", err)
		}
		applied = append(applied, r)
	}
	return nil
}

func (rl *Rlist) rollbackAlloc(applied []int, sub *Rlist) {
	for _, r := range applied {
		core := sub.Nodes[r].Children[rnode.CorePool]
		_ = rl.Nodes[r].AllocIdset(core.IDs)
	}
}

// Count sums the total (not just available) ids of the named pool
// across every node.
func (rl *Rlist) Count(poolName string) int {
	count := 0
	for _, n := range rl.Nodes {
		if p, ok := n.Children[poolName]; ok {
			count += p.IDs.Count()
		}
	}
	return count
}

// Avail sums the available ids of the named pool across up nodes only.
func (rl *Rlist) Avail(poolName string) int {
	count := 0
	for _, n := range rl.Nodes {
		if !n.Up {
			continue
		}
		if p, ok := n.Children[poolName]; ok {
			count += p.Avail.Count()
		}
	}
	return count
}

// Nnodes returns the number of nodes.
func (rl *Rlist) Nnodes() int {
	return len(rl.Nodes)
}

// Ranks returns the set of ranks present.
func (rl *Rlist) Ranks() *idset.Set {
	ids := idset.Create(true)
	for r := range rl.Nodes {
		ids.Add(uint(r))
	}
	return ids
}

// Nodelist returns the hostnames in ascending rank order.
func (rl *Rlist) Nodelist() *hostlist.Hostlist {
	hl := hostlist.New()
	for _, r := range sortedRanks(rl) {
		hl.Append(rl.Nodes[r].Host)
	}
	return hl
}

// HostsToRanks decodes hoststr and returns the union of ranks whose
// host matches any listed host; every listed host must resolve to at
// least one rank.
func (rl *Rlist) HostsToRanks(hoststr string) (*idset.Set, error) {
	hl, err := hostlist.Decode(hoststr)
	if err != nil {
		return nil, fmt.Errorf("rlist: hosts to ranks: %w", err)
	}
	out := idset.Create(true)
	for _, host := range hl.Hosts() {
		found := false
		for r, n := range rl.Nodes {
			if n.Host == host {
				out.Add(uint(r))
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("rlist: hosts to ranks: host %q not found: %w", host, rfcerr.ErrNotFound)
		}
	}
	return out, nil
}
