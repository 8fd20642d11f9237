package alloc

import (
	"fmt"
	"sort"

	"github.com/khryptorgraphics/flowmesh/pkg/idset"
	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
	"github.com/khryptorgraphics/flowmesh/pkg/rnode"
)

// less is a total order over candidate nodes for a fit policy.
type less func(a, b *rnode.Rnode) bool

func coreAvail(n *rnode.Rnode) int {
	p, ok := n.Children[rnode.CorePool]
	if !ok {
		return 0
	}
	return p.Avail.Count()
}

// byRank orders ascending by rank (first-fit).
func byRank(a, b *rnode.Rnode) bool { return a.Rank < b.Rank }

// byAvailAscending orders ascending by available cores, tie on rank
// (best-fit: pack the tightest-fitting node first).
func byAvailAscending(a, b *rnode.Rnode) bool {
	aa, ba := coreAvail(a), coreAvail(b)
	if aa != ba {
		return aa < ba
	}
	return a.Rank < b.Rank
}

// byUsed puts up nodes before down nodes, then orders up nodes by
// descending available cores (most available first), tie on rank
// (worst-fit: spread load onto the most idle node first).
func byUsed(a, b *rnode.Rnode) bool {
	if a.Up != b.Up {
		return a.Up
	}
	if !a.Up {
		return a.Rank < b.Rank
	}
	aa, ba := coreAvail(a), coreAvail(b)
	if aa != ba {
		return aa > ba
	}
	return a.Rank < b.Rank
}

func orderedNodes(target *rlist.Rlist, cmp less) []*rnode.Rnode {
	out := make([]*rnode.Rnode, 0, len(target.Nodes))
	for _, n := range target.Nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return cmp(out[i], out[j]) })
	return out
}

func newDecision() *rlist.Rlist {
	return rlist.Create()
}

func recordTaken(decision *rlist.Rlist, n *rnode.Rnode, ids *idset.Set) {
	entry, ok := decision.Nodes[n.Rank]
	if !ok {
		entry = rnode.New(n.Rank, n.Host)
		decision.Nodes[n.Rank] = entry
	}
	// merging into an existing entry's already-disjoint ids (each slot
	// placement draws ids never previously taken on this rank in this
	// same decision) can never collide.
	_ = entry.AddChildIdset(rnode.CorePool, ids, ids)
}

func unwind(target *rlist.Rlist, decision *rlist.Rlist) {
	for rank, n := range decision.Nodes {
		core, ok := n.Children[rnode.CorePool]
		if !ok {
			continue
		}
		_ = target.Nodes[rank].FreeIdset(core.IDs)
	}
}

// allocFit implements first-fit/best-fit: order candidates
// by cmp, then walk them in order placing one slot_size slot at a time
// per node until nslots slots are placed, advancing to the next node
// when the current one can't take another whole slot.
func allocFit(target *rlist.Rlist, info Info, cmp less) (*rlist.Rlist, error) {
	decision := newDecision()
	placed := 0
	for _, n := range orderedNodes(target, cmp) {
		if !n.Up {
			continue
		}
		for placed < info.Nslots && coreAvail(n) >= info.SlotSize {
			ids, err := n.Alloc(info.SlotSize)
			if err != nil {
				break
			}
			recordTaken(decision, n, ids)
			placed++
		}
		if placed >= info.Nslots {
			break
		}
	}
	if placed < info.Nslots {
		unwind(target, decision)
		return nil, fmt.Errorf("alloc: placed %d/%d slots: %w", placed, info.Nslots, rfcerr.ErrNoSpace)
	}
	return decision, nil
}

// allocWorstFit places one slot at a time onto whichever up node
// currently has the most available cores, recomputing that ranking
// after every placement. Unlike first-fit/best-fit (one static sort,
// drain each node before moving on), worst-fit's whole point is to
// keep spreading load onto the least-used node as utilization shifts,
// so the candidate order must be recomputed per slot.
func allocWorstFit(target *rlist.Rlist, info Info) (*rlist.Rlist, error) {
	decision := newDecision()
	placed := 0
	for placed < info.Nslots {
		candidates := orderedNodes(target, byUsed)
		if len(candidates) == 0 || !candidates[0].Up || coreAvail(candidates[0]) < info.SlotSize {
			unwind(target, decision)
			return nil, fmt.Errorf("alloc: worst-fit: placed %d/%d slots: %w", placed, info.Nslots, rfcerr.ErrNoSpace)
		}
		front := candidates[0]
		ids, err := front.Alloc(info.SlotSize)
		if err != nil {
			unwind(target, decision)
			return nil, fmt.Errorf("alloc: worst-fit: %w", err)
		}
		recordTaken(decision, front, ids)
		placed++
	}
	return decision, nil
}

// allocNnodesExclusive selects the first k fully-idle candidates (most
// available first) and allocates every one of their cores; it aborts
// the instant a less-than-full candidate is reached rather than
// skipping ahead to look for more idle nodes further down the list.
func allocNnodesExclusive(target *rlist.Rlist, info Info) (*rlist.Rlist, error) {
	ordered := orderedNodes(target, byUsed)
	decision := newDecision()
	for i := 0; i < info.Nnodes; i++ {
		if i >= len(ordered) {
			unwind(target, decision)
			return nil, fmt.Errorf("alloc: exclusive nnodes: only %d candidates: %w", len(ordered), rfcerr.ErrNoSpace)
		}
		n := ordered[i]
		total := 0
		if p, ok := n.Children[rnode.CorePool]; ok {
			total = p.IDs.Count()
		}
		if !n.Up || coreAvail(n) != total {
			unwind(target, decision)
			return nil, fmt.Errorf("alloc: exclusive nnodes: rank %d not fully idle: %w", n.Rank, rfcerr.ErrNoSpace)
		}
		ids, err := n.Alloc(total)
		if err != nil {
			unwind(target, decision)
			return nil, fmt.Errorf("alloc: exclusive nnodes: %w", err)
		}
		recordTaken(decision, n, ids)
	}
	return decision, nil
}

// allocNnodesSpread picks the first k up nodes in rank order, then
// places nslots slots one at a time onto whichever of those k nodes is
// currently least used, rotating candidates to the back once they
// receive a slot (and dropping them once exhausted) so load spreads
// evenly before any node takes a second slot.
func allocNnodesSpread(target *rlist.Rlist, info Info) (*rlist.Rlist, error) {
	var candidates []*rnode.Rnode
	for _, n := range orderedNodes(target, byRank) {
		if !n.Up {
			continue
		}
		candidates = append(candidates, n)
		if len(candidates) == info.Nnodes {
			break
		}
	}
	if len(candidates) < info.Nnodes {
		return nil, fmt.Errorf("alloc: spread nnodes: only %d up candidates: %w", len(candidates), rfcerr.ErrNoSpace)
	}

	decision := newDecision()
	placed := 0
	for placed < info.Nslots {
		if len(candidates) == 0 {
			unwind(target, decision)
			return nil, fmt.Errorf("alloc: spread nnodes: no candidates left after %d/%d slots: %w", placed, info.Nslots, rfcerr.ErrNoSpace)
		}
		sort.Slice(candidates, func(i, j int) bool { return byUsed(candidates[i], candidates[j]) })
		front := candidates[0]
		if coreAvail(front) < info.SlotSize {
			unwind(target, decision)
			return nil, fmt.Errorf("alloc: spread nnodes: best candidate rank %d short on cores: %w", front.Rank, rfcerr.ErrNoSpace)
		}
		ids, err := front.Alloc(info.SlotSize)
		if err != nil {
			unwind(target, decision)
			return nil, fmt.Errorf("alloc: spread nnodes: %w", err)
		}
		recordTaken(decision, front, ids)
		placed++
		candidates = candidates[1:]
		if coreAvail(front) > 0 {
			candidates = append(candidates, front)
		}
	}
	return decision, nil
}
