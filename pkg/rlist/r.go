package rlist

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/khryptorgraphics/flowmesh/pkg/idset"
	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
	"github.com/khryptorgraphics/flowmesh/pkg/rnode"
)

// R is the wire snapshot format (R v1): a resource-availability view,
// not a total-capacity ledger — every id set encoded here is a pool's
// *avail* set, confirmed against original_source's children_encode and
// rnode_encode (both encode c->avail, never c->ids). Round-tripping
// FromR(ToR(rl)) reproduces rl exactly only when avail==ids everywhere
// (a fresh, unallocated rl), which matches R's role as an acquire/
// scheduling snapshot rather than a durable inventory record.
type R struct {
	Version    int             `json:"version"`
	Execution  RExecution      `json:"execution"`
	Scheduling json.RawMessage `json:"scheduling,omitempty"`
}

// RExecution carries the R_lite grouped node list plus timing fields.
type RExecution struct {
	RLite      []RLiteEntry `json:"R_lite"`
	Starttime  float64      `json:"starttime,omitempty"`
	Expiration float64      `json:"expiration,omitempty"`
	Nnodes     int          `json:"nnodes,omitempty"`
}

// RLiteEntry groups one or more ranks sharing an identical avail
// profile (per pool) and up/down state.
type RLiteEntry struct {
	Rank     string            `json:"rank"`
	Children map[string]string `json:"children"`
}

// ToR renders rl as an R v1 document, grouping consecutive ranks that
// share an identical avail-per-pool profile and up state into a single
// R_lite entry (mirroring rlist_compressed/multi_rnode_cmp).
func ToR(rl *Rlist) (*R, error) {
	ranks := sortedRanks(rl)
	out := &R{
		Version: 1,
		Execution: RExecution{
			Starttime:  rl.Starttime,
			Expiration: rl.Expiration,
			Nnodes:     len(ranks),
		},
		Scheduling: rl.Scheduling,
	}

	var groupRanks *idset.Set
	var groupSig string
	flush := func() {
		if groupRanks == nil || groupRanks.Empty() {
			return
		}
		n := rl.Nodes[int(groupRanks.First())]
		children := make(map[string]string, len(n.Children))
		for name, p := range n.Children {
			enc := p.Avail.Encode(idset.FlagRange)
			if name != rnode.CorePool && enc == "" {
				continue
			}
			children[name] = enc
		}
		out.Execution.RLite = append(out.Execution.RLite, RLiteEntry{
			Rank:     groupRanks.Encode(idset.FlagRange),
			Children: children,
		})
	}

	for _, r := range ranks {
		n := rl.Nodes[r]
		sig := nodeSignature(n)
		if groupRanks != nil && sig == groupSig {
			groupRanks.Add(uint(r))
			continue
		}
		flush()
		groupRanks = idset.Create(true)
		groupRanks.Add(uint(r))
		groupSig = sig
	}
	flush()

	return out, nil
}

// nodeSignature encodes a node's up state plus every pool's avail set
// into a string two nodes share iff their R_lite entries could merge.
func nodeSignature(n *rnode.Rnode) string {
	names := sortedPoolNames(n)
	sig := fmt.Sprintf("up=%v;", n.Up)
	for _, name := range names {
		sig += name + "=" + n.Children[name].Avail.Encode(idset.FlagRange) + ";"
	}
	return sig
}

func sortedPoolNames(n *rnode.Rnode) []string {
	names := make([]string, 0, len(n.Children))
	for name := range n.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FromR decodes an R v1 document back into an Rlist. Since R only
// carries avail, not total ids, every reconstructed pool has ids==avail
// — the resulting rlist represents exactly what's available right now,
// with nothing pre-allocated.
func FromR(doc *R) (*Rlist, error) {
	rl := Create()
	rl.Scheduling = doc.Scheduling
	rl.Starttime = doc.Execution.Starttime
	rl.Expiration = doc.Execution.Expiration

	for _, entry := range doc.Execution.RLite {
		ranks, err := idset.Decode(entry.Rank)
		if err != nil {
			return nil, fmt.Errorf("rlist: from R: rank %q: %w", entry.Rank, err)
		}
		for id := ranks.First(); id != idset.Invalid; id = ranks.Next(id) {
			r := int(id)
			if _, exists := rl.Nodes[r]; exists {
				return nil, fmt.Errorf("rlist: from R: duplicate rank %d: %w", r, rfcerr.ErrExists)
			}
			n := rnode.New(r, "")
			delete(n.Children, rnode.CorePool)
			for name, enc := range entry.Children {
				ids, err := idset.Decode(enc)
				if err != nil {
					return nil, fmt.Errorf("rlist: from R: rank %d child %q: %w", r, name, err)
				}
				if err := n.AddChild(name, ids); err != nil {
					return nil, fmt.Errorf("rlist: from R: rank %d child %q: %w", r, name, err)
				}
			}
			if _, ok := n.Children[rnode.CorePool]; !ok {
				if err := n.AddChild(rnode.CorePool, idset.Create(true)); err != nil {
					return nil, err
				}
			}
			rl.Nodes[r] = n
		}
	}
	return rl, nil
}

// FromJSON decodes raw R v1 JSON bytes.
func FromJSON(data []byte) (*Rlist, error) {
	var doc R
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rlist: from json: %w: %v", rfcerr.ErrInvalid, err)
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("rlist: from json: unsupported version %d: %w", doc.Version, rfcerr.ErrInvalid)
	}
	return FromR(&doc)
}

// Encode renders rl as R v1 JSON bytes.
func Encode(rl *Rlist) ([]byte, error) {
	doc, err := ToR(rl)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// Dumps renders a one-line-per-node human summary: "rank[N] host up|down core:avail/total ..."
func Dumps(rl *Rlist) string {
	var out string
	for _, r := range sortedRanks(rl) {
		n := rl.Nodes[r]
		state := "up"
		if !n.Up {
			state = "down"
		}
		line := fmt.Sprintf("%d: %s %s", n.Rank, n.Host, state)
		for _, name := range sortedPoolNames(n) {
			p := n.Children[name]
			line += fmt.Sprintf(" %s=%s/%s", name, p.Avail.Encode(idset.FlagRange), p.IDs.Encode(idset.FlagRange))
		}
		out += line + "\n"
	}
	return out
}
