// Package alloc implements the cooperative resource allocator: given a
// live Rlist and a request shape (nnodes/nslots/slot_size/exclusive,
// optional constraint, fit mode), it either commits a placement
// decision into the live set and returns the decision as its own
// Rlist, or reports ENOSPC (try again later) / EOVERFLOW (never
// satisfiable on this topology).
package alloc

import (
	"errors"
	"fmt"

	"github.com/khryptorgraphics/flowmesh/pkg/constraint"
	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
	"github.com/khryptorgraphics/flowmesh/pkg/rnode"
)

// Info describes one allocation request.
type Info struct {
	Nnodes     int
	Nslots     int
	SlotSize   int
	Exclusive  bool
	Mode       string
	Constraint *constraint.Spec
}

const (
	modeFirstFit = "first-fit"
	modeBestFit  = "best-fit"
	modeWorstFit = "worst-fit"
)

func validate(info Info) error {
	if info.Nslots <= 0 {
		return fmt.Errorf("alloc: nslots must be > 0: %w", rfcerr.ErrInvalid)
	}
	if info.SlotSize <= 0 {
		return fmt.Errorf("alloc: slot_size must be > 0: %w", rfcerr.ErrInvalid)
	}
	if info.Nnodes < 0 {
		return fmt.Errorf("alloc: nnodes must be >= 0: %w", rfcerr.ErrInvalid)
	}
	if info.Exclusive && info.Nnodes <= 0 {
		return fmt.Errorf("alloc: exclusive requires nnodes > 0: %w", rfcerr.ErrInvalid)
	}
	return nil
}

// Alloc is the allocation front door, grounded on original_source's
// rlist_alloc/alloc_info_check/rlist_alloc_constrained: validate, check
// total/avail feasibility unconditionally against the unfiltered rl,
// then either filter by constraint (promoting the decision back into
// rl via SetAllocated) or dispatch directly against rl.
func Alloc(rl *rlist.Rlist, info Info) (*rlist.Rlist, error) {
	if err := validate(info); err != nil {
		return nil, err
	}

	total := rl.Count(rnode.CorePool)
	avail := rl.Avail(rnode.CorePool)
	need := info.Nslots * info.SlotSize

	if need > total {
		return nil, fmt.Errorf("alloc: request for %d cores exceeds total %d: %w", need, total, rfcerr.ErrOverflow)
	}
	if need > avail {
		if feasible(rl, info) {
			return nil, fmt.Errorf("alloc: request for %d cores exceeds available %d: %w", need, avail, rfcerr.ErrNoSpace)
		}
		return nil, fmt.Errorf("alloc: request for %d cores never satisfiable: %w", need, rfcerr.ErrOverflow)
	}

	if info.Constraint != nil {
		m, err := constraint.Compile(*info.Constraint)
		if err != nil {
			return nil, fmt.Errorf("alloc: %w", err)
		}
		filtered := rl.CopyConstraint(m)
		if filtered.Count(rnode.CorePool) == 0 {
			return nil, fmt.Errorf("alloc: constraint matches no cores: %w", rfcerr.ErrOverflow)
		}
		decision, err := tryAlloc(filtered, info)
		if err != nil {
			if errors.Is(err, rfcerr.ErrNoSpace) {
				if feasible(filtered, info) {
					return nil, err
				}
				return nil, fmt.Errorf("alloc: constrained request never satisfiable: %w", rfcerr.ErrOverflow)
			}
			return nil, err
		}
		if err := rl.SetAllocated(decision); err != nil {
			return nil, fmt.Errorf("alloc: promote decision: %w", err)
		}
		return decision, nil
	}

	decision, err := tryAlloc(rl, info)
	if err != nil {
		if errors.Is(err, rfcerr.ErrNoSpace) {
			if feasible(rl, info) {
				return nil, err
			}
			return nil, fmt.Errorf("alloc: request never satisfiable: %w", rfcerr.ErrOverflow)
		}
		return nil, err
	}
	return decision, nil
}

// feasible re-runs the same request against an all-up, fully-empty
// copy to tell "no room right now" (ENOSPC) apart from "this topology
// can never satisfy this shape" (EOVERFLOW).
func feasible(rl *rlist.Rlist, info Info) bool {
	probe := rl.CopyEmpty()
	probe.MarkUp(nil)
	var target *rlist.Rlist
	if info.Constraint != nil {
		m, err := constraint.Compile(*info.Constraint)
		if err != nil {
			return false
		}
		target = probe.CopyConstraint(m)
	} else {
		target = probe
	}
	_, err := tryAlloc(target, info)
	return err == nil
}

// tryAlloc dispatches by shape: nnodes>0 selects the nnodes policy
// (exclusive or spread); otherwise by fit mode, defaulting to
// worst-fit when Mode is empty.
func tryAlloc(target *rlist.Rlist, info Info) (*rlist.Rlist, error) {
	if info.Nnodes > 0 {
		if info.Exclusive {
			return allocNnodesExclusive(target, info)
		}
		return allocNnodesSpread(target, info)
	}
	switch info.Mode {
	case modeFirstFit:
		return allocFit(target, info, byRank)
	case modeBestFit:
		return allocFit(target, info, byAvailAscending)
	case modeWorstFit, "":
		return allocWorstFit(target, info)
	default:
		return nil, fmt.Errorf("alloc: unknown mode %q: %w", info.Mode, rfcerr.ErrInvalid)
	}
}
