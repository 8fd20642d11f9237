package scheduler

import (
	"fmt"

	"github.com/khryptorgraphics/flowmesh/pkg/alloc"
	"github.com/khryptorgraphics/flowmesh/pkg/constraint"
	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
)

// JobSpec is the allocation shape carried by an alloc(2) request: the
// wire-level jobspec reduced to the fields the simple scheduler acts
// on (full jobspec YAML parsing is out of scope per spec.md's
// Non-goals; callers are expected to have already reduced a jobspec
// down to this shape).
type JobSpec struct {
	Nnodes     int
	Nslots     int
	SlotSize   int
	Exclusive  bool
	Mode       string
	Constraint *constraint.Spec
	GPUs       int
}

func (j JobSpec) validate() error {
	if j.Nslots <= 0 {
		return fmt.Errorf("jobspec: nslots must be > 0: %w", rfcerr.ErrInvalid)
	}
	if j.SlotSize <= 0 {
		return fmt.Errorf("jobspec: slot_size must be > 0: %w", rfcerr.ErrInvalid)
	}
	if j.Nnodes < 0 {
		return fmt.Errorf("jobspec: nnodes must be >= 0: %w", rfcerr.ErrInvalid)
	}
	if j.Exclusive && j.Nnodes <= 0 {
		return fmt.Errorf("jobspec: exclusive requires nnodes > 0: %w", rfcerr.ErrInvalid)
	}
	if j.GPUs > 0 {
		return fmt.Errorf("jobspec: gpu resources are not supported by this scheduler: %w", rfcerr.ErrInvalid)
	}
	return nil
}

func (j JobSpec) toInfo(defaultMode string) alloc.Info {
	mode := j.Mode
	if mode == "" {
		mode = defaultMode
	}
	return alloc.Info{
		Nnodes:     j.Nnodes,
		Nslots:     j.Nslots,
		SlotSize:   j.SlotSize,
		Exclusive:  j.Exclusive,
		Mode:       mode,
		Constraint: j.Constraint,
	}
}
