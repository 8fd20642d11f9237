package scheduler

import (
	"github.com/khryptorgraphics/flowmesh/pkg/alloc"
	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
)

// tryDecide runs the allocation front door for one jobspec against
// target, defaulting the fit mode to the scheduler's configured
// default when the jobspec doesn't name its own.
func tryDecide(target *rlist.Rlist, spec JobSpec, defaultMode string) (*rlist.Rlist, error) {
	return alloc.Alloc(target, spec.toInfo(defaultMode))
}
