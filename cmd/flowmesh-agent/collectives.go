package main

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/flowmesh/pkg/collective"
	"github.com/khryptorgraphics/flowmesh/pkg/tree"
)

var errSyntheticAbort = errors.New("flowmesh-agent: synthetic abort demo")

// runCollectiveDemo exercises every collective over a freshly wired
// node and demonstrates abort propagation: the rank named by
// abortRank aborts unilaterally (the failure reporter, per spec.md
// §4.5's "the originator is the failure reporter"); every other rank
// observes tree.ErrAborted from its next blocking collective call and
// exits cleanly, since re-broadcasting the abort opcode and exiting
// with success is exactly what a rank merely downstream of a failure
// is supposed to do.
func runCollectiveDemo(n *tree.Node, rank, nprocs int, msecs int, abortRank int, log *logrus.Entry) error {
	if rank == abortRank {
		log.Warn("flowmesh-agent: injecting synthetic abort")
		n.Abort(errSyntheticAbort)
		return errSyntheticAbort
	}

	if err := collective.Barrier(n, msecs); err != nil {
		return observeAbort(log, "barrier", err)
	}

	payload := []byte("hello from rank 0")
	buf := make([]byte, len(payload))
	if rank == 0 {
		copy(buf, payload)
	}
	if err := collective.Bcast(n, buf, msecs); err != nil {
		return observeAbort(log, "bcast", err)
	}
	log.Infof("flowmesh-agent: bcast received %q", buf)

	sum, err := collective.AllreduceInt64(n, int64(rank+1), collective.Sum, msecs)
	if err != nil {
		return observeAbort(log, "allreduce", err)
	}
	log.Infof("flowmesh-agent: allreduce sum=%d expected=%d", sum, int64(nprocs*(nprocs+1)/2))

	own := []byte(fmt.Sprintf("r%d", rank))
	full, err := collective.Aggregate(n, own, msecs)
	if err != nil {
		return observeAbort(log, "aggregate", err)
	}
	log.Infof("flowmesh-agent: aggregate payload=%d bytes", len(full))
	return nil
}

func observeAbort(log *logrus.Entry, stage string, err error) error {
	if errors.Is(err, tree.ErrAborted) {
		log.Warnf("flowmesh-agent: abort observed during %s, exiting cleanly", stage)
		return nil
	}
	return fmt.Errorf("flowmesh-agent: %s: %w", stage, err)
}
