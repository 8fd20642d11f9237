package bootstrap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/flowmesh/internal/config"
	"github.com/khryptorgraphics/flowmesh/pkg/collective"
	"github.com/khryptorgraphics/flowmesh/pkg/tree"
	"github.com/khryptorgraphics/flowmesh/pkg/wireauth"
)

// ShmLeaderConfig bundles §4.5's third wireup driver's per-rank inputs.
// Only the local leader (LocalRank == 0) uses LeaderShape/LeaderIndex/
// LeaderListener/LeaderDial; every other local rank leaves them zero.
type ShmLeaderConfig struct {
	GlobalRank int
	LocalRank  int // rank within this node; 0 is the local leader
	LocalSize  int // ranks expected on this node
	NProcs     int // total ranks across the job

	CheckinPath    string
	CheckinTimeout time.Duration

	LeaderShape    *tree.Shape
	LeaderIndex    int
	LeaderListener net.Listener
	LeaderDial     tree.DialFunc

	FullListener  net.Listener
	AdvertiseHost string
}

// SharedMemoryLeader implements §4.5's third driver: local ranks check
// in via a lock-held file, the local leader aggregates (rank, host,
// port) triples across a leader tree spanning every node (RFC-20-style
// aggregate collective), publishes the resulting global table to its
// LocalSegment, and every local rank (the leader included) opens the
// full tree by looking its peers up in that table. A late-checkin loop
// gives stragglers up to CheckinTimeout before the leader gives up
// waiting for LocalSize checkins.
func SharedMemoryLeader(ctx context.Context, scfg *ShmLeaderConfig, seg *LocalSegment, fullShape *tree.Shape, cfg *config.Config, auth *wireauth.Config, log *logrus.Entry) (*tree.Node, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("rank", scfg.GlobalRank)

	ep, err := ListenerEndpoint(scfg.FullListener, scfg.AdvertiseHost)
	if err != nil {
		return nil, err
	}
	seg.SetLocal(scfg.GlobalRank, ep)

	if err := CheckinFile(scfg.CheckinPath, scfg.GlobalRank); err != nil {
		return nil, err
	}

	if scfg.LocalRank == 0 {
		if err := waitForLocalCheckins(scfg); err != nil {
			return nil, err
		}
		if err := publishGlobalTable(ctx, scfg, seg, cfg, auth, log); err != nil {
			return nil, err
		}
	}

	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}
	table, ok := seg.WaitGlobal(done)
	if !ok {
		return nil, fmt.Errorf("bootstrap: shm-leader: %w", ctx.Err())
	}

	dial := func(dialCtx context.Context, peerRank int) (net.Conn, error) {
		peer, ok := table[peerRank]
		if !ok {
			return nil, fmt.Errorf("bootstrap: shm-leader: no endpoint for rank %d", peerRank)
		}
		return tree.DialTCP(dialCtx, peer.String())
	}
	return tree.Wireup(ctx, fullShape, scfg.GlobalRank, scfg.FullListener, dial, cfg, auth, log)
}

// waitForLocalCheckins polls the checkin file until LocalSize ranks
// have checked in or CheckinTimeout elapses (the late-checkin
// allowance). It does not write to seg: every rank records its own
// endpoint there before it checks in, so each rank seen in the file
// already has its entry in seg's local table.
func waitForLocalCheckins(scfg *ShmLeaderConfig) error {
	deadline := time.Now().Add(scfg.CheckinTimeout)
	for {
		ranks, err := ReadCheckins(scfg.CheckinPath)
		if err != nil {
			return err
		}
		if len(ranks) >= scfg.LocalSize {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("bootstrap: shm-leader: only %d/%d local ranks checked in after %s", len(ranks), scfg.LocalSize, scfg.CheckinTimeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// publishGlobalTable runs the leader tree wireup, aggregates every
// node's local (rank, host, port) triples across it, and publishes the
// combined table to seg.
func publishGlobalTable(ctx context.Context, scfg *ShmLeaderConfig, seg *LocalSegment, cfg *config.Config, auth *wireauth.Config, log *logrus.Entry) error {
	leaderNode, err := tree.Wireup(ctx, scfg.LeaderShape, scfg.LeaderIndex, scfg.LeaderListener, scfg.LeaderDial, cfg, auth, log)
	if err != nil {
		return fmt.Errorf("bootstrap: shm-leader: leader tree wireup: %w", err)
	}

	local := seg.LocalTable()
	payload := make([]byte, 0, len(local)*endpointRecordSize)
	for rank, ep := range local {
		rec, err := encodeEndpoint(rank, ep)
		if err != nil {
			return err
		}
		payload = append(payload, rec...)
	}

	msecs := int(cfg.OpenTimeout / time.Millisecond)
	full, err := collective.Aggregate(leaderNode, payload, msecs)
	if err != nil {
		return fmt.Errorf("bootstrap: shm-leader: aggregate triples: %w", err)
	}
	chunks, err := collective.SplitChunks(full)
	if err != nil {
		return err
	}

	global := make(map[int]Endpoint, scfg.NProcs)
	for _, chunk := range chunks {
		for off := 0; off+endpointRecordSize <= len(chunk); off += endpointRecordSize {
			rank, ep, err := decodeEndpoint(chunk[off : off+endpointRecordSize])
			if err != nil {
				return err
			}
			global[rank] = ep
		}
	}
	seg.PublishGlobal(global)
	return nil
}
