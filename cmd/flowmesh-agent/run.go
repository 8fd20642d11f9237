package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/khryptorgraphics/flowmesh/internal/config"
	"github.com/khryptorgraphics/flowmesh/pkg/bootstrap"
	"github.com/khryptorgraphics/flowmesh/pkg/idset"
	lnch "github.com/khryptorgraphics/flowmesh/pkg/launcher"
	"github.com/khryptorgraphics/flowmesh/pkg/tree"
	"github.com/khryptorgraphics/flowmesh/pkg/wireauth"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run this rank: wire up the tree, run a collective demo, exit",
		Long: "Reads MPIRUN_*/FLOWMESH_* from the environment (internal/config), picks a " +
			"wireup driver (launcher-mediated by default, KVS-mediated if MPIRUN_PMI_ENABLE, " +
			"shared-memory+leader-tree if MPIRUN_SHM_ENABLE), wires the tree, and runs a " +
			"barrier/bcast/allreduce/aggregate sequence over it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg)
		},
	}
}

func treeKind(cfg *config.Config) tree.Kind {
	if cfg.TreeKind == "binary" {
		return tree.Binary
	}
	return tree.Binomial
}

func advertiseHost() string {
	if h := os.Getenv("FLOWMESH_ADVERTISE_HOST"); h != "" {
		return h
	}
	h, err := os.Hostname()
	if err != nil {
		return "127.0.0.1"
	}
	return h
}

func runAgent(ctx context.Context, cfg *config.Config) error {
	auth := &wireauth.Config{Enabled: cfg.AuthenticateEnable, ReplyTimeout: cfg.AuthenticateTimeout}
	msecs := int(cfg.OpenTimeout / time.Millisecond)

	switch {
	case cfg.ShmEnable:
		return runShmLocalRanks(ctx, cfg, auth, msecs)
	case cfg.PMIEnable:
		return runSingleRank(ctx, cfg, auth, msecs, func(listener net.Listener, shape *tree.Shape, log *logrus.Entry) (*tree.Node, error) {
			if cfg.KVSDir == "" {
				return nil, fmt.Errorf("flowmesh-agent: MPIRUN_PMI_ENABLE set but FLOWMESH_KVS_DIR is empty")
			}
			kvs, err := newFileKVS(cfg.KVSDir, cfg.Rank, cfg.NProcs)
			if err != nil {
				return nil, err
			}
			return bootstrap.KVSMediated(ctx, kvs, advertiseHost(), cfg.Rank, cfg.NProcs, shape, listener, cfg, auth, log)
		})
	default:
		return runSingleRank(ctx, cfg, auth, msecs, func(listener net.Listener, shape *tree.Shape, log *logrus.Entry) (*tree.Node, error) {
			launcherAddr := net.JoinHostPort(cfg.LauncherHost, fmt.Sprintf("%d", cfg.LauncherPort))
			return bootstrap.LauncherMediated(ctx, launcherAddr, advertiseHost(), cfg.Rank, cfg.NProcs, shape, listener, cfg, auth, log)
		})
	}
}

// runSingleRank drives the common single-process-per-rank shape shared
// by the launcher-mediated and KVS-mediated drivers: open a listener,
// call wire to resolve peers and bring up the tree node, run the demo
// collective sequence, and report the outcome.
func runSingleRank(ctx context.Context, cfg *config.Config, auth *wireauth.Config, msecs int, wire func(net.Listener, *tree.Shape, *logrus.Entry) (*tree.Node, error)) error {
	log := logrus.NewEntry(logrus.StandardLogger()).WithField("rank", cfg.Rank)
	shape := tree.Build(treeKind(cfg), cfg.NProcs)

	listener, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("flowmesh-agent: listen: %w", err)
	}
	defer listener.Close()

	node, err := wire(listener, shape, log)
	if err != nil {
		return fmt.Errorf("flowmesh-agent: wireup: %w", err)
	}
	log.Info("flowmesh-agent: tree wireup complete")

	return runCollectiveDemo(node, cfg.Rank, cfg.NProcs, msecs, cfg.AbortRank, log)
}

// leaderPeers splits FLOWMESH_LEADER_PEER_HOSTS and finds this node's
// own position in it (by matching advertiseHost()), so the leader tree
// can span more than one node. An empty list means this is the only
// node in the job.
func leaderPeers(cfg *config.Config) (hosts []string, selfIndex int, err error) {
	if cfg.LeaderPeerHosts == "" {
		return nil, 0, nil
	}
	for _, h := range strings.Split(cfg.LeaderPeerHosts, ",") {
		hosts = append(hosts, strings.TrimSpace(h))
	}
	self := advertiseHost()
	for i, h := range hosts {
		if h == self {
			return hosts, i, nil
		}
	}
	return nil, 0, fmt.Errorf("flowmesh-agent: FLOWMESH_LEADER_PEER_HOSTS %q does not list this node (%s)", cfg.LeaderPeerHosts, self)
}

// runShmLocalRanks drives the shared-memory+leader-tree driver, which
// requires every local rank to share one in-process LocalSegment
// (pkg/bootstrap.LocalSegment is explicitly an in-process stand-in for
// the POSIX shared-memory segment). This process therefore plays every
// rank named in FLOWMESH_LOCAL_RANKS itself, each as its own goroutine;
// cfg.Rank is ignored in favor of that set. When FLOWMESH_LEADER_PEER_HOSTS
// names other nodes, the local leader finds them with the port-scan
// connector over FLOWMESH_LEADER_PORT_RANGE rather than an exchanged
// port; with it unset, this node is the leader tree's only member.
func runShmLocalRanks(ctx context.Context, cfg *config.Config, auth *wireauth.Config, msecs int) error {
	ranks, err := idset.Decode(cfg.LocalRanks)
	if err != nil {
		return fmt.Errorf("flowmesh-agent: FLOWMESH_LOCAL_RANKS: %w", err)
	}
	if ranks.Count() != cfg.NProcs {
		return fmt.Errorf("flowmesh-agent: shared-memory driver requires every rank local to this single node: FLOWMESH_LOCAL_RANKS has %d, MPIRUN_NPROCS is %d", ranks.Count(), cfg.NProcs)
	}
	if cfg.ShmCheckinPath == "" {
		return fmt.Errorf("flowmesh-agent: MPIRUN_SHM_ENABLE set but FLOWMESH_SHM_CHECKIN_PATH is empty")
	}

	if cfg.LeaderPeerHosts != "" && cfg.LeaderPortRange == "" {
		return fmt.Errorf("flowmesh-agent: FLOWMESH_LEADER_PEER_HOSTS set but FLOWMESH_LEADER_PORT_RANGE is empty")
	}

	peerHosts, leaderIndex, err := leaderPeers(cfg)
	if err != nil {
		return err
	}
	leaderSize := 1
	if peerHosts != nil {
		leaderSize = len(peerHosts)
	}

	leaderShape := tree.Build(treeKind(cfg), leaderSize)

	var leaderListener net.Listener
	if peerHosts != nil {
		leaderListener, err = lnch.ListenInRange("0.0.0.0", cfg.LeaderPortRange)
	} else {
		leaderListener, err = net.Listen("tcp", "127.0.0.1:0")
	}
	if err != nil {
		return fmt.Errorf("flowmesh-agent: leader listen: %w", err)
	}
	defer leaderListener.Close()

	leaderDial := func(dialCtx context.Context, peerRank int) (net.Conn, error) {
		return nil, fmt.Errorf("flowmesh-agent: single-node leader tree has no peers to dial")
	}
	if peerHosts != nil {
		leaderLog := logrus.NewEntry(logrus.StandardLogger())
		leaderDial = func(dialCtx context.Context, peerRank int) (net.Conn, error) {
			return lnch.ScanConnect(dialCtx, peerHosts[peerRank], cfg.LeaderPortRange, cfg, leaderLog)
		}
	}

	seg := bootstrap.NewLocalSegment()
	fullShape := tree.Build(treeKind(cfg), cfg.NProcs)

	var wg sync.WaitGroup
	errs := make([]error, 0, ranks.Count())
	var mu sync.Mutex
	localIdx := 0
	for r := ranks.First(); r != idset.Invalid; r = ranks.Next(r) {
		rank := int(r)
		localRank := localIdx
		isLeader := localRank == 0
		localIdx++
		wg.Add(1)
		go func() {
			defer wg.Done()
			log := logrus.NewEntry(logrus.StandardLogger()).WithField("rank", rank)

			fullListener, err := net.Listen("tcp", "0.0.0.0:0")
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("flowmesh-agent: rank %d: listen: %w", rank, err))
				mu.Unlock()
				return
			}
			defer fullListener.Close()

			scfg := &bootstrap.ShmLeaderConfig{
				GlobalRank:     rank,
				LocalRank:      localRank,
				LocalSize:      ranks.Count(),
				NProcs:         cfg.NProcs,
				CheckinPath:    cfg.ShmCheckinPath,
				CheckinTimeout: cfg.ShmCheckinTO,
				FullListener:   fullListener,
				AdvertiseHost:  advertiseHost(),
			}
			if isLeader {
				scfg.LeaderShape = leaderShape
				scfg.LeaderIndex = leaderIndex
				scfg.LeaderListener = leaderListener
				scfg.LeaderDial = leaderDial
			}

			node, err := bootstrap.SharedMemoryLeader(ctx, scfg, seg, fullShape, cfg, auth, log)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("flowmesh-agent: rank %d: wireup: %w", rank, err))
				mu.Unlock()
				return
			}
			log.Info("flowmesh-agent: tree wireup complete")

			if err := runCollectiveDemo(node, rank, cfg.NProcs, msecs, cfg.AbortRank, log); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
