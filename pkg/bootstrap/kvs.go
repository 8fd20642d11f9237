package bootstrap

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/flowmesh/internal/config"
	"github.com/khryptorgraphics/flowmesh/pkg/tree"
	"github.com/khryptorgraphics/flowmesh/pkg/wireauth"
)

// KVS is the subset of an external process-manager key-value store
// the KVS-mediated driver needs: put/get of string values and a
// barrier that every participant observes before the first get.
type KVS interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	Barrier(ctx context.Context) error
}

func kvsKey(rank int) string {
	return fmt.Sprintf("flowmesh.bootstrap.endpoint.%d", rank)
}

// KVSMediated implements §4.5's second wireup driver: every rank PUTs
// its "host:port" under a per-rank key, barriers, then GETs every peer
// it needs before running the same depth-parity tree.Wireup the other
// drivers use. The launcher is not involved past this point (it may
// not even be running, e.g. under a real resource manager's KVS).
func KVSMediated(ctx context.Context, kvs KVS, advertiseHost string, rank, nprocs int, shape *tree.Shape, listener net.Listener, cfg *config.Config, auth *wireauth.Config, log *logrus.Entry) (*tree.Node, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ep, err := ListenerEndpoint(listener, advertiseHost)
	if err != nil {
		return nil, err
	}
	if err := kvs.Put(ctx, kvsKey(rank), ep.String()); err != nil {
		return nil, fmt.Errorf("bootstrap: kvs-mediated: put: %w", err)
	}
	if err := kvs.Barrier(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap: kvs-mediated: barrier: %w", err)
	}

	peers := make(map[int]struct{})
	parent := shape.Parent[rank]
	if parent >= 0 {
		peers[parent] = struct{}{}
	}
	for _, c := range shape.Children[rank] {
		peers[c] = struct{}{}
	}

	table := make(map[int]Endpoint, len(peers))
	for peerRank := range peers {
		val, err := kvs.Get(ctx, kvsKey(peerRank))
		if err != nil {
			return nil, fmt.Errorf("bootstrap: kvs-mediated: get rank %d: %w", peerRank, err)
		}
		host, portStr, err := net.SplitHostPort(val)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: kvs-mediated: parse endpoint for rank %d: %w", peerRank, err)
		}
		port := 0
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return nil, fmt.Errorf("bootstrap: kvs-mediated: parse port for rank %d: %w", peerRank, err)
		}
		table[peerRank] = Endpoint{Host: host, Port: port}
	}

	dial := func(dialCtx context.Context, peerRank int) (net.Conn, error) {
		peer, ok := table[peerRank]
		if !ok {
			return nil, fmt.Errorf("bootstrap: kvs-mediated: no endpoint for rank %d", peerRank)
		}
		return tree.DialTCP(dialCtx, peer.String())
	}

	return tree.Wireup(ctx, shape, rank, listener, dial, cfg, auth, log)
}
