package bootstrap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/flowmesh/internal/config"
	lnch "github.com/khryptorgraphics/flowmesh/pkg/launcher"
	"github.com/khryptorgraphics/flowmesh/pkg/tree"
	"github.com/khryptorgraphics/flowmesh/pkg/wireauth"
)

// LauncherMediated implements §4.5's first wireup driver: every rank
// opens a listening socket, exchanges (rank, host, port) with every
// other rank through the launcher's flat star (an ALLGATHER, which is
// the N-to-1-gather-then-full-table-fanout the spec describes), then
// dials/accepts its tree peers using that table.
func LauncherMediated(ctx context.Context, launcherAddr string, advertiseHost string, rank, nprocs int, shape *tree.Shape, listener net.Listener, cfg *config.Config, auth *wireauth.Config, log *logrus.Entry) (*tree.Node, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	client, err := lnch.Dial(ctx, launcherAddr, rank)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: launcher-mediated: dial launcher: %w", err)
	}

	ep, err := ListenerEndpoint(listener, advertiseHost)
	if err != nil {
		client.Close()
		return nil, err
	}
	send, err := encodeEndpoint(rank, ep)
	if err != nil {
		client.Close()
		return nil, err
	}

	recv := make([]byte, endpointRecordSize*nprocs)
	msecs := int(cfg.OpenTimeout / time.Millisecond)
	if err := client.Allgather(send, recv, msecs); err != nil {
		client.Close()
		return nil, fmt.Errorf("bootstrap: launcher-mediated: exchange endpoints: %w", err)
	}

	table := make(map[int]Endpoint, nprocs)
	for i := 0; i < nprocs; i++ {
		r, e, err := decodeEndpoint(recv[i*endpointRecordSize : (i+1)*endpointRecordSize])
		if err != nil {
			client.Close()
			return nil, err
		}
		table[r] = e
	}

	dial := func(dialCtx context.Context, peerRank int) (net.Conn, error) {
		peer, ok := table[peerRank]
		if !ok {
			return nil, fmt.Errorf("bootstrap: launcher-mediated: no endpoint for rank %d", peerRank)
		}
		return tree.DialTCP(dialCtx, peer.String())
	}

	node, err := tree.Wireup(ctx, shape, rank, listener, dial, cfg, auth, log)
	if err != nil {
		client.Close()
		return nil, err
	}

	// A closing barrier lets every rank confirm the tree is fully up
	// before anyone releases the launcher connection, so a rank that
	// finished wireup early can't race the launcher into thinking the
	// job is done.
	if err := client.Barrier(msecs); err != nil {
		log.WithError(err).Warn("bootstrap: launcher-mediated: closing barrier failed")
	}
	client.Close()
	return node, nil
}
