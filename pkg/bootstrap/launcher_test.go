package bootstrap

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/flowmesh/internal/config"
	lnch "github.com/khryptorgraphics/flowmesh/pkg/launcher"
	"github.com/khryptorgraphics/flowmesh/pkg/tree"
	"github.com/khryptorgraphics/flowmesh/pkg/wireauth"
)

func TestLauncherMediatedWiresUpFullTree(t *testing.T) {
	const n = 4
	shape := tree.Build(tree.Binary, n)
	cfg := config.Default()
	auth := &wireauth.Config{Enabled: false}

	launcherListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer launcherListener.Close()

	serverCh := make(chan *lnch.Server, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		s, err := lnch.Accept(context.Background(), launcherListener, n, cfg.OpenTimeout)
		if err != nil {
			serverErrCh <- err
			return
		}
		serverCh <- s
	}()

	treeListeners := make([]net.Listener, n)
	for r := 0; r < n; r++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		treeListeners[r] = l
	}

	nodes := make([]*tree.Node, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			node, err := LauncherMediated(context.Background(), launcherListener.Addr().String(), "127.0.0.1", r, n, shape, treeListeners[r], cfg, auth, nil)
			nodes[r] = node
			errs[r] = err
		}(r)
	}

	select {
	case s := <-serverCh:
		require.NoError(t, s.Allgather(2000))
		require.NoError(t, s.Barrier(2000))
		defer s.Close()
	case err := <-serverErrCh:
		t.Fatalf("launcher accept: %v", err)
	}

	wg.Wait()
	for r, err := range errs {
		require.NoErrorf(t, err, "rank %d", r)
	}
	for r, node := range nodes {
		require.NotNilf(t, node, "rank %d", r)
		require.Len(t, node.Children, len(shape.Children[r]))
	}
}
