package tree

import (
	"context"
	"net"
	"sync"
	"testing"

	dto "github.com/prometheus/client_golang/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/flowmesh/internal/config"
	"github.com/khryptorgraphics/flowmesh/pkg/wireauth"
)

// TestWireupTwoRanksRecordsDurationMetric wires up the simplest
// possible tree (rank 0 parent, rank 1 its only child) over two real
// TCP listeners and checks that both ranks come up connected to each
// other and that doing so is observed in tree_wireup_duration_seconds.
func TestWireupTwoRanksRecordsDurationMetric(t *testing.T) {
	var before dto.Metric
	require.NoError(t, wireupMetrics.WireupDuration.Write(&before))
	countBefore := before.GetHistogram().GetSampleCount()

	shape := Build(Binary, 2)
	cfg := config.Default()
	auth := &wireauth.Config{Enabled: false}

	listeners := make([]net.Listener, 2)
	for r := range listeners {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()
		listeners[r] = l
	}

	dial := func(from int) DialFunc {
		return func(ctx context.Context, peerRank int) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", listeners[peerRank].Addr().String())
		}
	}

	nodes := make([]*Node, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			nodes[r], errs[r] = Wireup(context.Background(), shape, r, listeners[r], dial(r), cfg, auth, nil)
		}(r)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Len(t, nodes[0].Children, 1)
	require.Empty(t, nodes[1].Children)

	var after dto.Metric
	require.NoError(t, wireupMetrics.WireupDuration.Write(&after))
	require.Equal(t, countBefore+2, after.GetHistogram().GetSampleCount())
}
