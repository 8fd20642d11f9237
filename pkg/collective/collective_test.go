package collective

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/flowmesh/pkg/tree"
)

// buildLocalTree wires up n ranks over in-process net.Pipe connections
// according to shape, skipping the dialer/listener/auth machinery that
// real wireup drivers need: the shape already tells every rank exactly
// which edges exist, so the test can hand each side its matching pipe
// end directly.
func buildLocalTree(t *testing.T, shape *tree.Shape) []*tree.Node {
	t.Helper()
	nodes := make([]*tree.Node, shape.N)
	parents := make([]net.Conn, shape.N)
	children := make([][]net.Conn, shape.N)
	for r := 0; r < shape.N; r++ {
		children[r] = make([]net.Conn, len(shape.Children[r]))
	}
	for r := 0; r < shape.N; r++ {
		for i, c := range shape.Children[r] {
			parentSide, childSide := net.Pipe()
			children[r][i] = parentSide
			parents[c] = childSide
		}
	}
	for r := 0; r < shape.N; r++ {
		nodes[r] = tree.NewNode(r, shape, parents[r], children[r], nil)
	}
	return nodes
}

func runOnAll(nodes []*tree.Node, fn func(n *tree.Node) error) []error {
	var wg sync.WaitGroup
	errs := make([]error, len(nodes))
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *tree.Node) {
			defer wg.Done()
			errs[i] = fn(n)
		}(i, n)
	}
	wg.Wait()
	return errs
}

func requireAllNil(t *testing.T, errs []error) {
	t.Helper()
	for i, err := range errs {
		require.NoErrorf(t, err, "rank %d", i)
	}
}

func TestBarrierAllRanksReturn(t *testing.T) {
	shape := tree.Build(tree.Binomial, 7)
	nodes := buildLocalTree(t, shape)
	errs := runOnAll(nodes, func(n *tree.Node) error {
		return Barrier(n, 2000)
	})
	requireAllNil(t, errs)
}

func TestBcastReplicatesRootValue(t *testing.T) {
	shape := tree.Build(tree.Binary, 7)
	nodes := buildLocalTree(t, shape)
	const payload = "hello-tree"
	results := make([][]byte, len(nodes))
	errs := runOnAll(nodes, func(n *tree.Node) error {
		buf := make([]byte, len(payload))
		if n.Rank == 0 {
			copy(buf, payload)
		}
		err := Bcast(n, buf, 2000)
		results[n.Rank] = buf
		return err
	})
	requireAllNil(t, errs)
	for i, buf := range results {
		require.Equalf(t, payload, string(buf), "rank %d", i)
	}
}

func TestGatherOrdersBySubtree(t *testing.T) {
	shape := tree.Build(tree.Binomial, 5)
	nodes := buildLocalTree(t, shape)
	const sendcount = 4
	var recv []byte
	errs := runOnAll(nodes, func(n *tree.Node) error {
		send := make([]byte, sendcount)
		binary.LittleEndian.PutUint32(send, uint32(n.Rank))
		var rb []byte
		if n.Rank == 0 {
			rb = make([]byte, shape.N*sendcount)
		}
		err := Gather(n, send, sendcount, rb, 2000)
		if n.Rank == 0 {
			recv = rb
		}
		return err
	})
	requireAllNil(t, errs)
	for r := 0; r < shape.N; r++ {
		got := binary.LittleEndian.Uint32(recv[r*sendcount:])
		require.Equal(t, uint32(r), got)
	}
}

func TestScatterDistributesPerRankSlice(t *testing.T) {
	shape := tree.Build(tree.Binary, 6)
	nodes := buildLocalTree(t, shape)
	const sendcount = 4
	send := make([]byte, shape.N*sendcount)
	for r := 0; r < shape.N; r++ {
		binary.LittleEndian.PutUint32(send[r*sendcount:], uint32(100+r))
	}
	got := make([][]byte, shape.N)
	errs := runOnAll(nodes, func(n *tree.Node) error {
		var sb []byte
		if n.Rank == 0 {
			sb = send
		}
		rb := make([]byte, sendcount)
		err := Scatter(n, sb, sendcount, rb, 2000)
		got[n.Rank] = rb
		return err
	})
	requireAllNil(t, errs)
	for r := 0; r < shape.N; r++ {
		require.Equal(t, uint32(100+r), binary.LittleEndian.Uint32(got[r]))
	}
}

func TestAllgatherEveryRankSeesEverything(t *testing.T) {
	shape := tree.Build(tree.Binomial, 4)
	nodes := buildLocalTree(t, shape)
	const sendcount = 2
	recvs := make([][]byte, shape.N)
	errs := runOnAll(nodes, func(n *tree.Node) error {
		send := []byte{byte(n.Rank), byte(n.Rank + 1)}
		rb := make([]byte, shape.N*sendcount)
		err := Allgather(n, send, sendcount, rb, 2000)
		recvs[n.Rank] = rb
		return err
	})
	requireAllNil(t, errs)
	for r := 0; r < shape.N; r++ {
		for src := 0; src < shape.N; src++ {
			require.Equal(t, byte(src), recvs[r][src*sendcount])
		}
	}
}

func TestAlltoallTransposesPerRankRows(t *testing.T) {
	shape := tree.Build(tree.Binary, 4)
	nodes := buildLocalTree(t, shape)
	const sendcount = 1
	N := shape.N
	recvs := make([][]byte, N)
	errs := runOnAll(nodes, func(n *tree.Node) error {
		send := make([]byte, N*sendcount)
		for dst := 0; dst < N; dst++ {
			send[dst] = byte(n.Rank*10 + dst)
		}
		recv := make([]byte, N*sendcount)
		err := Alltoall(n, send, sendcount, recv, 2000)
		recvs[n.Rank] = recv
		return err
	})
	requireAllNil(t, errs)
	for dst := 0; dst < N; dst++ {
		for src := 0; src < N; src++ {
			require.Equal(t, byte(src*10+dst), recvs[dst][src])
		}
	}
}

func TestAllreduceInt64Sum(t *testing.T) {
	shape := tree.Build(tree.Binomial, 7)
	nodes := buildLocalTree(t, shape)
	results := make([]int64, shape.N)
	errs := make([]error, shape.N)
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *tree.Node) {
			defer wg.Done()
			v, err := AllreduceInt64(n, int64(n.Rank+1), Sum, 2000)
			results[n.Rank] = v
			errs[n.Rank] = err
		}(n)
	}
	wg.Wait()
	requireAllNil(t, errs)
	for _, v := range results {
		require.Equal(t, int64(28), v) // 1+2+...+7
	}
}

func TestAllreduceInt64Max(t *testing.T) {
	shape := tree.Build(tree.Binary, 7)
	nodes := buildLocalTree(t, shape)
	results := make([]int64, shape.N)
	errs := make([]error, shape.N)
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *tree.Node) {
			defer wg.Done()
			v, err := AllreduceInt64(n, int64(n.Rank), Max, 2000)
			results[n.Rank] = v
			errs[n.Rank] = err
		}(n)
	}
	wg.Wait()
	requireAllNil(t, errs)
	for _, v := range results {
		require.Equal(t, int64(6), v)
	}
}

func TestAggregateConcatenatesAndSplits(t *testing.T) {
	shape := tree.Build(tree.Binomial, 5)
	nodes := buildLocalTree(t, shape)
	results := make([][]byte, shape.N)
	errs := make([]error, shape.N)
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *tree.Node) {
			defer wg.Done()
			payload := []byte{byte('a' + n.Rank)}
			buf, err := Aggregate(n, payload, 2000)
			results[n.Rank] = buf
			errs[n.Rank] = err
		}(n)
	}
	wg.Wait()
	requireAllNil(t, errs)
	chunks, err := SplitChunks(results[0])
	require.NoError(t, err)
	require.Len(t, chunks, shape.N)
	seen := make(map[byte]bool)
	for _, c := range chunks {
		require.Len(t, c, 1)
		seen[c[0]] = true
	}
	for r := 0; r < shape.N; r++ {
		require.Truef(t, seen[byte('a'+r)], "rank %d payload missing", r)
	}
	for r := 1; r < shape.N; r++ {
		require.Equal(t, results[0], results[r], "rank %d result differs from root", r)
	}
}
