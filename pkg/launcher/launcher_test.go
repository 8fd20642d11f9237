package launcher

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// setup dials n clients concurrently and accepts them on the server,
// returning both sides once every rank has completed OPEN.
func setup(t *testing.T, n int) (*Server, []*Client) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	serverCh := make(chan *Server, 1)
	serverErrCh := make(chan error, 1)
	go func() {
		s, err := Accept(context.Background(), l, n, 2*time.Second)
		if err != nil {
			serverErrCh <- err
			return
		}
		serverCh <- s
	}()

	clients := make([]*Client, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			c, err := Dial(context.Background(), l.Addr().String(), r)
			require.NoError(t, err)
			clients[r] = c
		}(r)
	}
	wg.Wait()

	select {
	case s := <-serverCh:
		return s, clients
	case err := <-serverErrCh:
		t.Fatalf("accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server accept")
	}
	return nil, nil
}

func TestBarrierSynchronizesAllRanks(t *testing.T) {
	const n = 4
	s, clients := setup(t, n)
	defer s.Close()

	var wg sync.WaitGroup
	errs := make([]error, n)
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = clients[r].Barrier(2000)
		}(r)
	}
	serverErr := make(chan error, 1)
	go func() { serverErr <- s.Barrier(2000) }()
	wg.Wait()
	require.NoError(t, <-serverErr)
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestBcastDeliversRootPayload(t *testing.T) {
	const n = 3
	const root = 1
	s, clients := setup(t, n)
	defer s.Close()

	bufs := make([][]byte, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			buf := make([]byte, 5)
			if r == root {
				copy(buf, "howdy")
			}
			require.NoError(t, clients[r].Bcast(root, buf, 2000))
			bufs[r] = buf
		}(r)
	}
	serverErr := make(chan error, 1)
	go func() { serverErr <- s.Bcast(2000) }()
	wg.Wait()
	require.NoError(t, <-serverErr)
	for r, buf := range bufs {
		require.Equalf(t, "howdy", string(buf), "rank %d", r)
	}
}

func TestGatherOrdersByRank(t *testing.T) {
	const n = 5
	const root = 0
	s, clients := setup(t, n)
	defer s.Close()

	var recv []byte
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			send := []byte{byte(r)}
			var rb []byte
			if r == root {
				rb = make([]byte, n)
			}
			require.NoError(t, clients[r].Gather(root, send, rb, 2000))
			if r == root {
				recv = rb
			}
		}(r)
	}
	serverErr := make(chan error, 1)
	go func() { serverErr <- s.Gather(2000) }()
	wg.Wait()
	require.NoError(t, <-serverErr)
	for r := 0; r < n; r++ {
		require.Equal(t, byte(r), recv[r])
	}
}

func TestScatterDistributesSlices(t *testing.T) {
	const n = 4
	const root = 2
	s, clients := setup(t, n)
	defer s.Close()

	send := make([]byte, n)
	for i := range send {
		send[i] = byte(50 + i)
	}
	got := make([][]byte, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			var sb []byte
			if r == root {
				sb = send
			}
			rb := make([]byte, 1)
			require.NoError(t, clients[r].Scatter(root, sb, rb, 2000))
			got[r] = rb
		}(r)
	}
	serverErr := make(chan error, 1)
	go func() { serverErr <- s.Scatter(2000) }()
	wg.Wait()
	require.NoError(t, <-serverErr)
	for r := 0; r < n; r++ {
		require.Equal(t, byte(50+r), got[r][0])
	}
}

func TestAlltoallTransposesAcrossLauncher(t *testing.T) {
	const n = 3
	s, clients := setup(t, n)
	defer s.Close()

	recvs := make([][]byte, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			send := make([]byte, n)
			for dst := 0; dst < n; dst++ {
				send[dst] = byte(r*10 + dst)
			}
			recv := make([]byte, n)
			require.NoError(t, clients[r].Alltoall(send, recv, 2000))
			recvs[r] = recv
		}(r)
	}
	serverErr := make(chan error, 1)
	go func() { serverErr <- s.Alltoall(2000) }()
	wg.Wait()
	require.NoError(t, <-serverErr)
	for dst := 0; dst < n; dst++ {
		for src := 0; src < n; src++ {
			require.Equal(t, byte(src*10+dst), recvs[dst][src])
		}
	}
}
