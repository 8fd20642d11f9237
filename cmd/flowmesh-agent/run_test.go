package main

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/flowmesh/internal/config"
	lnch "github.com/khryptorgraphics/flowmesh/pkg/launcher"
	"github.com/khryptorgraphics/flowmesh/pkg/wireauth"
)

func baseConfig(rank, nprocs int) *config.Config {
	cfg := config.Default()
	cfg.Rank = rank
	cfg.NProcs = nprocs
	cfg.OpenTimeout = 5 * time.Second
	cfg.AbortRank = -1
	return cfg
}

func runRanks(t *testing.T, n int, build func(rank int) *config.Config) []error {
	t.Helper()
	errs := make([]error, n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = runAgent(context.Background(), build(r))
		}(r)
	}
	wg.Wait()
	return errs
}

// startTestLauncher runs the launcher side in the background for n
// ranks and returns its listen address plus a channel carrying its
// final error (nil on success).
func startTestLauncher(t *testing.T, n int) (string, <-chan error) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	errCh := make(chan error, 1)
	go func() {
		s, err := lnch.Accept(context.Background(), l, n, 5*time.Second)
		if err != nil {
			errCh <- err
			return
		}
		defer s.Close()
		if err := s.Allgather(5000); err != nil {
			errCh <- err
			return
		}
		errCh <- s.Barrier(5000)
	}()
	return l.Addr().String(), errCh
}

func TestRunAgentLauncherMediatedFullSequence(t *testing.T) {
	const n = 4
	addr, serverErr := startTestLauncher(t, n)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	errs := runRanks(t, n, func(rank int) *config.Config {
		cfg := baseConfig(rank, n)
		cfg.LauncherHost = host
		cfg.LauncherPort = port
		return cfg
	})

	require.NoError(t, <-serverErr)
	for r, e := range errs {
		require.NoErrorf(t, e, "rank %d", r)
	}
}

func TestRunAgentLauncherMediatedAbortPropagates(t *testing.T) {
	const n = 4
	const abortRank = 2
	addr, serverErr := startTestLauncher(t, n)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	errs := runRanks(t, n, func(rank int) *config.Config {
		cfg := baseConfig(rank, n)
		cfg.LauncherHost = host
		cfg.LauncherPort = port
		cfg.AbortRank = abortRank
		return cfg
	})

	require.NoError(t, <-serverErr)
	require.Error(t, errs[abortRank])
	for r, e := range errs {
		if r == abortRank {
			continue
		}
		require.NoErrorf(t, e, "rank %d should observe the abort and exit cleanly", r)
	}
}

func TestRunAgentKVSMediatedFullSequence(t *testing.T) {
	const n = 4
	dir := t.TempDir()

	errs := runRanks(t, n, func(rank int) *config.Config {
		cfg := baseConfig(rank, n)
		cfg.PMIEnable = true
		cfg.KVSDir = dir
		return cfg
	})
	for r, e := range errs {
		require.NoErrorf(t, e, "rank %d", r)
	}
}

func TestRunShmLocalRanksRejectsPeerHostsWithoutPortRange(t *testing.T) {
	cfg := baseConfig(0, 4)
	cfg.ShmEnable = true
	cfg.LocalRanks = "0-3"
	cfg.ShmCheckinPath = filepath.Join(t.TempDir(), "checkins")
	cfg.ShmCheckinTO = 2 * time.Second
	cfg.LeaderPeerHosts = "node-a,node-b"
	auth := &wireauth.Config{Enabled: false}

	err := runShmLocalRanks(context.Background(), cfg, auth, int(cfg.OpenTimeout/time.Millisecond))
	require.Error(t, err)
}

func TestRunShmLocalRanksFullSequence(t *testing.T) {
	cfg := baseConfig(0, 4)
	cfg.ShmEnable = true
	cfg.LocalRanks = "0-3"
	cfg.ShmCheckinPath = filepath.Join(t.TempDir(), "checkins")
	cfg.ShmCheckinTO = 2 * time.Second
	auth := &wireauth.Config{Enabled: false}

	err := runShmLocalRanks(context.Background(), cfg, auth, int(cfg.OpenTimeout/time.Millisecond))
	require.NoError(t, err)
}
