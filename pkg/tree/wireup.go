package tree

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/flowmesh/internal/config"
	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
	"github.com/khryptorgraphics/flowmesh/pkg/wireauth"
	"github.com/khryptorgraphics/flowmesh/pkg/wireio"
)

// DialFunc resolves a peer rank to a live connection. Each driver
// (launcher-mediated, KVS-mediated, shared-memory+leader) supplies its
// own, differing only in how the (rank -> address) table was obtained.
type DialFunc func(ctx context.Context, peerRank int) (net.Conn, error)

// effectiveConnectDown returns, for edges between a rank at the given
// depth and that rank's parent, whether the parent dials down to the
// child. It alternates with depth so that two adjacent tree layers never
// simultaneously try to both dial (which would just race harmlessly) or
// both wait to accept (which would deadlock): layer parity flips the
// base MPIRUN_CONNECT_DOWN policy once per depth, producing the
// depth-parity schedule described in the bootstrap fabric's wireup
// design.
func effectiveConnectDown(cfg *config.Config, depth int) bool {
	flip := depth%2 == 1
	return cfg.ConnectDown != flip
}

// Wireup builds a Node by connecting/accepting to Shape's parent and
// children of rank, using dial to resolve addresses and listener to
// accept incoming peers. Every edge runs the auth handshake (a no-op
// pair of calls when auth.Enabled is false).
func Wireup(ctx context.Context, shape *Shape, rank int, listener net.Listener, dial DialFunc, cfg *config.Config, auth *wireauth.Config, log *logrus.Entry) (*Node, error) {
	start := time.Now()
	defer func() { wireupMetrics.WireupDuration.Observe(time.Since(start).Seconds()) }()

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("rank", rank)

	depth := shape.Depth[rank]
	parent := shape.Parent[rank]
	children := shape.Children[rank]

	parentCD := false
	if parent >= 0 {
		parentCD = effectiveConnectDown(cfg, depth-1)
	}
	selfCD := effectiveConnectDown(cfg, depth)

	var (
		parentConn   net.Conn
		childConns   = make([]net.Conn, len(children))
		childByRank  = make(map[int]int, len(children))
		mu           sync.Mutex
		dialGroup    sync.WaitGroup
		dialErr      error
		expectAccept int
	)
	for i, c := range children {
		childByRank[c] = i
	}
	if parent >= 0 && parentCD {
		expectAccept++
	}
	if !selfCD {
		expectAccept += len(children)
	}

	recordErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if dialErr == nil {
			dialErr = err
		}
	}

	dialPeer := func(peerRank int, isParent bool) {
		defer dialGroup.Done()
		conn, err := connectWithRetry(ctx, cfg, func(dialCtx context.Context) (net.Conn, error) { return dial(dialCtx, peerRank) }, log)
		if err != nil {
			recordErr(fmt.Errorf("tree: dial rank %d: %w", peerRank, err))
			return
		}
		if err := auth.Connect(conn); err != nil {
			conn.Close()
			recordErr(fmt.Errorf("tree: authenticate rank %d: %w", peerRank, err))
			return
		}
		if err := wireio.WriteU32(conn, uint32(rank)); err != nil {
			conn.Close()
			recordErr(fmt.Errorf("tree: announce rank to %d: %w", peerRank, err))
			return
		}
		mu.Lock()
		if isParent {
			parentConn = conn
		} else {
			childConns[childByRank[peerRank]] = conn
		}
		mu.Unlock()
	}

	if parent >= 0 && !parentCD {
		dialGroup.Add(1)
		go dialPeer(parent, true)
	}
	if selfCD {
		for _, c := range children {
			dialGroup.Add(1)
			go dialPeer(c, false)
		}
	}

	for i := 0; i < expectAccept; i++ {
		conn, err := acceptWithTimeout(ctx, listener, cfg.OpenTimeout)
		if err != nil {
			dialGroup.Wait()
			return nil, fmt.Errorf("tree: accept: %w", err)
		}
		if err := auth.Accept(conn); err != nil {
			conn.Close()
			dialGroup.Wait()
			return nil, fmt.Errorf("tree: authenticate incoming: %w", err)
		}
		peerRank, err := wireio.ReadU32Timeout(conn, int(cfg.OpenTimeout/time.Millisecond))
		if err != nil {
			conn.Close()
			dialGroup.Wait()
			return nil, fmt.Errorf("tree: read peer rank: %w", err)
		}
		mu.Lock()
		if int(peerRank) == parent {
			parentConn = conn
		} else if idx, ok := childByRank[int(peerRank)]; ok {
			childConns[idx] = conn
		} else {
			mu.Unlock()
			conn.Close()
			dialGroup.Wait()
			return nil, fmt.Errorf("tree: accepted unknown rank %d: %w", peerRank, rfcerr.ErrProtocol)
		}
		mu.Unlock()
	}

	dialGroup.Wait()
	if dialErr != nil {
		return nil, dialErr
	}
	for i, c := range childConns {
		if c == nil {
			return nil, fmt.Errorf("tree: missing connection to child %d: %w", children[i], rfcerr.ErrPeerLost)
		}
	}
	if parent >= 0 && parentConn == nil {
		return nil, fmt.Errorf("tree: missing connection to parent %d: %w", parent, rfcerr.ErrPeerLost)
	}
	return NewNode(rank, shape, parentConn, childConns, log), nil
}

func acceptWithTimeout(ctx context.Context, listener net.Listener, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		ch <- result{conn, err}
	}()
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-timer:
		return nil, fmt.Errorf("tree: accept: %w", wireio.ErrPollTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connectWithRetry dials up to cfg.ConnectTries times, sleeping
// cfg.ConnectBackoff (optionally randomized) between attempts.
func connectWithRetry(ctx context.Context, cfg *config.Config, dial func(context.Context) (net.Conn, error), log *logrus.Entry) (net.Conn, error) {
	tries := cfg.ConnectTries
	if tries < 1 {
		tries = 1
	}
	var lastErr error
	for attempt := 1; attempt <= tries; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		conn, err := dial(dialCtx)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Debug("tree: connect attempt failed")
		if attempt == tries {
			break
		}
		backoff := cfg.ConnectBackoff
		if cfg.ConnectRandom && backoff > 0 {
			backoff = time.Duration(rand.Int63n(int64(backoff) + 1))
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("tree: connect failed after %d attempts: %w", tries, lastErr)
}

// DialTCP is the common TCP dialer every driver's DialFunc wraps once it
// has resolved peerRank to a "host:port" address.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}
