package launcher

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/khryptorgraphics/flowmesh/internal/config"
	"github.com/khryptorgraphics/flowmesh/pkg/rangeparse"
)

// ScanConnect is the port-scan connector: the shared-memory+leader-tree
// driver's peer leaders advertise a host but not a port (they bind
// somewhere in a shared range rather than exchanging one), so finding a
// peer means walking portRange (a rangeparse expression, e.g.
// "40000-40016") and trying to connect on each candidate in turn. A
// rate.Limiter paces attempts at one per PortScanSleep so a wide range
// doesn't open a connection storm; each candidate gets PortScanAttempts
// tries of up to PortScanConnectTO before moving to the next port, and
// the whole scan gives up after PortScanTimeout.
func ScanConnect(ctx context.Context, host string, portRange string, cfg *config.Config, log *logrus.Entry) (net.Conn, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	n, err := rangeparse.Count(portRange)
	if err != nil {
		return nil, fmt.Errorf("launcher: port-scan: %w", err)
	}
	if n < 1 {
		return nil, fmt.Errorf("launcher: port-scan: empty port range %q", portRange)
	}

	// PortScanTimeout is this call's own budget, not whatever deadline a
	// caller's generic connect-retry wrapper already imposed on ctx (that
	// deadline is sized for a single known-address dial, not a walk over
	// a whole port range, and would otherwise cut the scan short).
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.PortScanTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(cfg.PortScanSleep), 1)
	attempts := cfg.PortScanAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= n; i++ {
		port, err := rangeparse.Nth(portRange, i)
		if err != nil {
			return nil, fmt.Errorf("launcher: port-scan: %w", err)
		}
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

		for attempt := 1; attempt <= attempts; attempt++ {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("launcher: port-scan: %w", err)
			}
			dialCtx, dialCancel := context.WithTimeout(ctx, cfg.PortScanConnectTO)
			var d net.Dialer
			conn, err := d.DialContext(dialCtx, "tcp", addr)
			dialCancel()
			if err == nil {
				log.WithField("addr", addr).Debug("launcher: port-scan connected")
				return conn, nil
			}
			lastErr = err
		}
	}
	return nil, fmt.Errorf("launcher: port-scan: no listener found on %s in range %s: %w", host, portRange, lastErr)
}

// ListenInRange binds the first free port in portRange, so a peer's
// ScanConnect can find this node without an out-of-band port exchange.
// addr is the interface to bind ("" means every interface).
func ListenInRange(addr, portRange string) (net.Listener, error) {
	n, err := rangeparse.Count(portRange)
	if err != nil {
		return nil, fmt.Errorf("launcher: listen-in-range: %w", err)
	}
	var lastErr error
	for i := 1; i <= n; i++ {
		port, err := rangeparse.Nth(portRange, i)
		if err != nil {
			return nil, fmt.Errorf("launcher: listen-in-range: %w", err)
		}
		l, err := net.Listen("tcp", net.JoinHostPort(addr, fmt.Sprintf("%d", port)))
		if err == nil {
			return l, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("launcher: listen-in-range: no free port in %s: %w", portRange, lastErr)
}
