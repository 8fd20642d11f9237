// Package bootstrap implements the three alternative ways a rank
// resolves its tree peers' (host, port) endpoints before calling
// tree.Wireup: via the launcher's flat star, via an external
// process-manager KVS, or via a shared-memory-like local segment plus
// a leader tree across nodes.
package bootstrap

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
)

// Endpoint is a dialable (host, port) pair.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ListenerEndpoint derives the dialable endpoint a rank should publish
// for a listener it opened on "host:0" or similar. advertiseHost is
// substituted for the listener's own (often unspecified) address since
// net.Listener.Addr() only reports the local bind address, not a peer-
// reachable one.
func ListenerEndpoint(l net.Listener, advertiseHost string) (Endpoint, error) {
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		return Endpoint{}, fmt.Errorf("bootstrap: listener address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("bootstrap: listener port: %w", err)
	}
	return Endpoint{Host: advertiseHost, Port: port}, nil
}

// endpointRecordSize is the fixed-width wire encoding of one (rank,
// host, port) triple: u32 rank, u32 port, then a fixed 64-byte
// null-padded host field. A fixed width, rather than a length-prefixed
// one, lets the allgather/aggregate table exchanges use a single
// uniform sendcount across every rank without an extra negotiation
// round; it bounds advertised hostnames to 64 bytes, comfortably above
// any real hostname or dotted-quad/port-bearing address this fabric
// advertises.
const endpointRecordSize = 4 + 4 + 64

func encodeEndpoint(rank int, ep Endpoint) ([]byte, error) {
	host := []byte(ep.Host)
	if len(host) > 64 {
		return nil, fmt.Errorf("bootstrap: host %q exceeds 64 bytes: %w", ep.Host, rfcerr.ErrInvalid)
	}
	buf := make([]byte, endpointRecordSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(rank))
	binary.LittleEndian.PutUint32(buf[4:], uint32(ep.Port))
	copy(buf[8:], host)
	return buf, nil
}

func decodeEndpoint(buf []byte) (rank int, ep Endpoint, err error) {
	if len(buf) != endpointRecordSize {
		return 0, Endpoint{}, fmt.Errorf("bootstrap: decode endpoint: wrong size %d: %w", len(buf), rfcerr.ErrCorruption)
	}
	r := binary.LittleEndian.Uint32(buf[0:])
	port := binary.LittleEndian.Uint32(buf[4:])
	host := buf[8:]
	if i := indexZero(host); i >= 0 {
		host = host[:i]
	}
	return int(r), Endpoint{Host: string(host), Port: int(port)}, nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
