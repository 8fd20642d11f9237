// Package launcher implements the flat-star protocol every rank speaks
// to a launcher process before the tree overlay exists (or permanently,
// when MPIRUN_USE_TREES disables the tree). Every client message opens
// with a little-endian u32 opcode; the launcher reads one packet from
// every rank, in rank order, before completing any operation, which is
// how synchronization emerges without a per-packet barrier.
package launcher

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
	"github.com/khryptorgraphics/flowmesh/pkg/wireio"
)

// Opcode identifies a launcher-protocol message.
type Opcode uint32

const (
	OPEN Opcode = iota
	CLOSE
	ABORT
	BARRIER
	BCAST
	GATHER
	SCATTER
	ALLGATHER
	ALLTOALL
)

// ProtocolVersion is sent by every client immediately after the OPEN
// opcode, before its rank, so a launcher can refuse a version it does
// not speak.
const ProtocolVersion = 8

func writeOpcode(conn net.Conn, op Opcode) error {
	return wireio.WriteU32(conn, uint32(op))
}

func readOpcode(conn net.Conn, msecs int) (Opcode, error) {
	v, err := wireio.ReadU32Timeout(conn, msecs)
	return Opcode(v), err
}

// Client is one rank's connection to the launcher.
type Client struct {
	conn net.Conn
	rank int
}

// Dial opens conn and runs the OPEN handshake: protocol version, then
// rank.
func Dial(ctx context.Context, addr string, rank int) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("launcher: dial: %w", err)
	}
	c := &Client{conn: conn, rank: rank}
	if err := writeOpcode(conn, OPEN); err != nil {
		conn.Close()
		return nil, fmt.Errorf("launcher: open: %w", err)
	}
	if err := wireio.WriteU32(conn, ProtocolVersion); err != nil {
		conn.Close()
		return nil, fmt.Errorf("launcher: open: write version: %w", err)
	}
	if err := wireio.WriteU32(conn, uint32(rank)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("launcher: open: write rank: %w", err)
	}
	return c, nil
}

// Close sends CLOSE and releases the underlying connection.
func (c *Client) Close() error {
	_ = writeOpcode(c.conn, CLOSE)
	return c.conn.Close()
}

// Abort sends ABORT with code; the launcher does not reply.
func (c *Client) Abort(code uint32) error {
	if err := writeOpcode(c.conn, ABORT); err != nil {
		return err
	}
	return wireio.WriteU32(c.conn, code)
}

// Barrier blocks until the launcher has seen a BARRIER from every rank
// and echoes it back.
func (c *Client) Barrier(msecs int) error {
	if err := writeOpcode(c.conn, BARRIER); err != nil {
		return err
	}
	op, err := readOpcode(c.conn, msecs)
	if err != nil {
		return err
	}
	if op != BARRIER {
		return fmt.Errorf("launcher: barrier: unexpected echo %d: %w", op, rfcerr.ErrProtocol)
	}
	return nil
}

// Bcast sends buf (meaningful only when c.rank == root) and receives
// the root's value back into buf.
func (c *Client) Bcast(root int, buf []byte, msecs int) error {
	if err := writeOpcode(c.conn, BCAST); err != nil {
		return err
	}
	if err := wireio.WriteU32(c.conn, uint32(root)); err != nil {
		return err
	}
	if err := wireio.WriteU32(c.conn, uint32(len(buf))); err != nil {
		return err
	}
	if c.rank == root {
		if err := wireio.WriteFull(c.conn, buf); err != nil {
			return err
		}
	}
	return wireio.ReadFullTimeout(c.conn, buf, msecs)
}

// Gather sends sendbuf; recvbuf is only filled when c.rank == root, and
// must be len(sendbuf)*N bytes there.
func (c *Client) Gather(root int, sendbuf, recvbuf []byte, msecs int) error {
	if err := writeOpcode(c.conn, GATHER); err != nil {
		return err
	}
	if err := wireio.WriteU32(c.conn, uint32(root)); err != nil {
		return err
	}
	if err := wireio.WriteU32(c.conn, uint32(len(sendbuf))); err != nil {
		return err
	}
	if err := wireio.WriteFull(c.conn, sendbuf); err != nil {
		return err
	}
	if c.rank != root {
		return nil
	}
	return wireio.ReadFullTimeout(c.conn, recvbuf, msecs)
}

// Scatter sends sendbuf (meaningful only when c.rank == root, must be
// len(recvbuf)*N bytes there) and receives this rank's slice.
func (c *Client) Scatter(root int, sendbuf, recvbuf []byte, msecs int) error {
	if err := writeOpcode(c.conn, SCATTER); err != nil {
		return err
	}
	if err := wireio.WriteU32(c.conn, uint32(root)); err != nil {
		return err
	}
	if err := wireio.WriteU32(c.conn, uint32(len(recvbuf))); err != nil {
		return err
	}
	if c.rank == root {
		if err := wireio.WriteFull(c.conn, sendbuf); err != nil {
			return err
		}
	}
	return wireio.ReadFullTimeout(c.conn, recvbuf, msecs)
}

// Allgather sends sendbuf and receives every rank's contribution,
// ordered by rank, into recvbuf (len(sendbuf)*N bytes).
func (c *Client) Allgather(sendbuf, recvbuf []byte, msecs int) error {
	if err := writeOpcode(c.conn, ALLGATHER); err != nil {
		return err
	}
	if err := wireio.WriteU32(c.conn, uint32(len(sendbuf))); err != nil {
		return err
	}
	if err := wireio.WriteFull(c.conn, sendbuf); err != nil {
		return err
	}
	return wireio.ReadFullTimeout(c.conn, recvbuf, msecs)
}

// Alltoall sends sendbuf (N equal-sized slices, one per destination
// rank) and receives recvbuf, the transposed exchange.
func (c *Client) Alltoall(sendbuf, recvbuf []byte, msecs int) error {
	if err := writeOpcode(c.conn, ALLTOALL); err != nil {
		return err
	}
	if err := wireio.WriteU32(c.conn, uint32(len(sendbuf))); err != nil {
		return err
	}
	if err := wireio.WriteFull(c.conn, sendbuf); err != nil {
		return err
	}
	return wireio.ReadFullTimeout(c.conn, recvbuf, msecs)
}

// Server is the launcher's N-rank endpoint table. It completes every
// operation only once it has read that operation's packet from every
// connected rank, in ascending rank order, matching the reference
// launcher's synchronization-by-read-order behavior.
type Server struct {
	conns []net.Conn
}

// Accept blocks on listener until n ranks have completed OPEN, placing
// each connection at its announced rank. openTimeout bounds each read
// of a connection's OPEN handshake; listener.Accept itself waits
// without a timeout.
func Accept(ctx context.Context, listener net.Listener, n int, openTimeout time.Duration) (*Server, error) {
	s := &Server{conns: make([]net.Conn, n)}
	remaining := n
	for remaining > 0 {
		conn, err := listener.Accept()
		if err != nil {
			return nil, fmt.Errorf("launcher: accept: %w", err)
		}
		msecs := int(openTimeout / time.Millisecond)
		op, err := readOpcode(conn, msecs)
		if err != nil || op != OPEN {
			conn.Close()
			return nil, fmt.Errorf("launcher: expected OPEN: %w", rfcerr.ErrProtocol)
		}
		version, err := wireio.ReadU32Timeout(conn, msecs)
		if err != nil || version != ProtocolVersion {
			conn.Close()
			return nil, fmt.Errorf("launcher: unsupported protocol version: %w", rfcerr.ErrProtocol)
		}
		rank, err := wireio.ReadU32Timeout(conn, msecs)
		if err != nil || int(rank) < 0 || int(rank) >= n {
			conn.Close()
			return nil, fmt.Errorf("launcher: bad rank in OPEN: %w", rfcerr.ErrProtocol)
		}
		if s.conns[rank] != nil {
			conn.Close()
			return nil, fmt.Errorf("launcher: duplicate OPEN for rank %d: %w", rank, rfcerr.ErrExists)
		}
		s.conns[rank] = conn
		remaining--
	}
	return s, nil
}

// N reports the number of ranks this server serves.
func (s *Server) N() int { return len(s.conns) }


// Barrier reads BARRIER from every rank, then echoes it back to all.
func (s *Server) Barrier(msecs int) error {
	for r, conn := range s.conns {
		op, err := readOpcode(conn, msecs)
		if err != nil {
			return fmt.Errorf("launcher: barrier: rank %d: %w", r, err)
		}
		if op != BARRIER {
			return fmt.Errorf("launcher: barrier: rank %d sent %d: %w", r, op, rfcerr.ErrProtocol)
		}
	}
	for r, conn := range s.conns {
		if err := writeOpcode(conn, BARRIER); err != nil {
			return fmt.Errorf("launcher: barrier: echo to rank %d: %w", r, err)
		}
	}
	return nil
}

// Bcast reads BCAST(root, size) from every rank, the payload from
// root's connection, then writes it to every rank.
func (s *Server) Bcast(msecs int) error {
	roots := make([]int, len(s.conns))
	sizes := make([]int, len(s.conns))
	for r, conn := range s.conns {
		op, err := readOpcode(conn, msecs)
		if err != nil || op != BCAST {
			return fmt.Errorf("launcher: bcast: rank %d: %w", r, rfcerr.ErrProtocol)
		}
		root, err := wireio.ReadU32Timeout(conn, msecs)
		if err != nil {
			return err
		}
		size, err := wireio.ReadU32Timeout(conn, msecs)
		if err != nil {
			return err
		}
		roots[r], sizes[r] = int(root), int(size)
	}
	root := roots[0]
	if root < 0 || root >= len(s.conns) {
		return fmt.Errorf("launcher: bcast: invalid root %d: %w", root, rfcerr.ErrInvalid)
	}
	payload := make([]byte, sizes[root])
	if err := wireio.ReadFullTimeout(s.conns[root], payload, msecs); err != nil {
		return fmt.Errorf("launcher: bcast: read payload from root: %w", err)
	}
	for r, conn := range s.conns {
		if err := wireio.WriteFull(conn, payload); err != nil {
			return fmt.Errorf("launcher: bcast: write to rank %d: %w", r, err)
		}
	}
	return nil
}

// Gather reads GATHER(root, size, payload) from every rank, assembles
// the N*size buffer in rank order, and writes it to root alone.
func (s *Server) Gather(msecs int) error {
	n := len(s.conns)
	var root, size int
	payloads := make([][]byte, n)
	for r, conn := range s.conns {
		op, err := readOpcode(conn, msecs)
		if err != nil || op != GATHER {
			return fmt.Errorf("launcher: gather: rank %d: %w", r, rfcerr.ErrProtocol)
		}
		rootU, err := wireio.ReadU32Timeout(conn, msecs)
		if err != nil {
			return err
		}
		sizeU, err := wireio.ReadU32Timeout(conn, msecs)
		if err != nil {
			return err
		}
		if r == 0 {
			root, size = int(rootU), int(sizeU)
		}
		buf := make([]byte, sizeU)
		if err := wireio.ReadFullTimeout(conn, buf, msecs); err != nil {
			return fmt.Errorf("launcher: gather: payload from rank %d: %w", r, err)
		}
		payloads[r] = buf
	}
	full := make([]byte, 0, n*size)
	for _, p := range payloads {
		full = append(full, p...)
	}
	if root < 0 || root >= n {
		return fmt.Errorf("launcher: gather: invalid root %d: %w", root, rfcerr.ErrInvalid)
	}
	return wireio.WriteFull(s.conns[root], full)
}

// Scatter reads SCATTER(root, size) from every rank plus the full
// N*size payload from root, then writes each rank its size-byte slice.
func (s *Server) Scatter(msecs int) error {
	n := len(s.conns)
	var root, size int
	for r, conn := range s.conns {
		op, err := readOpcode(conn, msecs)
		if err != nil || op != SCATTER {
			return fmt.Errorf("launcher: scatter: rank %d: %w", r, rfcerr.ErrProtocol)
		}
		rootU, err := wireio.ReadU32Timeout(conn, msecs)
		if err != nil {
			return err
		}
		sizeU, err := wireio.ReadU32Timeout(conn, msecs)
		if err != nil {
			return err
		}
		if r == 0 {
			root, size = int(rootU), int(sizeU)
		}
	}
	if root < 0 || root >= n {
		return fmt.Errorf("launcher: scatter: invalid root %d: %w", root, rfcerr.ErrInvalid)
	}
	full := make([]byte, n*size)
	if err := wireio.ReadFullTimeout(s.conns[root], full, msecs); err != nil {
		return fmt.Errorf("launcher: scatter: read payload from root: %w", err)
	}
	for r, conn := range s.conns {
		if err := wireio.WriteFull(conn, full[r*size:(r+1)*size]); err != nil {
			return fmt.Errorf("launcher: scatter: write to rank %d: %w", r, err)
		}
	}
	return nil
}

// Allgather reads ALLGATHER(size, payload) from every rank, assembles
// the N*size buffer in rank order, and writes it to every rank.
func (s *Server) Allgather(msecs int) error {
	n := len(s.conns)
	payloads := make([][]byte, n)
	for r, conn := range s.conns {
		op, err := readOpcode(conn, msecs)
		if err != nil || op != ALLGATHER {
			return fmt.Errorf("launcher: allgather: rank %d: %w", r, rfcerr.ErrProtocol)
		}
		size, err := wireio.ReadU32Timeout(conn, msecs)
		if err != nil {
			return err
		}
		buf := make([]byte, size)
		if err := wireio.ReadFullTimeout(conn, buf, msecs); err != nil {
			return fmt.Errorf("launcher: allgather: payload from rank %d: %w", r, err)
		}
		payloads[r] = buf
	}
	full := make([]byte, 0)
	for _, p := range payloads {
		full = append(full, p...)
	}
	for r, conn := range s.conns {
		if err := wireio.WriteFull(conn, full); err != nil {
			return fmt.Errorf("launcher: allgather: write to rank %d: %w", r, err)
		}
	}
	return nil
}

// Alltoall reads ALLTOALL(size, N*size payload) from every rank,
// transposes the resulting N*N*size matrix, and writes each rank its
// transposed row.
func (s *Server) Alltoall(msecs int) error {
	n := len(s.conns)
	var size int
	rows := make([][]byte, n)
	for r, conn := range s.conns {
		op, err := readOpcode(conn, msecs)
		if err != nil || op != ALLTOALL {
			return fmt.Errorf("launcher: alltoall: rank %d: %w", r, rfcerr.ErrProtocol)
		}
		totalU, err := wireio.ReadU32Timeout(conn, msecs)
		if err != nil {
			return err
		}
		total := int(totalU)
		if r == 0 {
			size = total / n
		}
		buf := make([]byte, total)
		if err := wireio.ReadFullTimeout(conn, buf, msecs); err != nil {
			return fmt.Errorf("launcher: alltoall: payload from rank %d: %w", r, err)
		}
		rows[r] = buf
	}
	out := make([][]byte, n)
	for dst := 0; dst < n; dst++ {
		out[dst] = make([]byte, n*size)
		for src := 0; src < n; src++ {
			copy(out[dst][src*size:(src+1)*size], rows[src][dst*size:(dst+1)*size])
		}
	}
	for r, conn := range s.conns {
		if err := wireio.WriteFull(conn, out[r]); err != nil {
			return fmt.Errorf("launcher: alltoall: write to rank %d: %w", r, err)
		}
	}
	return nil
}

// ReadAbort reads a single ABORT(code) message from rank's connection.
// Abort is fire-and-forget and outside the per-operation synchronized
// read-order the other opcodes use: a caller polls for it (or simply
// observes the connection close) rather than having it interleaved
// with an in-flight Barrier/Bcast/etc. read loop.
func (s *Server) ReadAbort(rank int, msecs int) (uint32, error) {
	op, err := readOpcode(s.conns[rank], msecs)
	if err != nil {
		return 0, err
	}
	if op != ABORT {
		return 0, fmt.Errorf("launcher: read abort: rank %d sent %d: %w", rank, op, rfcerr.ErrProtocol)
	}
	return wireio.ReadU32Timeout(s.conns[rank], msecs)
}

// Close closes every rank's connection.
func (s *Server) Close() error {
	var first error
	for _, conn := range s.conns {
		if conn == nil {
			continue
		}
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

