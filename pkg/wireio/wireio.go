// Package wireio provides bounded, timeout-aware read/write over a
// net.Conn. The reference implementation polled a raw fd directly; Go's
// netpoller already multiplexes readiness internally, so SetReadDeadline
// / SetWriteDeadline is the idiomatic stand-in for the poll() loop, and
// the same error taxonomy is preserved as typed sentinel errors so
// callers can still distinguish a timeout from a hangup from a short
// read.
package wireio

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Error taxonomy, one sentinel per condition the reference poll() loop
// distinguished.
var (
	ErrPoll           = errors.New("wireio: poll error")
	ErrPollTimeout    = errors.New("wireio: poll timeout")
	ErrPollHangup     = errors.New("wireio: connection hung up")
	ErrPollEvent      = errors.New("wireio: unexpected poll event")
	ErrPollInvalidReq = errors.New("wireio: invalid poll request")
	ErrPollNoRead     = errors.New("wireio: fd not readable after poll")
	ErrPollBadRead    = errors.New("wireio: read error")
	ErrWriteZero      = errors.New("wireio: write returned zero")
)

// WriteFull writes all of buf to conn, retrying on short writes. A
// write() returning 0 with no error is treated as ErrWriteZero rather
// than silently looping forever.
func WriteFull(conn net.Conn, buf []byte) error {
	written := 0
	for written < len(buf) {
		n, err := conn.Write(buf[written:])
		if n == 0 && err == nil {
			return ErrWriteZero
		}
		written += n
		if err != nil {
			if isEINTRorEAGAIN(err) {
				continue
			}
			return fmt.Errorf("wireio: write: %w", err)
		}
	}
	return nil
}

// ReadFullTimeout reads exactly len(buf) bytes from conn, applying msecs
// as a read deadline. Deadline expiry yields ErrPollTimeout; EOF before
// any byte of a read is ErrPollHangup; EOF mid-read is ErrPollBadRead.
func ReadFullTimeout(conn net.Conn, buf []byte, msecs int) error {
	if msecs > 0 {
		deadline := time.Now().Add(time.Duration(msecs) * time.Millisecond)
		if err := conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("wireio: set deadline: %w", ErrPollInvalidReq)
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				if read == 0 {
					return ErrPollHangup
				}
				return ErrPollBadRead
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrPollTimeout
			}
			if isEINTRorEAGAIN(err) {
				continue
			}
			return fmt.Errorf("wireio: read: %w", ErrPollBadRead)
		}
	}
	return nil
}

func isEINTRorEAGAIN(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	return errors.Is(err, errEINTR) || errors.Is(err, errEAGAIN)
}

// errEINTR/errEAGAIN never actually occur behind Go's net package (the
// runtime poller restarts interrupted syscalls itself), but are kept as
// named sentinels so isEINTRorEAGAIN documents the condition the C
// reference code restarted on.
var (
	errEINTR  = errors.New("eintr")
	errEAGAIN = errors.New("eagain")
)

// WriteU32 writes a little-endian uint32, matching the launcher and tree
// wire protocols' fixed-width header fields.
func WriteU32(conn net.Conn, v uint32) error {
	var buf [4]byte
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	return WriteFull(conn, buf[:])
}

// ReadU32Timeout reads a little-endian uint32 with a read deadline.
func ReadU32Timeout(conn net.Conn, msecs int) (uint32, error) {
	var buf [4]byte
	if err := ReadFullTimeout(conn, buf[:], msecs); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}
