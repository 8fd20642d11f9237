package tree

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
	"github.com/khryptorgraphics/flowmesh/pkg/wireio"
)

// Header is the fixed u32 that prefixes every tree-wire payload.
type Header uint32

const (
	// OpAbort carries no payload; receiving it triggers immediate
	// rebroadcast and teardown.
	OpAbort Header = 0
	// OpCollective is followed by exactly as many bytes as the running
	// collective algorithm already negotiated out of band.
	OpCollective Header = 1
)

// ErrAborted is returned by collective helpers when the local rank
// observed (or originated) a tree abort.
var ErrAborted = fmt.Errorf("tree: aborted: %w", rfcerr.ErrPeerLost)

// Node is one process's live view of the tree: its parent connection (nil
// at the root), its children in Shape.Children[Rank] order, and the
// abort/open flags invariant (iii) of §3 requires.
type Node struct {
	Rank  int
	Shape *Shape

	Parent   net.Conn
	Children []net.Conn

	mu      sync.Mutex
	open    bool
	aborted atomic.Bool

	Log *logrus.Entry
}

// NewNode wraps an already-wired-up parent/children set. Wireup drivers
// build Parent/Children; Node only owns collective I/O and abort.
func NewNode(rank int, shape *Shape, parent net.Conn, children []net.Conn, log *logrus.Entry) *Node {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Node{
		Rank:     rank,
		Shape:    shape,
		Parent:   parent,
		Children: children,
		open:     true,
		Log:      log.WithField("rank", rank),
	}
}

// IsAborted reports whether this rank has seen or originated an abort.
func (n *Node) IsAborted() bool {
	return n.aborted.Load()
}

// Abort writes OpAbort to the parent (if any) and every live child, then
// closes every fd, satisfying invariant (iii) of §3. Safe to call more
// than once; only the first call does any I/O.
func (n *Node) Abort(reason error) {
	if !n.aborted.CompareAndSwap(false, true) {
		return
	}
	n.Log.WithError(reason).Warn("tree: broadcasting abort")
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Parent != nil {
		_ = wireio.WriteU32(n.Parent, uint32(OpAbort))
		_ = n.Parent.Close()
	}
	for _, c := range n.Children {
		if c == nil {
			continue
		}
		_ = wireio.WriteU32(c, uint32(OpAbort))
		_ = c.Close()
	}
	n.open = false
}

// WriteCollective writes an OpCollective header followed by payload to
// conn.
func WriteCollective(conn net.Conn, payload []byte) error {
	if err := wireio.WriteU32(conn, uint32(OpCollective)); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	return wireio.WriteFull(conn, payload)
}

// ReadCollective reads a header from conn; if the header is OpAbort it
// returns ErrAborted without consuming a payload (there is none). If the
// header is OpCollective it reads exactly len(buf) bytes into buf.
func ReadCollective(conn net.Conn, buf []byte, msecs int) error {
	header, err := wireio.ReadU32Timeout(conn, msecs)
	if err != nil {
		return fmt.Errorf("tree: read header: %w", err)
	}
	switch Header(header) {
	case OpAbort:
		return ErrAborted
	case OpCollective:
		if len(buf) == 0 {
			return nil
		}
		return wireio.ReadFullTimeout(conn, buf, msecs)
	default:
		return fmt.Errorf("tree: unknown header %d: %w", header, rfcerr.ErrProtocol)
	}
}

// WriteToChildren fans payload out to every child in order.
func (n *Node) WriteToChildren(payload []byte) error {
	for i, c := range n.Children {
		if err := WriteCollective(c, payload); err != nil {
			return fmt.Errorf("tree: write to child %d: %w", n.Shape.Children[n.Rank][i], err)
		}
	}
	return nil
}

// ReadFromChildren reads one fixed-size buffer per child, in order,
// returning ErrAborted (after broadcasting) the first time a child
// reports OpAbort.
func (n *Node) ReadFromChildren(size int, msecs int) ([][]byte, error) {
	out := make([][]byte, len(n.Children))
	for i, c := range n.Children {
		buf := make([]byte, size)
		if err := ReadCollective(c, buf, msecs); err != nil {
			if err == ErrAborted {
				n.Abort(err)
			}
			return nil, err
		}
		out[i] = buf
	}
	return out, nil
}
