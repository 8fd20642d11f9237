package tree

import "fmt"

// Check runs the tree-wide logical-AND sweep that closes out every
// collective: each rank contributes localOK, interior ranks AND their
// children's votes with their own before forwarding to their parent,
// the root computes the final verdict and broadcasts it back down. A
// false result from any rank is visible to every rank; the caller is
// expected to call Node.Abort when Check returns false, since a failed
// check means the job as a whole must tear down.
func Check(n *Node, localOK bool, msecs int) (bool, error) {
	ok := localOK
	for _, c := range n.Children {
		buf := make([]byte, 1)
		if err := ReadCollective(c, buf, msecs); err != nil {
			if err == ErrAborted {
				n.Abort(err)
			}
			return false, fmt.Errorf("tree: check: read child: %w", err)
		}
		if buf[0] == 0 {
			ok = false
		}
	}

	if n.Parent != nil {
		var b byte
		if ok {
			b = 1
		}
		if err := WriteCollective(n.Parent, []byte{b}); err != nil {
			return false, fmt.Errorf("tree: check: write parent: %w", err)
		}
		buf := make([]byte, 1)
		if err := ReadCollective(n.Parent, buf, msecs); err != nil {
			if err == ErrAborted {
				n.Abort(err)
			}
			return false, fmt.Errorf("tree: check: read final from parent: %w", err)
		}
		ok = buf[0] != 0
	}

	var b byte
	if ok {
		b = 1
	}
	if err := n.WriteToChildren([]byte{b}); err != nil {
		return false, fmt.Errorf("tree: check: broadcast final: %w", err)
	}
	return ok, nil
}
