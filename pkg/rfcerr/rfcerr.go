// Package rfcerr defines the error taxonomy shared by the resource-set
// algebra, the allocator and the scheduler. Every sentinel here maps to a
// POSIX errno the reference implementation returned, so callers that need
// to distinguish "no space right now" from "never satisfiable" can test
// with errors.Is instead of parsing messages.
package rfcerr

import "errors"

// Sentinel errors, wrapped with context via fmt.Errorf("...: %w", ...) at
// the call site so errors.Is still matches the sentinel.
var (
	// ErrNoSpace is a transient capacity failure: the request is valid
	// but no placement exists against the current resource set.
	ErrNoSpace = errors.New("no space")

	// ErrOverflow is a permanent capacity failure: the request exceeds
	// what the resource set could ever satisfy.
	ErrOverflow = errors.New("overflow: unsatisfiable request")

	// ErrNotFound marks a missing id, rank or host in an operation that
	// requires the target to already be present.
	ErrNotFound = errors.New("not found")

	// ErrExists marks a duplicate where disjointness or freshness was
	// required (double-alloc, double-free, overlapping child pool).
	ErrExists = errors.New("already exists")

	// ErrHostDown means the target rnode is marked down.
	ErrHostDown = errors.New("host down")

	// ErrInvalid is a caller error: malformed JSON, bad idset/hostlist
	// syntax, unknown allocation mode, reserved property character,
	// contradictory alloc-info. No state is mutated when this is
	// returned.
	ErrInvalid = errors.New("invalid argument")

	// ErrProtocol is a bootstrap-fabric protocol violation: unknown
	// opcode, bad length, short read after poll/deadline said ready.
	// The tree aborts immediately when this surfaces.
	ErrProtocol = errors.New("protocol violation")

	// ErrPeerLost covers authentication failure, handshake timeout and
	// connection loss during wireup.
	ErrPeerLost = errors.New("peer lost")

	// ErrCorruption is fatal: a free arrived for resources the rlist
	// cannot account for and shrink tolerance does not excuse. The
	// scheduler should exit its reactor loop rather than guess.
	ErrCorruption = errors.New("resource accounting corrupted")
)

// Kind classifies an error for logging and for deciding whether a pending
// request should stay queued (Transient) or be denied outright (Permanent).
type Kind int

const (
	KindInvalid Kind = iota
	KindTransient
	KindPermanent
	KindPeerLost
	KindProtocol
	KindCorruption
)

// Classify maps a sentinel (or a wrapped error) to its Kind. Unknown
// errors are treated as KindInvalid, the most conservative choice: the
// caller should not mutate state on an error it does not recognize.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, ErrNoSpace):
		return KindTransient
	case errors.Is(err, ErrOverflow):
		return KindPermanent
	case errors.Is(err, ErrPeerLost):
		return KindPeerLost
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrCorruption):
		return KindCorruption
	default:
		return KindInvalid
	}
}
