package scheduler

import (
	"github.com/khryptorgraphics/flowmesh/pkg/idset"
	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
)

// AllocResponse is emitted when the check stage successfully places a
// queued request: the R blob for the placement plus a human-readable
// summary, per spec.md §4.12.
type AllocResponse struct {
	ID      string
	R       *rlist.R
	Summary string
}

// DenyResponse is emitted either immediately at alloc(2) (invalid
// jobspec, unsupported class, concurrency limit) or later by the check
// stage when a request can never be satisfied (EOVERFLOW).
type DenyResponse struct {
	ID     string
	Reason string
}

// CancelResponse confirms a pending request was removed from the queue.
type CancelResponse struct {
	ID string
}

// AnnotateEvent is emitted for every still-pending request whenever
// the check stage stalls on ENOSPC or the queue is reordered, carrying
// the request's current position and (if blocked) the reason.
type AnnotateEvent struct {
	ID        string
	JobsAhead int
	Reason    string
}

// EventSink receives events the reactor produces outside the direct
// request/response path (i.e. anything that doesn't complete
// synchronously within the call that triggered it). Any method may be
// left as a no-op by embedding NoopEventSink.
type EventSink interface {
	OnAlloc(AllocResponse)
	OnDeny(DenyResponse)
	OnCancel(CancelResponse)
	OnAnnotate(AnnotateEvent)
}

// NoopEventSink can be embedded to satisfy EventSink without
// implementing every method.
type NoopEventSink struct{}

func (NoopEventSink) OnAlloc(AllocResponse)    {}
func (NoopEventSink) OnDeny(DenyResponse)      {}
func (NoopEventSink) OnCancel(CancelResponse)  {}
func (NoopEventSink) OnAnnotate(AnnotateEvent) {}

// ResourceUpdate is one acquire-continuation: any of Up/Down/Shrink may
// be nil when the update doesn't touch that dimension, and Expiration
// is nil unless the update changes the expiration hint.
type ResourceUpdate struct {
	Up         *idset.Set
	Down       *idset.Set
	Shrink     *rlist.Rlist
	Expiration *float64
}

// ResourceSubscription is the streaming resource.acquire feed the
// scheduler drives its startup and main loop from. pkg/scheduler/resourcestream
// implements this over a websocket; tests use a channel-backed fake.
type ResourceSubscription interface {
	// Initial blocks until the subscription's opening R snapshot (the
	// full physical resource set) arrives.
	Initial() (*rlist.R, error)
	// Next blocks until the next acquire continuation arrives, or
	// returns an error (including ctx cancellation) when the stream
	// ends.
	Next() (ResourceUpdate, error)
	Close() error
}

// InFlightAllocation replays one pre-existing allocation (from before
// a scheduler restart) during the job-manager hello, via SetAllocated.
type InFlightAllocation struct {
	ID         string
	R          *rlist.R
	Expiration float64
}
