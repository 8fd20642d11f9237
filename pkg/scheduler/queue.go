package scheduler

import (
	"container/heap"
	"sort"
)

// pendingRequest is one queued alloc(2) request plus the annotation
// state the check stage keeps refreshed for it (jobs_ahead and the
// human-readable reason it hasn't run yet).
type pendingRequest struct {
	ID         string
	Priority   int
	UserID     string
	SubmitTime float64
	Spec       JobSpec

	JobsAhead int
	Reason    string

	index int
}

// requestHeap orders by (-priority, submit_time, id), the ordering
// spec.md §4.12 names for the pending queue.
type requestHeap []*pendingRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.SubmitTime != b.SubmitTime {
		return a.SubmitTime < b.SubmitTime
	}
	return a.ID < b.ID
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	r := x.(*pendingRequest)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

// requestQueue wraps requestHeap with id lookups, so cancel and
// prioritize can find an arbitrary entry without a linear scan.
type requestQueue struct {
	h   requestHeap
	byID map[string]*pendingRequest
}

func newRequestQueue() *requestQueue {
	return &requestQueue{byID: make(map[string]*pendingRequest)}
}

func (q *requestQueue) Push(r *pendingRequest) {
	q.byID[r.ID] = r
	heap.Push(&q.h, r)
}

// Peek returns the head request (highest priority) without removing it.
func (q *requestQueue) Peek() *pendingRequest {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// Pop removes and returns the head request.
func (q *requestQueue) Pop() *pendingRequest {
	if len(q.h) == 0 {
		return nil
	}
	r := heap.Pop(&q.h).(*pendingRequest)
	delete(q.byID, r.ID)
	return r
}

// Remove deletes the request by id, reports whether it was found.
func (q *requestQueue) Remove(id string) bool {
	r, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.h, r.index)
	delete(q.byID, id)
	return true
}

// SetPriority updates a pending request's priority in place, reports
// whether it was found.
func (q *requestQueue) SetPriority(id string, priority int) bool {
	r, ok := q.byID[id]
	if !ok {
		return false
	}
	r.Priority = priority
	heap.Fix(&q.h, r.index)
	return true
}

// Resort rebuilds heap order from scratch; used after a prioritize
// batch that changed four or more entries, each of which SetPriority
// has already re-sifted with heap.Fix.
func (q *requestQueue) Resort() {
	heap.Init(&q.h)
}

func (q *requestQueue) Len() int { return len(q.h) }

// Ordered returns every pending request in priority order without
// removing any of them, for annotation passes. It sorts a detached
// slice of the same pointers rather than popping a copy of the heap,
// since requestHeap.Swap overwrites each entry's index field in place
// and popping a shallow copy would corrupt the live heap's invariant.
func (q *requestQueue) Ordered() []*pendingRequest {
	out := make([]*pendingRequest, len(q.h))
	copy(out, q.h)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.SubmitTime != b.SubmitTime {
			return a.SubmitTime < b.SubmitTime
		}
		return a.ID < b.ID
	})
	return out
}
