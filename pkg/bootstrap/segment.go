package bootstrap

import "sync"

// LocalSegment stands in for the POSIX shared-memory segment §4.5
// describes the local leader creating: a barrier scratchpad plus an
// endpoint table, both readable by every local rank. Since this
// rework's local ranks are goroutines within one process rather than
// separate OS processes (the common Go shape for what the reference
// fabric runs as a process-per-rank job), an in-process struct guarded
// by a mutex is the direct idiomatic substitute for the shared-memory
// mapping — the same substitution principle package wireio applies to
// poll(). Checkin across real process boundaries still goes through
// CheckinFile, which is the part of this driver that must cross actual
// OS processes.
type LocalSegment struct {
	mu     sync.Mutex
	local  map[int]Endpoint // global rank -> endpoint, as seen locally
	global map[int]Endpoint
	ready  chan struct{}
	once   sync.Once
}

// NewLocalSegment returns an empty segment.
func NewLocalSegment() *LocalSegment {
	return &LocalSegment{
		local: make(map[int]Endpoint),
		ready: make(chan struct{}),
	}
}

// SetLocal records one local rank's endpoint, called by the local
// leader as it learns of each checked-in rank.
func (s *LocalSegment) SetLocal(rank int, ep Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[rank] = ep
}

// LocalTable returns a snapshot of every local rank's endpoint known so
// far, keyed by global rank.
func (s *LocalSegment) LocalTable() map[int]Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]Endpoint, len(s.local))
	for r, ep := range s.local {
		out[r] = ep
	}
	return out
}

// PublishGlobal stores the fully aggregated (rank -> endpoint) table
// and wakes every goroutine blocked in WaitGlobal. Only the local
// leader calls this, exactly once.
func (s *LocalSegment) PublishGlobal(table map[int]Endpoint) {
	s.mu.Lock()
	s.global = table
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })
}

// WaitGlobal blocks until PublishGlobal has run, or done is closed.
func (s *LocalSegment) WaitGlobal(done <-chan struct{}) (map[int]Endpoint, bool) {
	select {
	case <-s.ready:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.global, true
	case <-done:
		return nil, false
	}
}
