package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_golang/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/flowmesh/pkg/idset"
	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
)

func fourByFour(t *testing.T) *rlist.Rlist {
	t.Helper()
	rl, err := rlist.FromConfig([]rlist.ConfigEntry{{Hosts: "n[0-3]", Cores: "0-3"}})
	require.NoError(t, err)
	return rl
}

// recordingSink captures every event the check stage emits, for
// hand-traceable assertions without any transport in the loop.
type recordingSink struct {
	mu        sync.Mutex
	allocs    []AllocResponse
	denies    []DenyResponse
	cancels   []CancelResponse
	annotates []AnnotateEvent
}

func (s *recordingSink) OnAlloc(r AllocResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allocs = append(s.allocs, r)
}
func (s *recordingSink) OnDeny(r DenyResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denies = append(s.denies, r)
}
func (s *recordingSink) OnCancel(r CancelResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, r)
}
func (s *recordingSink) OnAnnotate(e AnnotateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotates = append(s.annotates, e)
}

func newTestScheduler(t *testing.T, rl *rlist.Rlist, sink EventSink) *Scheduler {
	t.Helper()
	if sink == nil {
		sink = &recordingSink{}
	}
	return New(rl, Config{Mode: "worst-fit", Sink: sink})
}

func TestAllocDeniesInvalidJobspec(t *testing.T) {
	s := newTestScheduler(t, fourByFour(t), nil)
	_, deny := s.Alloc("job1", 0, "alice", 1.0, JobSpec{Nslots: 0, SlotSize: 1})
	require.NotNil(t, deny)
	require.Equal(t, "job1", deny.ID)
}

func TestAllocDeniesGPURequest(t *testing.T) {
	s := newTestScheduler(t, fourByFour(t), nil)
	_, deny := s.Alloc("job1", 0, "alice", 1.0, JobSpec{Nslots: 1, SlotSize: 1, GPUs: 1})
	require.NotNil(t, deny)
}

func TestAllocAssignsJobidWhenOmitted(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, fourByFour(t), sink)

	id, deny := s.Alloc("", 0, "alice", 1.0, JobSpec{Nslots: 1, SlotSize: 1})
	require.Nil(t, deny)
	require.NotEmpty(t, id)
	require.Len(t, sink.allocs, 1)
	require.Equal(t, id, sink.allocs[0].ID)

	id2, deny2 := s.Alloc("", 0, "alice", 2.0, JobSpec{Nslots: 1, SlotSize: 1})
	require.Nil(t, deny2)
	require.NotEqual(t, id, id2)
}

func TestAllocDeniesOverConcurrencyLimit(t *testing.T) {
	sink := &recordingSink{}
	s := New(fourByFour(t), Config{Mode: "worst-fit", Concurrency: ConcurrencyLimit{Limit: 1}, Sink: sink})

	_, deny := s.Alloc("job1", 0, "alice", 1.0, JobSpec{Nslots: 1, SlotSize: 1})
	require.Nil(t, deny)
	require.Len(t, sink.allocs, 1)

	_, deny = s.Alloc("job2", 0, "alice", 2.0, JobSpec{Nslots: 1, SlotSize: 1})
	require.NotNil(t, deny)
	require.Equal(t, "job2", deny.ID)
}

func TestCheckAllocatesHigherPriorityFirst(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, fourByFour(t), sink)

	// Exhaust the fleet first so "low" and "high" both land in the
	// queue instead of draining on their own Alloc call.
	_, deny := s.Alloc("filler", 10, "alice", 0.0, JobSpec{Nnodes: 4, Nslots: 4, SlotSize: 4, Exclusive: true})
	require.Nil(t, deny)
	require.Len(t, sink.allocs, 1)

	_, deny = s.Alloc("low", 1, "alice", 1.0, JobSpec{Nslots: 1, SlotSize: 1})
	require.Nil(t, deny)
	_, deny = s.Alloc("high", 5, "alice", 2.0, JobSpec{Nslots: 1, SlotSize: 1})
	require.Nil(t, deny)
	require.Len(t, sink.allocs, 1) // both still queued behind the filler

	require.NoError(t, s.Free("filler", sink.allocs[0].R, true))

	require.Len(t, sink.allocs, 3)
	require.Equal(t, "high", sink.allocs[1].ID)
	require.Equal(t, "low", sink.allocs[2].ID)
}

func TestCheckAnnotatesOnNospace(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, fourByFour(t), sink)

	// First request takes all 16 cores (4 nodes, exclusive), so the
	// second can't possibly run right now but isn't unsatisfiable
	// either.
	_, deny := s.Alloc("a", 0, "alice", 1.0, JobSpec{Nnodes: 4, Nslots: 4, SlotSize: 4, Exclusive: true})
	require.Nil(t, deny)
	require.Len(t, sink.allocs, 1)

	_, deny = s.Alloc("b", 0, "alice", 2.0, JobSpec{Nslots: 1, SlotSize: 1})
	require.Nil(t, deny)
	require.Len(t, sink.allocs, 1)
	require.NotEmpty(t, sink.annotates)
	found := false
	for _, a := range sink.annotates {
		if a.ID == "b" {
			found = true
			require.Equal(t, 0, a.JobsAhead)
			require.Equal(t, "insufficient resources", a.Reason)
		}
	}
	require.True(t, found)
}

func TestCheckDeniesPermanentlyUnsatisfiableRequest(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, fourByFour(t), sink)

	_, deny := s.Alloc("a", 0, "alice", 1.0, JobSpec{Nnodes: 5, Nslots: 4, SlotSize: 1, Exclusive: true})
	require.Nil(t, deny)
	require.Empty(t, sink.allocs)
	require.Len(t, sink.denies, 1)
	require.Equal(t, "a", sink.denies[0].ID)
}

func TestFreeReleasesResourcesAndAllowsNextAlloc(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, fourByFour(t), sink)

	_, deny := s.Alloc("a", 0, "alice", 1.0, JobSpec{Nnodes: 4, Nslots: 4, SlotSize: 4, Exclusive: true})
	require.Nil(t, deny)
	require.Len(t, sink.allocs, 1)
	_, deny = s.Alloc("b", 0, "alice", 2.0, JobSpec{Nslots: 1, SlotSize: 1})
	require.Nil(t, deny)
	require.Len(t, sink.allocs, 1) // b still queued

	require.NoError(t, s.Free("a", sink.allocs[0].R, true))
	require.Len(t, sink.allocs, 2)
	require.Equal(t, "b", sink.allocs[1].ID)
}

func TestFreeToleratesShrunkRanks(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, fourByFour(t), sink)

	_, deny := s.Alloc("a", 0, "alice", 1.0, JobSpec{Nnodes: 2, Nslots: 2, SlotSize: 4, Exclusive: true})
	require.Nil(t, deny)
	require.Len(t, sink.allocs, 1)
	r := sink.allocs[0].R

	// Rank 0 shrinks out of the fleet entirely before the free arrives.
	s.rl.RemoveRanks(mustIdset(t, "0"))

	require.NoError(t, s.Free("a", r, true))
}

func TestCancelRemovesPendingRequest(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, fourByFour(t), sink)

	_, deny := s.Alloc("a", 0, "alice", 1.0, JobSpec{Nnodes: 4, Nslots: 4, SlotSize: 4, Exclusive: true})
	require.Nil(t, deny)
	_, deny = s.Alloc("b", 0, "alice", 2.0, JobSpec{Nslots: 1, SlotSize: 1})
	require.Nil(t, deny)

	resp, ok := s.Cancel("b")
	require.True(t, ok)
	require.Equal(t, "b", resp.ID)

	_, ok = s.Cancel("b")
	require.False(t, ok)
}

func TestPrioritizeResortsOnFourOrMore(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, fourByFour(t), sink)

	// Fill resources so every request stays queued.
	_, deny := s.Alloc("filler", 10, "alice", 0.0, JobSpec{Nnodes: 4, Nslots: 4, SlotSize: 4, Exclusive: true})
	require.Nil(t, deny)
	require.Len(t, sink.allocs, 1)

	for i, id := range []string{"a", "b", "c", "d"} {
		_, deny := s.Alloc(id, 0, "alice", float64(i+1), JobSpec{Nslots: 1, SlotSize: 1})
		require.Nil(t, deny)
	}
	require.Equal(t, "a", s.queue.Peek().ID)

	s.Prioritize([]PriorityUpdate{
		{ID: "a", Priority: 0},
		{ID: "b", Priority: 0},
		{ID: "c", Priority: 0},
		{ID: "d", Priority: 9},
	})
	require.Equal(t, "d", s.queue.Peek().ID)
}

func TestFeasibilityCheckSatisfiableLater(t *testing.T) {
	s := newTestScheduler(t, fourByFour(t), nil)
	_, deny := s.Alloc("a", 0, "alice", 1.0, JobSpec{Nnodes: 4, Nslots: 4, SlotSize: 4, Exclusive: true})
	require.Nil(t, deny)
	err := s.FeasibilityCheck(JobSpec{Nslots: 16, SlotSize: 1})
	require.NoError(t, err)
}

func TestFeasibilityCheckNeverSatisfiable(t *testing.T) {
	s := newTestScheduler(t, fourByFour(t), nil)
	err := s.FeasibilityCheck(JobSpec{Nnodes: 5, Nslots: 4, SlotSize: 1, Exclusive: true})
	require.Error(t, err)
	require.True(t, errors.Is(err, rfcerr.ErrOverflow))
}

func TestResourceStatusReportsAllAllocatedDown(t *testing.T) {
	s := newTestScheduler(t, fourByFour(t), nil)
	s.rl.MarkDown(mustIdset(t, "3"))
	_, deny := s.Alloc("a", 0, "alice", 1.0, JobSpec{Nslots: 2, SlotSize: 1})
	require.Nil(t, deny)

	report, err := s.ResourceStatus()
	require.NoError(t, err)
	require.Equal(t, 4, report.All.Execution.Nnodes)
	require.Len(t, report.Down.Execution.RLite, 1)
	require.NotEmpty(t, report.Allocated.Execution.RLite)
}

func TestExpirationUpdatesRunningJob(t *testing.T) {
	sink := &recordingSink{}
	s := newTestScheduler(t, fourByFour(t), sink)
	_, deny := s.Alloc("a", 0, "alice", 1.0, JobSpec{Nslots: 1, SlotSize: 1})
	require.Nil(t, deny)
	require.Len(t, sink.allocs, 1)

	require.NoError(t, s.Expiration("a", 100.0))
	require.Equal(t, 100.0, s.running["a"].Expiration)
}

func TestExpirationUnknownJobErrors(t *testing.T) {
	s := newTestScheduler(t, fourByFour(t), nil)
	err := s.Expiration("ghost", 1.0)
	require.Error(t, err)
}

func TestExpirationDeclinedByDebugFlag(t *testing.T) {
	sink := &recordingSink{}
	s := New(fourByFour(t), Config{Mode: "worst-fit", DeclineExpiration: true, Sink: sink})
	_, deny := s.Alloc("a", 0, "alice", 1.0, JobSpec{Nslots: 1, SlotSize: 1})
	require.Nil(t, deny)
	err := s.Expiration("a", 100.0)
	require.Error(t, err)
}

// fakeSubscription drives Run through the full startup sequence plus
// exactly one resource update, then blocks until the test closes it.
type fakeSubscription struct {
	initial *rlist.R
	updates chan ResourceUpdate
	closed  chan struct{}
}

func newFakeSubscription(initial *rlist.R) *fakeSubscription {
	return &fakeSubscription{initial: initial, updates: make(chan ResourceUpdate, 4), closed: make(chan struct{})}
}

func (f *fakeSubscription) Initial() (*rlist.R, error) { return f.initial, nil }

func (f *fakeSubscription) Next() (ResourceUpdate, error) {
	select {
	case u := <-f.updates:
		return u, nil
	case <-f.closed:
		return ResourceUpdate{}, errors.New("fake: subscription closed")
	}
}

func (f *fakeSubscription) Close() error {
	close(f.closed)
	return nil
}

func TestRunStartupSequenceAndHello(t *testing.T) {
	// A single two-core node, so the hello allocation below can fully
	// exhaust it and make the Avail("core") assertion unambiguous.
	rl, err := rlist.FromConfig([]rlist.ConfigEntry{{Hosts: "n0", Cores: "0-1"}})
	require.NoError(t, err)
	initial, err := rlist.ToR(rl)
	require.NoError(t, err)

	sink := &recordingSink{}
	s := New(nil, Config{Mode: "worst-fit", Sink: sink})

	sub := newFakeSubscription(initial)
	sub.updates <- ResourceUpdate{Up: rl.Ranks()}

	helloDecision, err := rlist.FromConfig([]rlist.ConfigEntry{{Hosts: "n0", Cores: "0-1"}})
	require.NoError(t, err)
	_, err = helloDecision.Nodes[0].Alloc(2)
	require.NoError(t, err)
	helloR, err := rlist.ToR(helloDecision.CopyAllocated())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(ctx, sub, []InFlightAllocation{{ID: "existing", R: helloR}})
	}()

	require.Eventually(t, func() bool { return s.Ready() }, time.Second, time.Millisecond)
	_, ok := s.running["existing"]
	require.True(t, ok)
	require.Equal(t, 0, s.rl.Avail("core")) // the hello allocates both of the fleet's only cores

	cancel()
	select {
	case err := <-runErr:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunHandlesAllocThroughCommandChannel(t *testing.T) {
	rl := fourByFour(t)
	initial, err := rlist.ToR(rl)
	require.NoError(t, err)

	sink := &recordingSink{}
	s := New(nil, Config{Mode: "worst-fit", Sink: sink})
	sub := newFakeSubscription(initial)
	sub.updates <- ResourceUpdate{Up: rl.Ranks()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, sub, nil)

	require.Eventually(t, func() bool { return s.Ready() }, time.Second, time.Millisecond)

	_, deny := s.Alloc("job1", 0, "alice", 1.0, JobSpec{Nslots: 2, SlotSize: 1})
	require.Nil(t, deny)
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.allocs) == 1
	}, time.Second, time.Millisecond)
}

func TestAllocRecordsQueueDepthAndLatencyMetrics(t *testing.T) {
	s := newTestScheduler(t, fourByFour(t), nil)
	_, deny := s.Alloc("a", 0, "alice", 1.0, JobSpec{Nnodes: 4, Nslots: 4, SlotSize: 4, Exclusive: true})
	require.Nil(t, deny)
	_, deny = s.Alloc("b", 0, "alice", 2.0, JobSpec{Nslots: 1, SlotSize: 1})
	require.Nil(t, deny)

	require.Equal(t, float64(1), testutil.ToFloat64(s.metrics.QueueDepth))

	var m dto.Metric
	require.NoError(t, s.metrics.AllocLatency.Write(&m))
	require.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
}

func mustIdset(t *testing.T, s string) *idset.Set {
	t.Helper()
	ids, err := idset.Decode(s)
	require.NoError(t, err)
	return ids
}
