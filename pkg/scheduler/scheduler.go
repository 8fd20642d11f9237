// Package scheduler implements the cooperative, single-threaded
// resource scheduler of spec.md §4.12: a priority queue of pending
// alloc requests served against a live Rlist, fed by a streaming
// resource-update subscription and a job-manager hello at startup.
package scheduler

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/flowmesh/pkg/rfcerr"
	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
)

// ConcurrencyLimit is the scheduler's concurrency mode: either
// Unlimited, or capped at Limit simultaneously running jobs.
type ConcurrencyLimit struct {
	Unlimited bool
	Limit     int
}

// DefaultConcurrency is spec.md §4.12's default concurrency mode,
// limited=8.
func DefaultConcurrency() ConcurrencyLimit { return ConcurrencyLimit{Limit: 8} }

// Config configures a new Scheduler.
type Config struct {
	// Mode is the default allocation fit mode (first-fit/best-fit/
	// worst-fit) used when a jobspec doesn't name its own.
	Mode string
	// Concurrency bounds simultaneously running jobs. The zero value
	// is replaced by DefaultConcurrency.
	Concurrency ConcurrencyLimit
	// DeclineExpiration makes every expiration(2) request fail, for
	// exercising job-manager retry paths in tests.
	DeclineExpiration bool
	Logger            *logrus.Entry
	// Sink receives events the check stage produces outside the
	// direct request/response path. Nil is treated as NoopEventSink.
	Sink EventSink
}

type runningJob struct {
	ID         string
	Decision   *rlist.Rlist
	Expiration float64
}

// Scheduler holds the live resource set and pending-request queue of
// one scheduling instance. Its handler methods are not individually
// goroutine-safe: Run serializes every call onto a single internal
// loop, matching spec.md §5's single-threaded cooperative model. Calls
// made before Run is started execute synchronously in the caller's
// goroutine, which is safe as long as the caller alone owns the
// Scheduler at that point (the usual pattern in tests).
type Scheduler struct {
	log *logrus.Entry

	rl          *rlist.Rlist
	mode        string
	concurrency ConcurrencyLimit
	running     map[string]*runningJob
	queue       *requestQueue
	declineExp  bool
	sink        EventSink
	metrics     *Metrics

	ready atomic.Bool

	cmdCh chan command
}

type command struct {
	fn   func()
	done chan struct{}
}

// New constructs a Scheduler over an already-built Rlist. Use this
// directly in tests and in any setting where the initial resource set
// isn't sourced from a live subscription; use Run's startup sequence
// when it is.
func New(rl *rlist.Rlist, cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Concurrency == (ConcurrencyLimit{}) {
		cfg.Concurrency = DefaultConcurrency()
	}
	if cfg.Sink == nil {
		cfg.Sink = NoopEventSink{}
	}
	s := &Scheduler{
		log:         cfg.Logger,
		rl:          rl,
		mode:        cfg.Mode,
		concurrency: cfg.Concurrency,
		running:     make(map[string]*runningJob),
		queue:       newRequestQueue(),
		declineExp:  cfg.DeclineExpiration,
		sink:        cfg.Sink,
		metrics:     NewMetrics(),
	}
	s.ready.Store(rl != nil)
	return s
}

// Metrics returns the scheduler's Prometheus instrumentation, for an
// embedder to expose over HTTP (see pkg/scheduler/httpapi).
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// exec runs fn either directly (no reactor loop active yet) or by
// handing it to the Run loop's select and waiting for it to run there,
// so every mutation of scheduler state happens on a single goroutine
// once the reactor is up.
func (s *Scheduler) exec(fn func()) {
	if s.cmdCh == nil {
		fn()
		s.check()
		return
	}
	c := command{fn: fn, done: make(chan struct{})}
	s.cmdCh <- c
	<-c.done
}

// Alloc enqueues a request; it returns non-nil only when the request
// is denied outright (invalid shape, unsupported class, concurrency
// limit) rather than queued. A queued request's eventual outcome
// arrives later via the configured EventSink. A caller that omits id
// gets one assigned (a uuid) and returned as the first value; a
// caller-supplied id is echoed back unchanged.
func (s *Scheduler) Alloc(id string, priority int, userid string, tSubmit float64, spec JobSpec) (string, *DenyResponse) {
	if id == "" {
		id = uuid.NewString()
	}
	start := time.Now()
	var resp *DenyResponse
	s.exec(func() { resp = s.doAlloc(id, priority, userid, tSubmit, spec) })
	s.metrics.AllocLatency.Observe(time.Since(start).Seconds())
	return id, resp
}

func (s *Scheduler) doAlloc(id string, priority int, userid string, tSubmit float64, spec JobSpec) *DenyResponse {
	if err := spec.validate(); err != nil {
		return &DenyResponse{ID: id, Reason: err.Error()}
	}
	if !s.concurrency.Unlimited && len(s.running) >= s.concurrency.Limit {
		return &DenyResponse{ID: id, Reason: "concurrency limit exceeded"}
	}
	s.queue.Push(&pendingRequest{
		ID:         id,
		Priority:   priority,
		UserID:     userid,
		SubmitTime: tSubmit,
		Spec:       spec,
	})
	return nil
}

// Free parses R and tolerantly applies it, so stale (already-shrunk)
// ranks are ignored. Any error returned here is fatal: per spec.md
// §4.12 a free failure that isn't a tolerated missing rank is data
// corruption and the caller should stop the scheduler.
func (s *Scheduler) Free(id string, r *rlist.R, final bool) error {
	var err error
	s.exec(func() { err = s.doFree(id, r) })
	return err
}

func (s *Scheduler) doFree(id string, r *rlist.R) error {
	sub, err := rlist.FromR(r)
	if err != nil {
		return fmt.Errorf("scheduler: free %s: malformed R: %w", id, err)
	}
	if err := s.rl.FreeTolerant(sub); err != nil {
		return fmt.Errorf("scheduler: free %s: %w", id, err)
	}
	delete(s.running, id)
	return nil
}

// Cancel removes a pending request, reports whether it was found.
func (s *Scheduler) Cancel(id string) (*CancelResponse, bool) {
	var resp *CancelResponse
	var ok bool
	s.exec(func() { resp, ok = s.doCancel(id) })
	return resp, ok
}

func (s *Scheduler) doCancel(id string) (*CancelResponse, bool) {
	if !s.queue.Remove(id) {
		return nil, false
	}
	return &CancelResponse{ID: id}, true
}

// PriorityUpdate is one (id, priority) pair of a prioritize(2) batch.
type PriorityUpdate struct {
	ID       string
	Priority int
}

// Prioritize applies a batch of priority changes. Each affected entry
// is re-sifted with heap.Fix as its priority is set; when four or more
// entries are affected, the whole queue is then also re-heapified. The
// per-item fixes are made in that case too.
func (s *Scheduler) Prioritize(updates []PriorityUpdate) {
	s.exec(func() { s.doPrioritize(updates) })
}

func (s *Scheduler) doPrioritize(updates []PriorityUpdate) {
	affected := 0
	for _, u := range updates {
		if s.queue.SetPriority(u.ID, u.Priority) {
			affected++
		}
	}
	if affected == 0 {
		return
	}
	if affected >= 4 {
		s.queue.Resort()
	}
}

// FeasibilityCheck runs a dry allocation against an all-up, fully
// empty copy of the live set: nil means satisfiable now or later,
// EOVERFLOW means this topology can never satisfy the shape.
func (s *Scheduler) FeasibilityCheck(spec JobSpec) error {
	var err error
	s.exec(func() { err = s.doFeasibilityCheck(spec) })
	return err
}

func (s *Scheduler) doFeasibilityCheck(spec JobSpec) error {
	if verr := spec.validate(); verr != nil {
		return verr
	}
	probe := s.rl.CopyEmpty()
	probe.MarkUp(nil)
	if _, err := tryDecide(probe, spec, s.mode); err != nil {
		return err
	}
	return nil
}

// ResourceStatusReport is the three R blobs a resource-status(2)
// request answers with.
type ResourceStatusReport struct {
	All       *rlist.R
	Allocated *rlist.R
	Down      *rlist.R
}

// ResourceStatus reports the full resource set, the allocated subset,
// and the down subset, each as an R document.
func (s *Scheduler) ResourceStatus() (ResourceStatusReport, error) {
	var report ResourceStatusReport
	var err error
	s.exec(func() { report, err = s.doResourceStatus() })
	return report, err
}

func (s *Scheduler) doResourceStatus() (ResourceStatusReport, error) {
	all, err := rlist.ToR(s.rl)
	if err != nil {
		return ResourceStatusReport{}, fmt.Errorf("scheduler: resource-status: %w", err)
	}
	allocated, err := rlist.ToR(s.rl.CopyAllocated())
	if err != nil {
		return ResourceStatusReport{}, fmt.Errorf("scheduler: resource-status: %w", err)
	}
	down, err := rlist.ToR(s.rl.CopyDown())
	if err != nil {
		return ResourceStatusReport{}, fmt.Errorf("scheduler: resource-status: %w", err)
	}
	return ResourceStatusReport{All: all, Allocated: allocated, Down: down}, nil
}

// Expiration updates the expiration hint recorded for a running job.
// It fails when DeclineExpiration is set (for exercising retry paths
// in tests) or when id names no running job.
func (s *Scheduler) Expiration(id string, t float64) error {
	var err error
	s.exec(func() { err = s.doExpiration(id, t) })
	return err
}

func (s *Scheduler) doExpiration(id string, t float64) error {
	if s.declineExp {
		return fmt.Errorf("scheduler: expiration declined for %s", id)
	}
	job, ok := s.running[id]
	if !ok {
		return fmt.Errorf("scheduler: expiration: unknown job %s: %w", id, rfcerr.ErrNotFound)
	}
	job.Expiration = t
	return nil
}

// check is the reactor's check stage: attempt to place the head
// request, repeating on success since more requests may now fit; on
// ENOSPC annotate every pending request with jobs_ahead and stop.
// EOVERFLOW (never satisfiable) permanently denies just the head and
// continues to the next.
func (s *Scheduler) check() {
	defer func() { s.metrics.QueueDepth.Set(float64(s.queue.Len())) }()
	for {
		head := s.queue.Peek()
		if head == nil {
			return
		}
		decision, err := tryDecide(s.rl, head.Spec, s.mode)
		if err == nil {
			s.queue.Pop()
			r, rerr := rlist.ToR(decision)
			if rerr != nil {
				s.log.WithError(rerr).WithField("id", head.ID).Error("scheduler: encode alloc decision")
				s.sink.OnDeny(DenyResponse{ID: head.ID, Reason: rerr.Error()})
				continue
			}
			s.running[head.ID] = &runningJob{ID: head.ID, Decision: decision}
			s.sink.OnAlloc(AllocResponse{
				ID:      head.ID,
				R:       r,
				Summary: fmt.Sprintf("allocated %d cores across %d ranks", decision.Count("core"), decision.Nnodes()),
			})
			continue
		}
		if errors.Is(err, rfcerr.ErrNoSpace) {
			s.annotate("insufficient resources")
			return
		}
		s.queue.Pop()
		s.sink.OnDeny(DenyResponse{ID: head.ID, Reason: err.Error()})
	}
}

func (s *Scheduler) annotate(reason string) {
	for i, r := range s.queue.Ordered() {
		r.JobsAhead = i
		r.Reason = reason
		s.sink.OnAnnotate(AnnotateEvent{ID: r.ID, JobsAhead: i, Reason: reason})
	}
}

func (s *Scheduler) applyUpdate(u ResourceUpdate) error {
	if u.Shrink != nil {
		s.rl.RemoveRanks(u.Shrink.Ranks())
	}
	if u.Down != nil {
		s.rl.MarkDown(u.Down)
	}
	if u.Up != nil {
		s.rl.MarkUp(u.Up)
	}
	if u.Expiration != nil {
		s.rl.Expiration = *u.Expiration
	}
	return nil
}

// Ready reports whether startup has completed.
func (s *Scheduler) Ready() bool { return s.ready.Load() }
