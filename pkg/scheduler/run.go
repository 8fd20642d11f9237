package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/khryptorgraphics/flowmesh/pkg/rlist"
)

// Run performs the startup sequence of spec.md §4.12 and then drives
// the main reactor loop until ctx is cancelled or the resource
// subscription ends. Request handlers called concurrently from other
// goroutines (Alloc, Free, Cancel, Prioritize, FeasibilityCheck,
// ResourceStatus, Expiration) are serialized onto this loop for as
// long as it runs.
func (s *Scheduler) Run(ctx context.Context, sub ResourceSubscription, hello []InFlightAllocation) error {
	if err := s.startup(sub, hello); err != nil {
		return err
	}

	s.cmdCh = make(chan command)
	defer func() { s.cmdCh = nil }()

	updates := make(chan ResourceUpdate)
	streamErr := make(chan error, 1)
	go func() {
		for {
			u, err := sub.Next()
			if err != nil {
				streamErr <- err
				return
			}
			select {
			case updates <- u:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-streamErr:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("scheduler: resource stream ended: %w", err)
		case u := <-updates:
			if err := s.applyUpdate(u); err != nil {
				return fmt.Errorf("scheduler: apply resource update: %w", err)
			}
			s.check()
		case c := <-s.cmdCh:
			c.fn()
			s.check()
			close(c.done)
		}
	}
}

// startup registers the feasibility service (a no-op here, since
// FeasibilityCheck is always available once rl is set), opens the
// acquire subscription, receives the initial R, marks every acquired
// resource down, applies the first update to reach true initial
// state, then replays the job-manager hello's in-flight allocations
// via set_allocated before announcing readiness.
func (s *Scheduler) startup(sub ResourceSubscription, hello []InFlightAllocation) error {
	initial, err := sub.Initial()
	if err != nil {
		return fmt.Errorf("scheduler: startup: initial R: %w", err)
	}
	rl, err := rlist.FromR(initial)
	if err != nil {
		return fmt.Errorf("scheduler: startup: decode initial R: %w", err)
	}
	rl.MarkDown(rl.Ranks())
	s.rl = rl

	first, err := sub.Next()
	if err != nil {
		return fmt.Errorf("scheduler: startup: first update: %w", err)
	}
	if err := s.applyUpdate(first); err != nil {
		return fmt.Errorf("scheduler: startup: apply first update: %w", err)
	}

	for _, h := range hello {
		decision, err := rlist.FromR(h.R)
		if err != nil {
			return fmt.Errorf("scheduler: startup: hello %s: decode R: %w", h.ID, err)
		}
		if err := s.rl.SetAllocated(decision); err != nil {
			return fmt.Errorf("scheduler: startup: hello %s: set_allocated: %w", h.ID, err)
		}
		s.running[h.ID] = &runningJob{ID: h.ID, Decision: decision, Expiration: h.Expiration}
	}

	s.ready.Store(true)
	s.log.Info("scheduler: ready")
	return nil
}
