// Package scheduler realises the timing wrappers over raw events (spec
// §4.6): deferred events publish once at their scheduled time, periodic
// events re-enqueue themselves for the next period until they expire.
// Grounded on the teacher's pkg/core/concurrency executor for the
// background worker and pkg/event/temporal.go's Temporal wrapper for
// due/expired/advance bookkeeping.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/quadgate/sred/pkg/event"
	"github.com/quadgate/sred/pkg/sredcore"
)

// Publisher is the minimal surface the scheduler needs from the event
// bus: publish a due event, or run one inline.
type Publisher interface {
	Publish(evt event.Event) error
}

// entry is one scheduled temporal wrapper pending its next fire time.
// fireAt is computed at enqueue time since event.Temporal.ScheduledTime
// only carries a meaningful value for Deferred wrappers; Periodic
// wrappers derive their next fire time from Start/LastRun/Period.
type entry struct {
	temporal event.Temporal
	fireAt   time.Time
	index    int
}

func fireTimeOf(t event.Temporal) time.Time {
	if t.Kind == event.Periodic {
		if t.LastRun.IsZero() {
			return t.Start
		}
		return t.LastRun.Add(t.Period)
	}
	return t.ScheduledTime
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	return h[i].fireAt.Before(h[j].fireAt)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler holds a due-time priority queue of deferred/periodic
// temporal events and drains it on a background goroutine, publishing
// to bus at each due time (spec §4.6).
type Scheduler struct {
	bus    Publisher
	logger sredcore.Logger

	mu      sync.Mutex
	pending entryHeap
	wake    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Scheduler publishing due events to bus.
func New(bus Publisher, logger sredcore.Logger) *Scheduler {
	if logger == nil {
		logger = sredcore.NewDefaultLogger()
	}
	return &Scheduler{
		bus:    bus,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Start spawns the background drain loop. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(runCtx)
}

// Stop halts the drain loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Submit schedules t according to its Kind. SYNCHRONOUS events publish
// inline; ASYNCHRONOUS events publish from a background goroutine and
// Submit returns immediately; DEFERRED and PERIODIC are enqueued for
// the drain loop.
func (s *Scheduler) Submit(t event.Temporal) error {
	switch t.Kind {
	case event.Synchronous:
		return s.bus.Publish(t.Event)
	case event.Asynchronous:
		go func() {
			if err := s.bus.Publish(t.Event); err != nil {
				s.logger.Warnf("scheduler: async publish failed: %v", err)
			}
		}()
		return nil
	case event.Deferred, event.Periodic:
		s.enqueue(t)
		return nil
	default:
		return s.bus.Publish(t.Event)
	}
}

func (s *Scheduler) enqueue(t event.Temporal) {
	s.mu.Lock()
	heap.Push(&s.pending, &entry{temporal: t, fireAt: fireTimeOf(t)})
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		var wait time.Duration = time.Hour
		if len(s.pending) > 0 {
			wait = time.Until(s.pending[0].fireAt)
			if wait < 0 {
				wait = 0
			}
		}
		s.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
			s.drainDue()
		}
	}
}

func (s *Scheduler) drainDue() {
	now := time.Now().UTC()
	for {
		s.mu.Lock()
		if len(s.pending) == 0 || s.pending[0].fireAt.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.pending).(*entry)
		s.mu.Unlock()

		t := e.temporal
		if err := s.bus.Publish(t.Event); err != nil {
			s.logger.Warnf("scheduler: publish failed for %q: %v", t.Event.ID(), err)
		}
		if t.Kind == event.Periodic {
			advanced := t.Advance(now)
			if !advanced.Expired(now) {
				s.enqueue(advanced)
			}
		}
	}
}

// Pending returns the count of deferred/periodic entries awaiting their
// next fire time.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
