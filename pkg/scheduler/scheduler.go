// Package scheduler gives each subsystem a periodic tick slot.  Tasks are
// run one after another, in the order they were added, from a single
// goroutine; a task's Tick must do a bounded amount of work and return.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/edaniels/golog"
)

type Task interface {
	Name() string
	Tick(now time.Time)
}

// Stopper is implemented by tasks that must make their outputs safe when
// they are removed or the scheduler exits.
type Stopper interface {
	Stop()
}

// Slot is a task's registration with the scheduler.
type Slot struct {
	task      Task
	lock      sync.Mutex
	cancelled bool
	done      chan struct{}
}

// Cancel asks the scheduler to remove the task at the next tick boundary.
// Done is closed once it has been removed (and stopped).
func (s *Slot) Cancel() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.cancelled = true
}

func (s *Slot) Done() <-chan struct{} {
	return s.done
}

func (s *Slot) isCancelled() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.cancelled
}

type Scheduler struct {
	period time.Duration
	log    golog.Logger
	clock  func() time.Time

	lock     sync.Mutex
	slots    []*Slot
	overruns int
	ticks    int
}

func New(period time.Duration, log golog.Logger) *Scheduler {
	if log == nil {
		log = golog.Global().Named("scheduler")
	}
	return &Scheduler{
		period: period,
		log:    log,
		clock:  time.Now,
	}
}

func (s *Scheduler) Period() time.Duration {
	return s.period
}

// Add registers a task.  Tasks tick in the order they were added.
func (s *Scheduler) Add(t Task) *Slot {
	slot := &Slot{task: t, done: make(chan struct{})}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.slots = append(s.slots, slot)
	s.log.Debugw("scheduler: task added", "task", t.Name())
	return slot
}

// RunOnce runs one tick of every task.
func (s *Scheduler) RunOnce(now time.Time) {
	start := s.clock()

	s.lock.Lock()
	slots := make([]*Slot, 0, len(s.slots))
	for _, slot := range s.slots {
		if slot.isCancelled() {
			s.retire(slot)
			continue
		}
		slots = append(slots, slot)
	}
	s.slots = slots
	s.ticks++
	s.lock.Unlock()

	for _, slot := range slots {
		slot.task.Tick(now)
	}

	if took := s.clock().Sub(start); s.period > 0 && took > s.period {
		s.lock.Lock()
		s.overruns++
		s.lock.Unlock()
		s.log.Warnw("scheduler: tick overran its slot", "took", took, "period", s.period)
	}
}

// retire stops a removed task and closes its slot.  Called with the lock
// held.
func (s *Scheduler) retire(slot *Slot) {
	if st, ok := slot.task.(Stopper); ok {
		st.Stop()
	}
	close(slot.done)
	s.log.Debugw("scheduler: task removed", "task", slot.task.Name())
}

// Run ticks all tasks every period until ctx is cancelled, then stops every
// task.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	defer s.stopAll()
	s.log.Infow("scheduler: running", "period", s.period)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler: context done, stopping tasks")
			return
		case now := <-ticker.C:
			s.RunOnce(now)
		}
	}
}

func (s *Scheduler) stopAll() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, slot := range s.slots {
		s.retire(slot)
	}
	s.slots = nil
}

// Overruns returns the number of ticks that took longer than the period.
func (s *Scheduler) Overruns() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.overruns
}

func (s *Scheduler) Ticks() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ticks
}
