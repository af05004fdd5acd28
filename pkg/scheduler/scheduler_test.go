package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	lock  sync.Mutex
	order *[]string
	name  string
	ticks []time.Time
	stops int
	delay time.Duration
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Tick(now time.Time) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.ticks = append(r.ticks, now)
	if r.order != nil {
		*r.order = append(*r.order, r.name)
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
}

func (r *recorder) Stop() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.stops++
}

func (r *recorder) count() (ticks, stops int) {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.ticks), r.stops
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTasksRunInOrder(t *testing.T) {
	s := New(10*time.Millisecond, golog.NewTestLogger(t))
	var order []string
	a := &recorder{name: "a", order: &order}
	b := &recorder{name: "b", order: &order}
	s.Add(a)
	s.Add(b)

	s.RunOnce(t0)
	s.RunOnce(t0.Add(10 * time.Millisecond))
	assert.Equal(t, []string{"a", "b", "a", "b"}, order)
	assert.Equal(t, []time.Time{t0, t0.Add(10 * time.Millisecond)}, a.ticks)
	assert.Equal(t, 2, s.Ticks())
}

func TestCancelRemovesAtTickBoundary(t *testing.T) {
	s := New(10*time.Millisecond, golog.NewTestLogger(t))
	a := &recorder{name: "a"}
	slot := s.Add(a)
	s.RunOnce(t0)

	slot.Cancel()
	select {
	case <-slot.Done():
		t.Fatal("removed before the next tick")
	default:
	}
	s.RunOnce(t0.Add(10 * time.Millisecond))
	<-slot.Done()
	ticks, stops := a.count()
	assert.Equal(t, 1, ticks)
	assert.Equal(t, 1, stops)
}

func TestOverrunsCounted(t *testing.T) {
	s := New(time.Millisecond, golog.NewTestLogger(t))
	s.Add(&recorder{name: "slow", delay: 5 * time.Millisecond})
	s.RunOnce(t0)
	assert.Equal(t, 1, s.Overruns())
}

func TestRunStopsTasksOnExit(t *testing.T) {
	s := New(time.Millisecond, golog.NewTestLogger(t))
	a := &recorder{name: "a"}
	slot := s.Add(a)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		ticks, _ := a.count()
		return ticks >= 3
	}, 5*time.Second, time.Millisecond)
	cancel()
	<-done
	<-slot.Done()
	_, stops := a.count()
	assert.Equal(t, 1, stops)
}
