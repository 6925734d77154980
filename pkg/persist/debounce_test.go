package persist

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// manualScheduler fires scheduled funcs only when Advance moves past their deadline.
type manualScheduler struct {
	mu    sync.Mutex
	now   time.Duration
	tasks []*manualTask
}

type manualTask struct {
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (s *manualScheduler) Schedule(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTask{at: s.now + d, f: f}
	s.tasks = append(s.tasks, t)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.fired || t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

func (s *manualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	var due []*manualTask
	for _, t := range s.tasks {
		if !t.fired && !t.stopped && t.at <= s.now {
			t.fired = true
			due = append(due, t)
		}
	}
	s.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func TestDebouncerCoalescesBurst(t *testing.T) {
	sched := &manualScheduler{}
	var flushes atomic.Int32
	d := NewDebouncer(time.Second, func() { flushes.Add(1) }, sched.Schedule)

	for i := 0; i < 10; i++ {
		d.Trigger()
		sched.Advance(200 * time.Millisecond)
	}
	assert.Equal(t, int32(0), flushes.Load())
	assert.True(t, d.Dirty())

	sched.Advance(time.Second)
	assert.Equal(t, int32(1), flushes.Load())
	assert.False(t, d.Dirty())

	sched.Advance(5 * time.Second)
	assert.Equal(t, int32(1), flushes.Load())
}

func TestDebouncerFlushAndStop(t *testing.T) {
	sched := &manualScheduler{}
	var flushes atomic.Int32
	d := NewDebouncer(time.Second, func() { flushes.Add(1) }, sched.Schedule)

	d.Flush()
	assert.Equal(t, int32(0), flushes.Load(), "nothing pending")

	d.Trigger()
	d.Flush()
	assert.Equal(t, int32(1), flushes.Load())
	sched.Advance(2 * time.Second)
	assert.Equal(t, int32(1), flushes.Load(), "cancelled timer must not flush again")

	d.Trigger()
	d.Stop()
	assert.Equal(t, int32(2), flushes.Load())
	d.Trigger()
	sched.Advance(2 * time.Second)
	assert.Equal(t, int32(2), flushes.Load(), "stopped debouncer ignores triggers")
}

func TestDebouncerRealTimer(t *testing.T) {
	done := make(chan struct{}, 1)
	d := NewDebouncer(10*time.Millisecond, func() { done <- struct{}{} }, nil)
	d.Trigger()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("debounced flush never ran")
	}
}
