package persist

import (
	"sync"
	"time"
)

// Scheduler runs f once after d and returns a function that cancels it.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

// TimeScheduler schedules with time.AfterFunc.
func TimeScheduler(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Debouncer batches bursts of changes into one flush: each Trigger marks the state dirty
// and pushes the deferred flush back by the interval.
type Debouncer struct {
	interval time.Duration
	flush    func()
	schedule Scheduler

	mu      sync.Mutex
	dirty   bool
	gen     uint64
	cancel  func() bool
	stopped bool

	flushMu sync.Mutex
}

// NewDebouncer returns a debouncer calling flush interval after the last Trigger.
// A nil schedule uses TimeScheduler.
func NewDebouncer(interval time.Duration, flush func(), schedule Scheduler) *Debouncer {
	if schedule == nil {
		schedule = TimeScheduler
	}
	return &Debouncer{interval: interval, flush: flush, schedule: schedule}
}

// Trigger marks the state dirty and reschedules the flush.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.dirty = true
	if d.cancel != nil {
		d.cancel()
	}
	d.gen++
	gen := d.gen
	d.cancel = d.schedule(d.interval, func() { d.fire(gen) })
}

// Dirty reports whether a flush is pending.
func (d *Debouncer) Dirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.dirty {
		d.mu.Unlock()
		return
	}
	d.dirty = false
	d.cancel = nil
	d.mu.Unlock()
	d.run()
}

// Flush writes immediately if anything is pending.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	if !d.dirty {
		d.mu.Unlock()
		return
	}
	d.dirty = false
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.gen++
	d.mu.Unlock()
	d.run()
}

// Stop cancels the pending timer, flushes outstanding changes and ignores later Triggers.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.Flush()
}

func (d *Debouncer) run() {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()
	d.flush()
}
