package session

import (
	"sync"
	"time"
)

// debouncer coalesces bursts of triggers into single flushes. A flush
// fires after wait of quiet, or maxWait after the first trigger of a
// pending cycle, whichever comes first, so sustained editing still
// persists periodically.
type debouncer struct {
	wait    time.Duration
	maxWait time.Duration
	fn      func()

	mu       sync.Mutex
	timer    *time.Timer
	deadline time.Time
	stopped  bool
}

func newDebouncer(wait, maxWait time.Duration, fn func()) *debouncer {
	return &debouncer{wait: wait, maxWait: maxWait, fn: fn}
}

func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	now := time.Now()
	if d.timer == nil {
		d.deadline = now.Add(d.maxWait)
	} else {
		d.timer.Stop()
	}
	delay := d.wait
	if remaining := d.deadline.Sub(now); remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}
	d.timer = time.AfterFunc(delay, d.fire)
}

func (d *debouncer) fire() {
	d.mu.Lock()
	if d.stopped || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.deadline = time.Time{}
	d.mu.Unlock()
	d.fn()
}

// Flush runs a pending flush immediately. No-op when nothing is
// pending.
func (d *debouncer) Flush() {
	d.mu.Lock()
	pending := d.timer != nil && d.timer.Stop()
	if pending {
		d.timer = nil
		d.deadline = time.Time{}
	}
	d.mu.Unlock()
	if pending {
		d.fn()
	}
}

// Stop discards any pending flush and ignores further triggers.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
