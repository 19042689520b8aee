package vault

import (
	"sync"
	"time"
)

// debouncer collapses a burst of triggers into a single action after a quiet
// period. Safe for concurrent triggers; the sequence number keeps a stale
// timer from firing after a newer trigger reset it.
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	duration time.Duration
	action   func()
	seq      uint64
	wg       sync.WaitGroup
}

func newDebouncer(duration time.Duration, action func()) *debouncer {
	return &debouncer{duration: duration, action: action}
}

// trigger schedules the action after the quiet period, resetting any pending
// schedule.
func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && d.timer.Stop() {
		d.wg.Done()
	}

	d.seq++
	seq := d.seq

	d.wg.Add(1)
	d.timer = time.AfterFunc(d.duration, func() {
		defer d.wg.Done()

		d.mu.Lock()
		if d.seq != seq {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		// Run the action outside the lock so it may trigger again.
		d.mu.Unlock()

		d.action()
	})
}

// cancel drops any pending action without waiting for one already running.
func (d *debouncer) cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		if d.timer.Stop() {
			d.wg.Done()
		}
		d.timer = nil
	}
}

// cancelAndWait drops any pending action and blocks until an in-flight one
// finishes.
func (d *debouncer) cancelAndWait() {
	d.cancel()
	d.wg.Wait()
}
