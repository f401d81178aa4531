package realtime

import (
	stdsync "sync"
	"time"
)

// debounceDelay is the quiet period that coalesces a burst of change
// events into one processing pass.
const debounceDelay = 300 * time.Millisecond

// Debouncer schedules one deferred task per key with
// cancel-and-reschedule semantics: scheduling a key again before its
// timer fires pushes the deadline out.
type Debouncer struct {
	mu     stdsync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewDebouncer creates an empty Debouncer.
func NewDebouncer() *Debouncer {
	return &Debouncer{timers: make(map[string]*time.Timer)}
}

// Schedule arranges for fn to run after delay. A pending timer for the
// same key is canceled and replaced. No-op after Stop.
func (d *Debouncer) Schedule(key string, delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	if t, ok := d.timers[key]; ok {
		t.Stop()
	}

	d.timers[key] = time.AfterFunc(delay, func() {
		d.mu.Lock()
		delete(d.timers, key)
		d.mu.Unlock()

		fn()
	})
}

// Cancel stops a pending timer for key, if any.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
}

// Stop cancels all pending timers and rejects further scheduling.
// Idempotent.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true

	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}
