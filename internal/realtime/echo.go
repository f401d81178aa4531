// Package realtime layers a live change feed on top of the mirror
// store. It subscribes to per-table channels over a websocket,
// debounces and batches incoming events, suppresses echoes of this
// client's own recent pushes, and applies the survivors with the same
// last-write-wins rule pull uses.
package realtime

import (
	stdsync "sync"
	"time"
)

// Echo suppression windows. A local write is remembered for
// echoWindow; an incoming event whose timestamp lands within
// echoTolerance of a remembered write is treated as a self-echo.
const (
	echoWindow    = 5 * time.Second
	echoTolerance = 2 * time.Second
)

// EchoTracker remembers recent local write operations per table so the
// realtime pipeline can drop the change events they echo back. Every
// local write path must call TrackLocalOperation immediately before
// pushing.
type EchoTracker struct {
	mu  stdsync.Mutex
	ops map[string][]time.Time
	now func() time.Time
}

// NewEchoTracker creates an empty tracker.
func NewEchoTracker() *EchoTracker {
	return &EchoTracker{
		ops: make(map[string][]time.Time),
		now: time.Now,
	}
}

// TrackLocalOperation records a local write for the table. Entries
// older than the echo window are pruned on each call.
func (t *EchoTracker) TrackLocalOperation(table string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.ops[table] = append(t.pruneLocked(table, now), now)
}

// IsSelfEcho reports whether an event on table with the given effective
// timestamp is the echo of a tracked local operation: the operation is
// at most echoWindow old and the event timestamp is within
// echoTolerance of it.
func (t *EchoTracker) IsSelfEcho(table string, eventTime time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	kept := t.pruneLocked(table, now)
	t.ops[table] = kept

	for _, op := range kept {
		delta := eventTime.Sub(op)
		if delta < 0 {
			delta = -delta
		}

		if delta <= echoTolerance {
			return true
		}
	}

	return false
}

// pruneLocked drops entries older than the echo window. Caller holds
// t.mu.
func (t *EchoTracker) pruneLocked(table string, now time.Time) []time.Time {
	cutoff := now.Add(-echoWindow)
	entries := t.ops[table]
	kept := entries[:0]

	for _, op := range entries {
		if op.After(cutoff) {
			kept = append(kept, op)
		}
	}

	return kept
}
