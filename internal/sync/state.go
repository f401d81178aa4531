// Package sync implements the push/pull synchronization engine for
// fieldsync. Push uploads dirty mirror records, pull merges remote
// changes behind a per-table cursor, and full sync runs both under a
// single-flight gate. Conflicts detected during pull are routed to the
// conflict store, never silently resolved.
package sync

import (
	"log/slog"
	stdsync "sync"
	"time"
)

// maxLogEntries bounds the in-memory status log ring.
const maxLogEntries = 100

// SyncError is the last error surfaced to the status UI. Observability
// only — the failing records stay dirty and are retried next cycle.
type SyncError struct {
	Op      string
	Message string
	At      int64 // milliseconds since epoch
}

// LogEntry is one line in the bounded status log.
type LogEntry struct {
	At      int64 // milliseconds since epoch
	Level   string
	Message string
}

// State is a snapshot of transient sync status.
type State struct {
	Online       bool
	Syncing      bool
	PendingCount int
	LastSyncAt   int64 // milliseconds since epoch
	LastSyncTook time.Duration
	LastSyncType string
	LastError    *SyncError
	Logs         []LogEntry
}

// StateManager holds transient sync status (online/offline, syncing,
// pending counts, logs). The engine and the realtime manager update
// it; UIs subscribe for snapshots.
type StateManager struct {
	mu    stdsync.Mutex
	state State

	subMu       stdsync.Mutex
	subscribers map[int]func(State)
	nextSubID   int

	logger *slog.Logger
	nowMs  func() int64
}

// NewStateManager creates an empty StateManager.
func NewStateManager(logger *slog.Logger) *StateManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &StateManager{
		subscribers: make(map[int]func(State)),
		logger:      logger,
		nowMs:       func() int64 { return time.Now().UnixMilli() },
	}
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned function unsubscribes.
func (m *StateManager) Subscribe(fn func(State)) func() {
	m.subMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

// GetState returns a snapshot of the current status.
func (m *StateManager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshotLocked()
}

func (m *StateManager) snapshotLocked() State {
	st := m.state

	if m.state.LastError != nil {
		e := *m.state.LastError
		st.LastError = &e
	}

	st.Logs = append([]LogEntry(nil), m.state.Logs...)

	return st
}

func (m *StateManager) notify() {
	m.mu.Lock()
	st := m.snapshotLocked()
	m.mu.Unlock()

	m.subMu.Lock()
	subs := make([]func(State), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

// SetOnline updates the connectivity flag.
func (m *StateManager) SetOnline(online bool) {
	m.mu.Lock()
	m.state.Online = online
	m.mu.Unlock()
	m.notify()
}

// SetSyncing updates the in-progress flag.
func (m *StateManager) SetSyncing(syncing bool) {
	m.mu.Lock()
	m.state.Syncing = syncing
	m.mu.Unlock()
	m.notify()
}

// SetPendingCount updates the count of unpushed records.
func (m *StateManager) SetPendingCount(n int) {
	m.mu.Lock()
	m.state.PendingCount = n
	m.mu.Unlock()
	m.notify()
}

// TouchLastSync stamps the last-sync-at marker. Called after each
// applied realtime batch and each completed sync.
func (m *StateManager) TouchLastSync() {
	m.mu.Lock()
	m.state.LastSyncAt = m.nowMs()
	m.mu.Unlock()
	m.notify()
}

// RecordSync records the outcome of a completed sync cycle.
func (m *StateManager) RecordSync(syncType string, took time.Duration, err error) {
	m.mu.Lock()
	m.state.LastSyncAt = m.nowMs()
	m.state.LastSyncTook = took
	m.state.LastSyncType = syncType

	if err != nil {
		m.state.LastError = &SyncError{
			Op:      syncType,
			Message: err.Error(),
			At:      m.nowMs(),
		}
		m.appendLogLocked("error", syncType+": "+err.Error())
	} else {
		m.state.LastError = nil
		m.appendLogLocked("info", syncType+" completed")
	}
	m.mu.Unlock()
	m.notify()
}

// RecordError surfaces a non-fatal error without marking a completed
// sync (e.g. a single table's push batch failing).
func (m *StateManager) RecordError(op string, err error) {
	m.mu.Lock()
	m.state.LastError = &SyncError{
		Op:      op,
		Message: err.Error(),
		At:      m.nowMs(),
	}
	m.appendLogLocked("error", op+": "+err.Error())
	m.mu.Unlock()
	m.notify()
}

// appendLogLocked adds a log line, evicting the oldest beyond the cap.
// Caller holds m.mu.
func (m *StateManager) appendLogLocked(level, message string) {
	m.state.Logs = append(m.state.Logs, LogEntry{
		At:      m.nowMs(),
		Level:   level,
		Message: message,
	})

	if len(m.state.Logs) > maxLogEntries {
		m.state.Logs = m.state.Logs[len(m.state.Logs)-maxLogEntries:]
	}
}
