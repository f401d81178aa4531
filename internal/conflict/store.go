package conflict

import (
	"log/slog"
	stdsync "sync"
)

// State is an observable snapshot of the store.
type State struct {
	Current   *Record
	Pending   []Record
	ShowAlert bool
}

// Store accumulates detected conflicts and presents them one at a time.
// All methods are safe for concurrent use. Mutations are persisted
// (minus the transient alert flag) and fanned out to subscribers.
type Store struct {
	mu          stdsync.Mutex
	current     *Record
	pending     []Record
	showAlert   bool
	persistence Persistence
	logger      *slog.Logger

	subMu       stdsync.Mutex
	subscribers map[int]func(State)
	nextSubID   int
}

// NewStore creates a Store backed by the given persistence adapter and
// restores any conflicts saved by a previous run.
func NewStore(p Persistence, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		persistence: p,
		logger:      logger,
		subscribers: make(map[int]func(State)),
	}

	saved, err := p.Load()
	if err != nil {
		return nil, err
	}

	// The current conflict is folded into the head of the persisted
	// array; split it back out. The alert flag is not persisted — a
	// restored conflict re-raises it so it is not silently lost.
	if len(saved) > 0 {
		s.current = &saved[0]
		s.pending = saved[1:]
		s.showAlert = true

		logger.Info("restored persisted conflicts", "count", len(saved))
	}

	return s, nil
}

// Subscribe registers fn to be called with a state snapshot after every
// mutation. The returned function unsubscribes.
func (s *Store) Subscribe(fn func(State)) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// GetState returns a snapshot of the store.
func (s *Store) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() State {
	st := State{ShowAlert: s.showAlert}

	if s.current != nil {
		c := *s.current
		st.Current = &c
	}

	st.Pending = append([]Record(nil), s.pending...)

	return st
}

// notifyAndPersist publishes the current state to subscribers and saves
// it. Called with s.mu NOT held.
func (s *Store) notifyAndPersist() {
	s.mu.Lock()
	st := s.snapshotLocked()

	// Fold current into the head of the persisted array.
	var toSave []Record
	if s.current != nil {
		toSave = append(toSave, *s.current)
	}

	toSave = append(toSave, s.pending...)
	s.mu.Unlock()

	if err := s.persistence.Save(toSave); err != nil {
		s.logger.Error("could not persist conflicts", "error", err)
	}

	s.subMu.Lock()
	subs := make([]func(State), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

// Add enqueues a detected conflict. A conflict equal to the displayed
// one is dropped; an equal pending conflict is superseded in place.
// When nothing is currently displayed the new conflict becomes current
// and the alert is raised; otherwise it joins the pending queue without
// disturbing the current conflict.
func (s *Store) Add(r Record) {
	s.mu.Lock()

	if r.ID == "" {
		r.ID = newID()
	}

	if s.current != nil && s.current.SameRecord(r) {
		s.mu.Unlock()
		s.logger.Debug("conflict already displayed, dropping",
			"record_type", r.RecordType, "id", r.Local.ID)

		return
	}

	for i := range s.pending {
		if s.pending[i].SameRecord(r) {
			// Later conflict supersedes the earlier undisplayed one.
			s.pending[i] = r
			s.mu.Unlock()
			s.notifyAndPersist()

			return
		}
	}

	if s.current == nil {
		s.current = &r
		s.showAlert = true
	} else {
		s.pending = append(s.pending, r)
	}

	s.logger.Info("conflict recorded",
		"record_type", r.RecordType, "id", r.Local.ID,
		"local_updated_at", r.Local.UpdatedAt,
		"remote_updated_at", r.Remote.UpdatedAt)

	s.mu.Unlock()
	s.notifyAndPersist()
}

// ShowNext promotes the head of the pending queue to current, raising
// the alert, or clears the store when the queue is exhausted.
func (s *Store) ShowNext() {
	s.mu.Lock()

	if len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.current = &next
		s.showAlert = true
	} else {
		s.current = nil
		s.showAlert = false
	}

	s.mu.Unlock()
	s.notifyAndPersist()
}

// ResolveCurrent advances past the current conflict. The caller must
// already have applied the user's chosen resolution to the mirror
// store before calling this.
func (s *Store) ResolveCurrent() {
	s.ShowNext()
}

// ClearAll empties current and pending and lowers the alert.
func (s *Store) ClearAll() {
	s.mu.Lock()
	s.current = nil
	s.pending = nil
	s.showAlert = false
	s.mu.Unlock()

	if err := s.persistence.Clear(); err != nil {
		s.logger.Error("could not clear persisted conflicts", "error", err)
	}

	s.notifyAndPersist()
}

// PendingCount returns the number of pending conflicts plus one when a
// conflict is currently displayed. Used for badge text.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.pending)
	if s.current != nil {
		n++
	}

	return n
}
