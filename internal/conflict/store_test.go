package conflict

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestStore(t *testing.T) (*Store, *MemoryPersistence) {
	t.Helper()

	p := NewMemoryPersistence()

	s, err := NewStore(p, testLogger(t))
	require.NoError(t, err)

	return s, p
}

func testConflict(recordType, localID string, remoteAt int64) Record {
	return Record{
		RecordType: recordType,
		Local: Version{
			ID:        localID,
			Data:      json.RawMessage(`{"name":"local"}`),
			UpdatedAt: 100,
		},
		Remote: Version{
			ID:        localID,
			Data:      json.RawMessage(`{"name":"remote"}`),
			UpdatedAt: remoteAt,
		},
		DetectedAt: 1000,
	}
}

func TestStore_FirstConflictBecomesCurrentAndAlerts(t *testing.T) {
	s, _ := newTestStore(t)

	s.Add(testConflict("projects", "p1", 200))

	st := s.GetState()
	require.NotNil(t, st.Current)
	assert.Equal(t, "p1", st.Current.Local.ID)
	assert.NotEmpty(t, st.Current.ID, "an instance id is assigned on Add")
	assert.True(t, st.ShowAlert)
	assert.Empty(t, st.Pending)
}

func TestStore_SecondConflictQueuesWithoutDisturbingCurrent(t *testing.T) {
	s, _ := newTestStore(t)

	s.Add(testConflict("projects", "p1", 200))
	s.Add(testConflict("contacts", "c1", 300))

	st := s.GetState()
	assert.Equal(t, "p1", st.Current.Local.ID)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, "c1", st.Pending[0].Local.ID)
}

func TestStore_DuplicateOfCurrentIsDropped(t *testing.T) {
	s, _ := newTestStore(t)

	s.Add(testConflict("projects", "p1", 200))
	s.Add(testConflict("projects", "p1", 500))

	st := s.GetState()
	assert.Empty(t, st.Pending)
	assert.Equal(t, int64(200), st.Current.Remote.UpdatedAt,
		"the displayed conflict is not replaced under the user")
}

func TestStore_PendingDuplicateIsSuperseded(t *testing.T) {
	s, _ := newTestStore(t)

	s.Add(testConflict("projects", "p1", 200))
	s.Add(testConflict("contacts", "c1", 300))
	s.Add(testConflict("contacts", "c1", 900))

	st := s.GetState()
	require.Len(t, st.Pending, 1)
	assert.Equal(t, int64(900), st.Pending[0].Remote.UpdatedAt,
		"later conflict for the same record supersedes the queued one")
}

func TestStore_ShowNextWalksTheQueue(t *testing.T) {
	s, _ := newTestStore(t)

	s.Add(testConflict("projects", "p1", 200))
	s.Add(testConflict("contacts", "c1", 300))

	s.ShowNext()

	st := s.GetState()
	require.NotNil(t, st.Current)
	assert.Equal(t, "c1", st.Current.Local.ID)
	assert.True(t, st.ShowAlert)
	assert.Empty(t, st.Pending)

	s.ShowNext()

	st = s.GetState()
	assert.Nil(t, st.Current)
	assert.False(t, st.ShowAlert)
}

func TestStore_PendingCount(t *testing.T) {
	s, _ := newTestStore(t)

	assert.Zero(t, s.PendingCount())

	s.Add(testConflict("projects", "p1", 200))
	s.Add(testConflict("contacts", "c1", 300))

	assert.Equal(t, 2, s.PendingCount())

	s.ResolveCurrent()
	assert.Equal(t, 1, s.PendingCount())

	s.ClearAll()
	assert.Zero(t, s.PendingCount())
}

func TestStore_NotifiesSubscribers(t *testing.T) {
	s, _ := newTestStore(t)

	var snapshots []State

	unsub := s.Subscribe(func(st State) {
		snapshots = append(snapshots, st)
	})

	s.Add(testConflict("projects", "p1", 200))
	require.Len(t, snapshots, 1)

	unsub()
	s.Add(testConflict("contacts", "c1", 300))
	assert.Len(t, snapshots, 1)
}

func TestStore_PersistsAcrossRestart(t *testing.T) {
	s, p := newTestStore(t)

	s.Add(testConflict("projects", "p1", 200))
	s.Add(testConflict("contacts", "c1", 300))

	// A new store over the same persistence restores the queue: head
	// becomes current, the alert is re-raised.
	s2, err := NewStore(p, testLogger(t))
	require.NoError(t, err)

	st := s2.GetState()
	require.NotNil(t, st.Current)
	assert.Equal(t, "p1", st.Current.Local.ID)
	assert.True(t, st.ShowAlert)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, "c1", st.Pending[0].Local.ID)
}

func TestFilePersistence_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conflicts.json")
	p := NewFilePersistence(path)

	// Missing file: no conflicts, no error.
	got, err := p.Load()
	require.NoError(t, err)
	assert.Empty(t, got)

	records := []Record{testConflict("projects", "p1", 200)}
	records[0].ID = "conflict-1"

	require.NoError(t, p.Save(records))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePerms), info.Mode().Perm())

	got, err = p.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "conflict-1", got[0].ID)
	assert.Equal(t, int64(200), got[0].Remote.UpdatedAt)

	require.NoError(t, p.Clear())
	require.NoError(t, p.Clear(), "clearing a missing file is not an error")

	got, err = p.Load()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFilePersistence_CorruptFileIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conflicts.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewFilePersistence(path).Load()
	require.Error(t, err)
}
