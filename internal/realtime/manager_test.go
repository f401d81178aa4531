package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarppi/fieldsync/internal/mirror"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type fakeStore struct {
	mu      stdsync.Mutex
	records map[string]*mirror.Record
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*mirror.Record)}
}

func (s *fakeStore) key(table mirror.Table, id string) string {
	return string(table) + "/" + id
}

func (s *fakeStore) Get(_ context.Context, table mirror.Table, id string) (*mirror.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[s.key(table, id)]
	if !ok {
		return nil, nil
	}

	cp := *r

	return &cp, nil
}

func (s *fakeStore) Put(_ context.Context, table mirror.Table, r *mirror.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.records[s.key(table, r.ID)] = &cp

	return nil
}

func (s *fakeStore) Delete(_ context.Context, table mirror.Table, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, s.key(table, id))
	s.deleted = append(s.deleted, s.key(table, id))

	return nil
}

type fakeStatus struct {
	online  atomic.Bool
	touched atomic.Int32
	errors  atomic.Int32
}

func (f *fakeStatus) SetOnline(online bool) { f.online.Store(online) }
func (f *fakeStatus) TouchLastSync()        { f.touched.Add(1) }
func (f *fakeStatus) RecordError(string, error) {
	f.errors.Add(1)
}

func newTestManager(t *testing.T) (*Manager, *fakeStore, *fakeStatus) {
	t.Helper()

	store := newFakeStore()
	status := &fakeStatus{}

	m := NewManager(&ManagerConfig{
		BaseURL: "https://project.example.test",
		APIKey:  "anon-key",
		Store:   store,
		Status:  status,
		Echo:    NewEchoTracker(),
		Logger:  testLogger(t),
	})

	return m, store, status
}

func projectChange(typ string, id string, updatedAt int64) *changeData {
	row := json.RawMessage(fmt.Sprintf(
		`{"id":%q,"name":"Remote %s","updated_at":%d,"created_at":1}`, id, id, updatedAt))

	c := &changeData{Type: typ, CommitTimestamp: updatedAt}
	if typ == "DELETE" {
		c.OldRecord = row
	} else {
		c.Record = row
	}

	return c
}

func TestManager_InsertAppliedOnFlush(t *testing.T) {
	m, store, status := newTestManager(t)
	ctx := context.Background()

	m.HandleChange("projects", projectChange("INSERT", "p1", 100))
	m.flush(ctx, "projects")

	rec, err := store.Get(ctx, mirror.TableProjects, "p1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(100), rec.UpdatedAt)
	assert.False(t, rec.Dirty)

	stats := m.Stats()
	assert.EqualValues(t, 1, stats.EventsReceived)
	assert.EqualValues(t, 1, stats.EventsApplied)
	assert.EqualValues(t, 1, status.touched.Load())
}

func TestManager_StaleUpdateIsIgnored(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	newer, err := mirror.FromRemote(mirror.TableProjects,
		json.RawMessage(`{"id":"p1","name":"Local","updated_at":500,"created_at":1}`))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, mirror.TableProjects, newer))

	m.HandleChange("projects", projectChange("UPDATE", "p1", 400))
	m.flush(ctx, "projects")

	rec, _ := store.Get(ctx, mirror.TableProjects, "p1")
	assert.Equal(t, int64(500), rec.UpdatedAt, "older event never overwrites")

	stats := m.Stats()
	assert.EqualValues(t, 1, stats.EventsIgnored)
	assert.Zero(t, stats.EventsApplied)
}

func TestManager_DeleteAppliesUnconditionally(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	newer, err := mirror.FromRemote(mirror.TableProjects,
		json.RawMessage(`{"id":"p1","name":"Local","updated_at":900,"created_at":1}`))
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, mirror.TableProjects, newer))

	// The delete notification carries the stale old row image; it still
	// wins because the row is gone remotely.
	m.HandleChange("projects", projectChange("DELETE", "p1", 100))
	m.flush(ctx, "projects")

	rec, _ := store.Get(ctx, mirror.TableProjects, "p1")
	assert.Nil(t, rec)
	assert.Contains(t, store.deleted, "projects/p1")
}

func TestManager_SelfEchoIsDropped(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	// A push just went out for this table.
	m.echo.TrackLocalOperation("projects")

	m.HandleChange("projects", projectChange("UPDATE", "p1", mirror.NowMilli()))
	m.flush(ctx, "projects")

	rec, _ := store.Get(ctx, mirror.TableProjects, "p1")
	assert.Nil(t, rec, "echo of our own write is not re-applied")

	stats := m.Stats()
	assert.EqualValues(t, 1, stats.EventsReceived)
	assert.EqualValues(t, 1, stats.EventsIgnored)
}

func TestManager_BurstCollapsesToNewestPerRecord(t *testing.T) {
	m, store, status := newTestManager(t)
	ctx := context.Background()

	m.HandleChange("projects", projectChange("INSERT", "p1", 100))
	m.HandleChange("projects", projectChange("UPDATE", "p1", 300))
	m.HandleChange("projects", projectChange("UPDATE", "p1", 200))
	m.HandleChange("projects", projectChange("INSERT", "p2", 150))
	m.flush(ctx, "projects")

	rec, _ := store.Get(ctx, mirror.TableProjects, "p1")
	require.NotNil(t, rec)
	assert.Equal(t, int64(300), rec.UpdatedAt)

	rec2, _ := store.Get(ctx, mirror.TableProjects, "p2")
	assert.NotNil(t, rec2)

	stats := m.Stats()
	assert.EqualValues(t, 4, stats.EventsReceived)
	assert.EqualValues(t, 2, stats.EventsApplied)
	assert.EqualValues(t, 1, status.touched.Load(), "one batch, one activity stamp")
}

func TestManager_EventWithoutIDIsCounted(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.HandleChange("projects", &changeData{
		Type:   "INSERT",
		Record: json.RawMessage(`{"name":"no id"}`),
	})

	stats := m.Stats()
	assert.EqualValues(t, 1, stats.EventsReceived)
	assert.EqualValues(t, 1, stats.EventsIgnored)
}

func TestManager_UnknownTableFailsApply(t *testing.T) {
	m, _, status := newTestManager(t)
	ctx := context.Background()

	m.HandleChange("customers", projectChange("INSERT", "x1", 100))
	m.flush(ctx, "customers")

	assert.EqualValues(t, 1, status.errors.Load())
	assert.Zero(t, m.Stats().EventsApplied)
}

func TestManager_DebouncedFlush(t *testing.T) {
	m, store, _ := newTestManager(t)

	// End to end through the real debounce timer.
	m.HandleChange("projects", projectChange("INSERT", "p1", 100))

	require.Eventually(t, func() bool {
		rec, _ := store.Get(context.Background(), mirror.TableProjects, "p1")
		return rec != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_HandleFrameRoutesChanges(t *testing.T) {
	m, store, _ := newTestManager(t)

	payload, err := json.Marshal(changeEnvelope{Data: *projectChange("INSERT", "p1", 100)})
	require.NoError(t, err)

	data, err := json.Marshal(frame{
		Topic:   tableTopic("projects"),
		Event:   eventChanges,
		Payload: payload,
	})
	require.NoError(t, err)

	m.handleFrame(data)
	m.flush(context.Background(), "projects")

	rec, _ := store.Get(context.Background(), mirror.TableProjects, "p1")
	assert.NotNil(t, rec)
}

func TestManager_JoinReplyDrivesChannelState(t *testing.T) {
	m, _, _ := newTestManager(t)

	// Simulate the join bookkeeping runSession would do.
	m.chanMu.Lock()
	m.channels["projects"] = ChannelSubscribing
	m.joinRefs["1"] = "projects"
	m.chanMu.Unlock()

	ok, err := json.Marshal(frame{
		Topic:   tableTopic("projects"),
		Event:   eventReply,
		Payload: json.RawMessage(`{"status":"ok"}`),
		Ref:     "1",
	})
	require.NoError(t, err)

	m.handleFrame(ok)
	assert.Equal(t, ChannelSubscribed, m.ChannelStates()["projects"])

	m.chanMu.Lock()
	m.joinRefs["2"] = "contacts"
	m.channels["contacts"] = ChannelSubscribing
	m.chanMu.Unlock()

	failed, err := json.Marshal(frame{
		Topic:   tableTopic("contacts"),
		Event:   eventReply,
		Payload: json.RawMessage(`{"status":"error"}`),
		Ref:     "2",
	})
	require.NoError(t, err)

	m.handleFrame(failed)
	assert.Equal(t, ChannelUnsubscribed, m.ChannelStates()["contacts"])
}

func TestManager_ConnectionLossTearsDownChannels(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.chanMu.Lock()
	m.channels["projects"] = ChannelSubscribed
	m.channels["contacts"] = ChannelSubscribed
	m.joinRefs["9"] = "budgets"
	m.chanMu.Unlock()

	m.teardownChannels()

	states := m.ChannelStates()
	assert.Equal(t, ChannelUnsubscribed, states["projects"])
	assert.Equal(t, ChannelUnsubscribed, states["contacts"])

	m.chanMu.Lock()
	assert.Empty(t, m.joinRefs)
	m.chanMu.Unlock()
}

func TestManager_ShutdownIsIdempotent(t *testing.T) {
	m, _, _ := newTestManager(t)

	m.Shutdown()
	m.Shutdown()

	// After shutdown the debouncer refuses new work: nothing applies.
	m.HandleChange("projects", projectChange("INSERT", "p1", 100))
	time.Sleep(2 * debounceDelay)

	rec, _ := m.store.Get(context.Background(), mirror.TableProjects, "p1")
	assert.Nil(t, rec)
}
