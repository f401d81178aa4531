package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/mkarppi/fieldsync/internal/mirror"
)

// Reconnect backoff bounds for the websocket session loop.
const (
	heartbeatInterval = 30 * time.Second
	reconnectBase     = 2 * time.Second
	reconnectMax      = 60 * time.Second
)

// Store is the slice of the mirror store the realtime pipeline writes
// through. *mirror.Store satisfies it.
type Store interface {
	Get(ctx context.Context, table mirror.Table, id string) (*mirror.Record, error)
	Put(ctx context.Context, table mirror.Table, r *mirror.Record) error
	Delete(ctx context.Context, table mirror.Table, id string) error
}

// Status receives connectivity and activity signals.
// *sync.StateManager satisfies it.
type Status interface {
	SetOnline(online bool)
	TouchLastSync()
	RecordError(op string, err error)
}

// TokenSource yields the current access token for the socket handshake.
type TokenSource interface {
	Token() (string, error)
}

// ChannelState tracks one table channel's subscription lifecycle.
type ChannelState int

const (
	ChannelUnsubscribed ChannelState = iota
	ChannelSubscribing
	ChannelSubscribed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelSubscribing:
		return "subscribing"
	case ChannelSubscribed:
		return "subscribed"
	default:
		return "unsubscribed"
	}
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	EventsReceived uint64
	EventsApplied  uint64
	EventsIgnored  uint64
}

// ManagerConfig configures a Manager. Store and Status are required.
type ManagerConfig struct {
	BaseURL string // backend base URL, http(s) scheme
	APIKey  string
	Token   TokenSource // optional; anonymous socket without it
	OwnerID string      // row ownership filter for channel joins; empty disables

	Store  Store
	Status Status
	Echo   *EchoTracker // optional; nil disables echo suppression
	Logger *slog.Logger

	Tables []mirror.Table // defaults to mirror.Tables
}

// Manager owns the websocket session and the per-table event pipeline:
// subscribe, receive, dedup against local echoes, debounce, collapse,
// apply. Run drives the connection; HandleChange and flush do the rest
// and are exercised directly by tests without a socket.
type Manager struct {
	baseURL string
	apiKey  string
	token   TokenSource
	ownerID string

	store  Store
	status Status
	echo   *EchoTracker
	logger *slog.Logger
	tables []mirror.Table

	debouncer *Debouncer
	nowMs     func() int64

	queueMu stdsync.Mutex
	queues  map[string][]Event

	chanMu   stdsync.Mutex
	channels map[string]ChannelState
	joinRefs map[string]string // join ref -> table

	connMu  stdsync.Mutex
	conn    *websocket.Conn
	baseCtx context.Context

	nextRef atomic.Uint64
	closed  atomic.Bool

	eventsReceived atomic.Uint64
	eventsApplied  atomic.Uint64
	eventsIgnored  atomic.Uint64
}

// NewManager creates a Manager. It does not connect; call Run.
func NewManager(cfg *ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tables := cfg.Tables
	if len(tables) == 0 {
		tables = mirror.Tables
	}

	return &Manager{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		token:     cfg.Token,
		ownerID:   cfg.OwnerID,
		store:     cfg.Store,
		status:    cfg.Status,
		echo:      cfg.Echo,
		logger:    logger,
		tables:    tables,
		debouncer: NewDebouncer(),
		nowMs:     mirror.NowMilli,
		queues:    make(map[string][]Event),
		channels:  make(map[string]ChannelState),
		joinRefs:  make(map[string]string),
		baseCtx:   context.Background(),
	}
}

// Stats returns a snapshot of the pipeline counters.
func (m *Manager) Stats() Stats {
	return Stats{
		EventsReceived: m.eventsReceived.Load(),
		EventsApplied:  m.eventsApplied.Load(),
		EventsIgnored:  m.eventsIgnored.Load(),
	}
}

// ChannelStates returns the current per-table subscription states.
func (m *Manager) ChannelStates() map[string]ChannelState {
	m.chanMu.Lock()
	defer m.chanMu.Unlock()

	out := make(map[string]ChannelState, len(m.tables))
	for _, t := range m.tables {
		out[string(t)] = m.channels[string(t)]
	}

	return out
}

// Run connects to the change feed and keeps the session alive until ctx
// is canceled or Shutdown is called. Connection loss tears down every
// channel subscription; reconnection resubscribes from scratch with
// exponential backoff between attempts.
func (m *Manager) Run(ctx context.Context) error {
	m.baseCtx = ctx
	backoff := reconnectBase

	for {
		if ctx.Err() != nil || m.closed.Load() {
			return ctx.Err()
		}

		start := time.Now()

		err := m.runSession(ctx)
		if ctx.Err() != nil || m.closed.Load() {
			return ctx.Err()
		}

		m.status.SetOnline(false)
		m.teardownChannels()

		if err != nil {
			m.logger.Warn("realtime session ended", "error", err)
			m.status.RecordError("realtime", err)
		}

		// A session that held for a while earns a fresh backoff.
		if time.Since(start) > reconnectMax {
			backoff = reconnectBase
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, reconnectMax)
	}
}

// Shutdown stops the pipeline and closes the socket. Idempotent.
func (m *Manager) Shutdown() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	m.debouncer.Stop()

	m.connMu.Lock()
	conn := m.conn
	m.conn = nil
	m.connMu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
}

// runSession dials, joins every table channel, and pumps frames until
// the connection breaks.
func (m *Manager) runSession(ctx context.Context) error {
	wsURL, err := m.socketURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("realtime: dial: %w", err)
	}

	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	defer func() {
		m.connMu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.connMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	m.status.SetOnline(true)
	m.logger.Info("realtime connected", "tables", len(m.tables))

	if err := m.joinAll(ctx); err != nil {
		return err
	}

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()

	go m.heartbeatLoop(hbCtx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("realtime: read: %w", err)
		}

		m.handleFrame(data)
	}
}

// socketURL derives the websocket endpoint from the backend base URL.
func (m *Manager) socketURL() (string, error) {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return "", fmt.Errorf("realtime: parse base URL: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	u.Path = "/realtime/v1/websocket"

	q := u.Query()
	q.Set("apikey", m.apiKey)
	q.Set("vsn", "1.0.0")

	if m.token != nil {
		tok, err := m.token.Token()
		if err != nil {
			return "", fmt.Errorf("realtime: get token: %w", err)
		}

		q.Set("token", tok)
	}

	u.RawQuery = q.Encode()

	return u.String(), nil
}

// joinAll sends a phx_join for every configured table.
func (m *Manager) joinAll(ctx context.Context) error {
	for _, table := range m.tables {
		ref := m.ref()

		data, err := encodeJoin(string(table), m.ownerID, ref)
		if err != nil {
			return err
		}

		m.chanMu.Lock()
		m.channels[string(table)] = ChannelSubscribing
		m.joinRefs[ref] = string(table)
		m.chanMu.Unlock()

		if err := m.writeFrame(ctx, data); err != nil {
			return err
		}
	}

	return nil
}

// heartbeatLoop keeps the socket alive. A failed write closes the
// connection so the read loop notices and the session restarts.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := encodeHeartbeat(m.ref())
			if err != nil {
				return
			}

			if err := m.writeFrame(ctx, data); err != nil {
				m.logger.Warn("realtime heartbeat failed", "error", err)

				m.connMu.Lock()
				conn := m.conn
				m.connMu.Unlock()

				if conn != nil {
					_ = conn.Close(websocket.StatusAbnormalClosure, "heartbeat failed")
				}

				return
			}
		}
	}
}

func (m *Manager) writeFrame(ctx context.Context, data []byte) error {
	m.connMu.Lock()
	conn := m.conn
	m.connMu.Unlock()

	if conn == nil {
		return fmt.Errorf("realtime: not connected")
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}

	return nil
}

func (m *Manager) ref() string {
	return strconv.FormatUint(m.nextRef.Add(1), 10)
}

// handleFrame dispatches one inbound frame.
func (m *Manager) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		m.logger.Warn("realtime: malformed frame", "error", err)
		return
	}

	switch f.Event {
	case eventReply:
		m.handleReply(&f)
	case eventChanges:
		m.handleChangesFrame(&f)
	case eventError, eventClose:
		if table, ok := topicTable(f.Topic); ok {
			m.setChannelState(table, ChannelUnsubscribed)
			m.logger.Warn("realtime channel lost", "table", table, "event", f.Event)
		}
	}
}

// handleReply resolves pending join acknowledgements.
func (m *Manager) handleReply(f *frame) {
	m.chanMu.Lock()
	table, pending := m.joinRefs[f.Ref]
	if pending {
		delete(m.joinRefs, f.Ref)
	}
	m.chanMu.Unlock()

	if !pending {
		return // heartbeat ack
	}

	var reply struct {
		Status string `json:"status"`
	}

	if err := json.Unmarshal(f.Payload, &reply); err != nil || reply.Status != "ok" {
		m.setChannelState(table, ChannelUnsubscribed)
		m.logger.Warn("realtime subscribe failed", "table", table, "status", reply.Status)

		return
	}

	m.setChannelState(table, ChannelSubscribed)
	m.logger.Debug("realtime subscribed", "table", table)
}

func (m *Manager) setChannelState(table string, state ChannelState) {
	m.chanMu.Lock()
	m.channels[table] = state
	m.chanMu.Unlock()
}

// handleChangesFrame decodes a change notification and feeds it into
// the pipeline.
func (m *Manager) handleChangesFrame(f *frame) {
	table, ok := topicTable(f.Topic)
	if !ok {
		return
	}

	var env changeEnvelope
	if err := json.Unmarshal(f.Payload, &env); err != nil {
		m.logger.Warn("realtime: malformed change payload", "table", table, "error", err)
		return
	}

	m.HandleChange(table, &env.Data)
}

// HandleChange runs one change notification through the ingest side of
// the pipeline: extract identity and timestamp, drop self-echoes, queue
// the rest, and (re)arm the table's debounce timer.
func (m *Manager) HandleChange(table string, change *changeData) {
	m.eventsReceived.Add(1)

	evType := EventType(change.Type)

	payload := change.Record
	if evType == EventDelete {
		payload = change.OldRecord
	}

	id := recordID(payload)
	if id == "" {
		m.eventsIgnored.Add(1)
		m.logger.Warn("realtime: change without record id", "table", table, "type", change.Type)

		return
	}

	ts := mirror.RemoteUpdatedAt(payload)
	if ts == 0 {
		ts = change.CommitTimestamp
	}
	if ts == 0 {
		ts = m.nowMs()
	}

	if m.echo != nil && m.echo.IsSelfEcho(table, time.UnixMilli(ts)) {
		m.eventsIgnored.Add(1)
		m.logger.Debug("realtime: dropped self-echo", "table", table, "id", id)

		return
	}

	m.queueMu.Lock()
	m.queues[table] = append(m.queues[table], Event{
		ID:        id,
		Table:     table,
		Type:      evType,
		Payload:   payload,
		Timestamp: ts,
	})
	m.queueMu.Unlock()

	m.debouncer.Schedule(table, debounceDelay, func() {
		m.flush(m.baseCtx, table)
	})
}

// flush drains the table's queue, collapses it to the newest event per
// record, and applies the survivors. One failing event does not stop
// the rest of the batch.
func (m *Manager) flush(ctx context.Context, table string) {
	m.queueMu.Lock()
	batch := m.queues[table]
	delete(m.queues, table)
	m.queueMu.Unlock()

	if len(batch) == 0 {
		return
	}

	applied := 0

	for _, ev := range collapseLatest(batch) {
		ok, err := m.apply(ctx, ev)
		if err != nil {
			m.logger.Error("realtime apply failed",
				"table", ev.Table, "id", ev.ID, "type", ev.Type, "error", err)
			m.status.RecordError("realtime", err)

			continue
		}

		if ok {
			m.eventsApplied.Add(1)
			applied++
		} else {
			m.eventsIgnored.Add(1)
		}
	}

	if applied > 0 {
		m.status.TouchLastSync()
	}
}

// apply writes one collapsed event to the mirror. Deletes are applied
// unconditionally; inserts and updates only when the event is newer
// than the local row (last write wins). Returns whether the mirror
// changed.
func (m *Manager) apply(ctx context.Context, ev Event) (bool, error) {
	table := mirror.Table(ev.Table)
	if !mirror.ValidTable(table) {
		return false, fmt.Errorf("realtime: unknown table %q", ev.Table)
	}

	if ev.Type == EventDelete {
		if err := m.store.Delete(ctx, table, ev.ID); err != nil {
			return false, fmt.Errorf("realtime: delete %s/%s: %w", table, ev.ID, err)
		}

		return true, nil
	}

	local, err := m.store.Get(ctx, table, ev.ID)
	if err != nil {
		return false, fmt.Errorf("realtime: get %s/%s: %w", table, ev.ID, err)
	}

	if local != nil && local.UpdatedAt >= ev.Timestamp {
		return false, nil
	}

	rec, err := mirror.FromRemote(table, ev.Payload)
	if err != nil {
		return false, fmt.Errorf("realtime: decode %s/%s: %w", table, ev.ID, err)
	}

	if err := m.store.Put(ctx, table, rec); err != nil {
		return false, fmt.Errorf("realtime: put %s/%s: %w", table, ev.ID, err)
	}

	return true, nil
}

// teardownChannels drops every channel to Unsubscribed and clears
// pending join refs after a connection loss.
func (m *Manager) teardownChannels() {
	m.chanMu.Lock()
	defer m.chanMu.Unlock()

	for table := range m.channels {
		m.channels[table] = ChannelUnsubscribed
	}

	clear(m.joinRefs)
}
