package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkarppi/fieldsync/internal/conflict"
	"github.com/mkarppi/fieldsync/internal/mirror"
)

// ErrSyncInProgress is returned when a full sync is requested while
// another one is still running. Syncs are single-flight: the caller
// should wait and retry rather than interleave.
var ErrSyncInProgress = errors.New("sync: a sync is already in progress")

// defaultPageSize bounds pull pages so a long offline gap cannot
// produce an unbounded payload.
const defaultPageSize = 500

// EngineConfig holds the dependencies and options for NewEngine.
type EngineConfig struct {
	Store     Store
	Remote    Remote
	Conflicts ConflictSink
	State     *StateManager
	Echo      EchoTracker // optional; nil disables echo tracking
	Logger    *slog.Logger

	Tables   []mirror.Table // defaults to mirror.Tables
	PageSize int            // defaults to defaultPageSize
	Order    Order          // defaults to OrderPullFirst
	OwnerID  string         // remote row ownership filter; empty disables
}

// Engine orchestrates push, pull, and full sync cycles against the
// mirror store and the remote backend.
type Engine struct {
	store     Store
	remote    Remote
	conflicts ConflictSink
	state     *StateManager
	echo      EchoTracker
	logger    *slog.Logger

	tables   []mirror.Table
	pageSize int
	order    Order
	ownerID  string

	// syncMu + syncing implement the single-flight gate for FullSync.
	syncMu  stdsync.Mutex
	syncing bool

	nowMs func() int64
}

// NewEngine creates an Engine from the given configuration.
func NewEngine(cfg *EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tables := cfg.Tables
	if len(tables) == 0 {
		tables = mirror.Tables
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	order := cfg.Order
	if order == "" {
		order = OrderPullFirst
	}

	return &Engine{
		store:     cfg.Store,
		remote:    cfg.Remote,
		conflicts: cfg.Conflicts,
		state:     cfg.State,
		echo:      cfg.Echo,
		logger:    logger,
		tables:    tables,
		pageSize:  pageSize,
		order:     order,
		ownerID:   cfg.OwnerID,
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}
}

// trackLocal notifies the echo tracker just before a remote write.
func (e *Engine) trackLocal(table mirror.Table) {
	if e.echo != nil {
		e.echo.TrackLocalOperation(string(table))
	}
}

// --- Push ---

// Push uploads all dirty records of one table. Tombstones become
// remote deletes followed by physical local removal; everything else
// is upserted as-is and marked clean on success.
//
// Push is deliberately not timestamp-gated: the local record always
// overwrites the remote row, because a dirty record represents a
// deliberate user edit. Divergence in the other direction is caught by
// pull and realtime apply, which are LWW-gated.
//
// Per-record failures are recorded and skipped so one bad record
// cannot halt the batch; the affected records stay dirty for retry.
func (e *Engine) Push(ctx context.Context, table mirror.Table) (*Report, error) {
	report := &Report{Type: SyncTypePush}

	dirty, err := e.store.ListDirty(ctx, table)
	if err != nil {
		return report, fmt.Errorf("sync: push %s: %w", table, err)
	}

	e.logger.Debug("pushing table",
		"table", string(table), "dirty", len(dirty))

	for _, rec := range dirty {
		if ctx.Err() != nil {
			return report, fmt.Errorf("sync: push %s canceled: %w", table, ctx.Err())
		}

		if rec.Deleted {
			e.pushDelete(ctx, table, rec, report)
		} else {
			e.pushUpsert(ctx, table, rec, report)
		}
	}

	return report, nil
}

// pushDelete confirms a tombstone remotely, then physically removes the
// local row. On failure the record keeps dirty+deleted for retry.
func (e *Engine) pushDelete(ctx context.Context, table mirror.Table, rec *mirror.Record, report *Report) {
	e.trackLocal(table)

	if err := e.remote.DeleteByID(ctx, string(table), rec.ID); err != nil {
		e.logger.Warn("remote delete failed, tombstone kept",
			"table", string(table), "id", rec.ID, "error", err)
		report.Failed++
		report.Errors = append(report.Errors, err)

		return
	}

	if err := e.store.Delete(ctx, table, rec.ID); err != nil {
		// The remote delete is confirmed; the local row will be purged
		// on a later cycle when the delete retries as a no-op.
		e.logger.Error("local delete failed after confirmed remote delete",
			"table", string(table), "id", rec.ID, "error", err)
		report.Failed++
		report.Errors = append(report.Errors, err)

		return
	}

	report.Deleted++
}

// pushUpsert writes one dirty record remotely and clears its flags.
// Dirty is cleared only on confirmed success — a failure leaves the
// record untouched so no partial transition is visible.
func (e *Engine) pushUpsert(ctx context.Context, table mirror.Table, rec *mirror.Record, report *Report) {
	row, err := mirror.ToRemote(table, rec)
	if err != nil {
		e.logger.Error("record not pushable, skipping",
			"table", string(table), "id", rec.ID, "error", err)
		report.Failed++
		report.Errors = append(report.Errors, err)

		return
	}

	e.trackLocal(table)

	if err := e.remote.Upsert(ctx, string(table), []json.RawMessage{row}); err != nil {
		e.logger.Warn("remote upsert failed, record stays dirty",
			"table", string(table), "id", rec.ID, "error", err)
		report.Failed++
		report.Errors = append(report.Errors, err)

		return
	}

	if err := e.store.MarkClean(ctx, table, rec.ID); err != nil {
		report.Failed++
		report.Errors = append(report.Errors, err)

		return
	}

	report.Pushed++
}

// PushAll pushes every table. Tables run concurrently and
// independently: one table's failure does not block the others.
func (e *Engine) PushAll(ctx context.Context) (*Report, error) {
	report := &Report{Type: SyncTypePush}

	var mu stdsync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	for _, table := range e.tables {
		g.Go(func() error {
			r, err := e.Push(gctx, table)

			mu.Lock()
			report.merge(r)

			if err != nil {
				report.Errors = append(report.Errors, err)
				e.state.RecordError("push "+string(table), err)
			}
			mu.Unlock()

			// Table errors are recorded, not propagated: push keeps
			// going for the remaining tables.
			return nil
		})
	}

	_ = g.Wait()

	return report, nil
}

// --- Pull ---

// Pull fetches remote rows with updated_at >= cursor in bounded,
// ascending pages and merges them into the mirror:
//
//   - no local row, or local row clean → upsert, clear flags
//   - local dirty and remote strictly newer → conflict, local kept
//   - local dirty and local >= remote → skip, push will handle it
//
// The cursor advances to the max updated_at seen only after a page
// applies without a store error, so a failed page is re-fetched on the
// next pull (at-least-once delivery).
func (e *Engine) Pull(ctx context.Context, table mirror.Table) (*Report, error) {
	report := &Report{Type: SyncTypePull}

	since, err := e.store.GetCursor(ctx, table)
	if err != nil {
		return report, fmt.Errorf("sync: pull %s: %w", table, err)
	}

	e.logger.Debug("pulling table", "table", string(table), "since", since)

	offset := 0

	for {
		rows, err := e.remote.FetchSince(ctx, string(table), since, offset, e.pageSize, e.ownerID)
		if err != nil {
			return report, fmt.Errorf("sync: pull %s page at %d: %w", table, offset, err)
		}

		maxSeen, applyErr := e.applyPage(ctx, table, rows, report)

		// Advance the cursor for the applied prefix even when the page
		// failed partway; the failing row and its successors re-fetch.
		if maxSeen > 0 {
			if curErr := e.store.SaveCursor(ctx, table, maxSeen); curErr != nil {
				return report, fmt.Errorf("sync: pull %s: %w", table, curErr)
			}
		}

		if applyErr != nil {
			return report, fmt.Errorf("sync: pull %s apply: %w", table, applyErr)
		}

		if len(rows) < e.pageSize {
			return report, nil
		}

		offset += len(rows)
	}
}

// applyPage merges one page of remote rows. Returns the max updated_at
// of the rows applied without error. Malformed rows are skipped (a
// re-fetch cannot fix them); store errors abort the page.
func (e *Engine) applyPage(ctx context.Context, table mirror.Table, rows []json.RawMessage, report *Report) (int64, error) {
	var maxSeen int64

	for _, row := range rows {
		rec, err := mirror.FromRemote(table, row)
		if err != nil {
			e.logger.Error("skipping malformed remote row",
				"table", string(table), "error", err)
			report.Failed++

			continue
		}

		if err := e.applyRemoteRecord(ctx, table, rec, row, report); err != nil {
			return maxSeen, err
		}

		if rec.UpdatedAt > maxSeen {
			maxSeen = rec.UpdatedAt
		}
	}

	return maxSeen, nil
}

// applyRemoteRecord merges a single transformed remote record per the
// LWW-with-conflict-surfacing rules.
func (e *Engine) applyRemoteRecord(ctx context.Context, table mirror.Table, rec *mirror.Record, rawRow json.RawMessage, report *Report) error {
	local, err := e.store.Get(ctx, table, rec.ID)
	if err != nil {
		return err
	}

	switch {
	case local == nil || !local.Dirty:
		if err := e.store.Put(ctx, table, rec); err != nil {
			return err
		}

		report.Pulled++
	case rec.UpdatedAt > local.UpdatedAt:
		// Genuine conflict: an unpushed local edit and a strictly newer
		// remote edit. Never overwrite silently — surface it and leave
		// the local record untouched pending user resolution.
		e.conflicts.Add(conflict.Record{
			RecordType: string(table),
			Local: conflict.Version{
				ID:        local.ID,
				Data:      local.Payload,
				UpdatedAt: local.UpdatedAt,
			},
			Remote: conflict.Version{
				ID:        rec.ID,
				Data:      rawRow,
				UpdatedAt: rec.UpdatedAt,
			},
			DetectedAt: e.nowMs(),
		})

		report.Conflicts++
	default:
		// Local is dirty and at least as new: local wins, push will
		// carry it up later.
		report.Skipped++
	}

	return nil
}

// PullAll pulls every table sequentially in configured order. A
// table's failure is recorded and does not stop the remaining tables.
func (e *Engine) PullAll(ctx context.Context) (*Report, error) {
	report := &Report{Type: SyncTypePull}

	for _, table := range e.tables {
		r, err := e.Pull(ctx, table)
		report.merge(r)

		if err != nil {
			report.Errors = append(report.Errors, err)
			e.state.RecordError("pull "+string(table), err)
		}
	}

	return report, nil
}

// --- Full sync ---

// FullSync runs pull then push (or the reverse, per configuration)
// across all tables. Single-flight: a concurrent call returns
// ErrSyncInProgress instead of interleaving.
func (e *Engine) FullSync(ctx context.Context) (*Report, error) {
	e.syncMu.Lock()
	if e.syncing {
		e.syncMu.Unlock()
		return nil, ErrSyncInProgress
	}

	e.syncing = true
	e.syncMu.Unlock()

	defer func() {
		e.syncMu.Lock()
		e.syncing = false
		e.syncMu.Unlock()
	}()

	e.state.SetSyncing(true)
	defer e.state.SetSyncing(false)

	start := time.Now()
	report := &Report{Type: SyncTypeFull}

	e.logger.Info("full sync starting", "order", string(e.order))

	var first, second func(context.Context) (*Report, error)
	if e.order == OrderPushFirst {
		first, second = e.PushAll, e.PullAll
	} else {
		first, second = e.PullAll, e.PushAll
	}

	r1, err1 := first(ctx)
	report.merge(r1)

	r2, err2 := second(ctx)
	report.merge(r2)

	report.Duration = time.Since(start).Milliseconds()

	err := errors.Join(err1, err2)
	if err == nil && len(report.Errors) > 0 {
		err = report.Errors[0]
	}

	e.state.RecordSync(SyncTypeFull, time.Since(start), err)
	e.refreshPendingCount(ctx)

	e.logger.Info("full sync finished",
		"pushed", report.Pushed,
		"deleted", report.Deleted,
		"pulled", report.Pulled,
		"conflicts", report.Conflicts,
		"failed", report.Failed,
		"duration_ms", report.Duration)

	return report, nil
}

// refreshPendingCount recomputes the unpushed-record badge count.
func (e *Engine) refreshPendingCount(ctx context.Context) {
	n, err := e.store.PendingCount(ctx)
	if err != nil {
		e.logger.Warn("could not count pending records", "error", err)
		return
	}

	e.state.SetPendingCount(n)
}

// --- Conflict resolution ---

// Resolution selects which side of a conflict wins.
type Resolution string

// Resolution choices.
const (
	KeepLocal  Resolution = "local"
	KeepRemote Resolution = "remote"
)

// Resolve applies the user's chosen resolution for a conflict to the
// mirror store. Keep-local re-marks the record dirty so the next push
// carries the local version up; keep-remote overwrites the local row
// with the remote payload (full overwrite — the mirrored schemas are
// flat attribute sets, so field-level merge has nothing to stand on).
//
// The caller advances the conflict store's queue afterwards.
func (e *Engine) Resolve(ctx context.Context, c conflict.Record, choice Resolution) error {
	table := mirror.Table(c.RecordType)

	switch choice {
	case KeepLocal:
		if err := e.store.MarkDirty(ctx, table, c.Local.ID, e.nowMs()); err != nil {
			return fmt.Errorf("sync: resolve keep-local: %w", err)
		}
	case KeepRemote:
		rec, err := mirror.FromRemote(table, c.Remote.Data)
		if err != nil {
			return fmt.Errorf("sync: resolve keep-remote: %w", err)
		}

		if err := e.store.Put(ctx, table, rec); err != nil {
			return fmt.Errorf("sync: resolve keep-remote: %w", err)
		}
	default:
		return fmt.Errorf("sync: unknown resolution %q", choice)
	}

	e.logger.Info("conflict resolved",
		"table", c.RecordType, "id", c.Local.ID, "choice", string(choice))

	return nil
}

// merge folds another report's counters into r.
func (r *Report) merge(other *Report) {
	if other == nil {
		return
	}

	r.Pushed += other.Pushed
	r.Deleted += other.Deleted
	r.Pulled += other.Pulled
	r.Skipped += other.Skipped
	r.Conflicts += other.Conflicts
	r.Failed += other.Failed
	r.Errors = append(r.Errors, other.Errors...)
}
