package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// Store is the embedded SQLite mirror store. One table per mirrored
// entity, WAL mode, all statements prepared up front. Every mutation is
// a single statement, so per-record read-modify-write is atomic with
// respect to concurrent writers (app layer vs. sync vs. realtime).
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	// Per-table prepared statements, keyed by mirrored table.
	tables map[Table]*tableStatements

	cursorStmts cursorStatements
	metaStmts   metaStatements
}

type tableStatements struct {
	get, upsert, deleteByID, listDirty            *sql.Stmt
	markClean, markDirty, markDeleted, countDirty *sql.Stmt
	purgeDeleted                                  *sql.Stmt
}

type cursorStatements struct {
	get, save *sql.Stmt
}

type metaStatements struct {
	get, set *sql.Stmt
}

// Open creates a Store at dbPath, applying migrations and preparing all
// statements. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening mirror database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("mirror: open sqlite: %w", err)
	}

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: logger,
		tables: make(map[Table]*tableStatements, len(Tables)),
	}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("mirror: prepare statements: %w", err)
	}

	logger.Info("mirror database ready", "path", dbPath)

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("mirror: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// --- SQL templates ---
// Table names cannot be bound as parameters; they come exclusively from
// the Tables constant set, interpolated via fmt.Sprintf.

const (
	sqlRecordColumns = `id, payload, updated_at, created_at, dirty, deleted, force_upload`

	sqlGetTmpl = `SELECT ` + sqlRecordColumns + ` FROM %s WHERE id = ?`

	sqlUpsertTmpl = `INSERT INTO %s (` + sqlRecordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload      = excluded.payload,
			updated_at   = excluded.updated_at,
			dirty        = excluded.dirty,
			deleted      = excluded.deleted,
			force_upload = excluded.force_upload`

	sqlDeleteTmpl = `DELETE FROM %s WHERE id = ?`

	sqlListDirtyTmpl = `SELECT ` + sqlRecordColumns + ` FROM %s
		WHERE dirty = 1 OR force_upload = 1
		ORDER BY updated_at ASC`

	sqlMarkCleanTmpl = `UPDATE %s SET dirty = 0, force_upload = 0 WHERE id = ?`

	sqlMarkDirtyTmpl = `UPDATE %s SET dirty = 1, updated_at = ? WHERE id = ?`

	// A tombstone is always dirty until the remote delete is confirmed.
	sqlMarkDeletedTmpl = `UPDATE %s SET deleted = 1, dirty = 1, updated_at = ? WHERE id = ?`

	sqlCountDirtyTmpl = `SELECT COUNT(*) FROM %s WHERE dirty = 1`

	sqlPurgeDeletedTmpl = `DELETE FROM %s WHERE deleted = 1 AND updated_at < ?`
)

// Cursor queries. The MAX() guard keeps cursors monotonic even if a
// caller hands in a stale value.
const (
	sqlGetCursor = `SELECT pulled_at FROM sync_cursors WHERE table_name = ?`

	sqlSaveCursor = `INSERT INTO sync_cursors (table_name, pulled_at)
		VALUES (?, ?)
		ON CONFLICT(table_name) DO UPDATE
		SET pulled_at = MAX(pulled_at, excluded.pulled_at)`
)

// Meta queries.
const (
	sqlGetMeta = `SELECT value FROM meta WHERE key = ?`

	sqlSetMeta = `INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
)

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

func (s *Store) prepareAllStatements(ctx context.Context) error {
	for _, t := range Tables {
		ts := &tableStatements{}

		defs := []stmtDef{
			{&ts.get, fmt.Sprintf(sqlGetTmpl, t), string(t) + ".get"},
			{&ts.upsert, fmt.Sprintf(sqlUpsertTmpl, t), string(t) + ".upsert"},
			{&ts.deleteByID, fmt.Sprintf(sqlDeleteTmpl, t), string(t) + ".delete"},
			{&ts.listDirty, fmt.Sprintf(sqlListDirtyTmpl, t), string(t) + ".listDirty"},
			{&ts.markClean, fmt.Sprintf(sqlMarkCleanTmpl, t), string(t) + ".markClean"},
			{&ts.markDirty, fmt.Sprintf(sqlMarkDirtyTmpl, t), string(t) + ".markDirty"},
			{&ts.markDeleted, fmt.Sprintf(sqlMarkDeletedTmpl, t), string(t) + ".markDeleted"},
			{&ts.countDirty, fmt.Sprintf(sqlCountDirtyTmpl, t), string(t) + ".countDirty"},
			{&ts.purgeDeleted, fmt.Sprintf(sqlPurgeDeletedTmpl, t), string(t) + ".purgeDeleted"},
		}

		if err := prepareAll(ctx, s.db, defs); err != nil {
			return err
		}

		s.tables[t] = ts
	}

	return prepareAll(ctx, s.db, []stmtDef{
		{&s.cursorStmts.get, sqlGetCursor, "getCursor"},
		{&s.cursorStmts.save, sqlSaveCursor, "saveCursor"},
		{&s.metaStmts.get, sqlGetMeta, "getMeta"},
		{&s.metaStmts.set, sqlSetMeta, "setMeta"},
	})
}

func (s *Store) stmts(table Table) (*tableStatements, error) {
	ts, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("mirror: unknown table %q", table)
	}

	return ts, nil
}

// --- Record scanning ---

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	r := &Record{}

	var payload string

	var dirty, deleted, forceUpload int

	err := row.Scan(&r.ID, &payload, &r.UpdatedAt, &r.CreatedAt,
		&dirty, &deleted, &forceUpload)
	if err != nil {
		return nil, err
	}

	r.Payload = []byte(payload)
	r.Dirty = dirty == 1
	r.Deleted = deleted == 1
	r.ForceUpload = forceUpload == 1

	return r, nil
}

func scanRecordRows(rows *sql.Rows) ([]*Record, error) {
	var records []*Record

	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}

	return records, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

// --- Record CRUD ---

// Get retrieves a single record by id. Returns (nil, nil) if no record
// exists — callers use the nil record to distinguish "new" from "known".
func (s *Store) Get(ctx context.Context, table Table, id string) (*Record, error) {
	ts, err := s.stmts(table)
	if err != nil {
		return nil, err
	}

	r, err := scanRecord(ts.get.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil record means "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("mirror: get %s/%s: %w", table, id, err)
	}

	return r, nil
}

// Put inserts or updates a record. created_at is preserved on update.
func (s *Store) Put(ctx context.Context, table Table, r *Record) error {
	ts, err := s.stmts(table)
	if err != nil {
		return err
	}

	s.logger.Debug("upserting record",
		"table", string(table), "id", r.ID, "dirty", r.Dirty)

	_, err = ts.upsert.ExecContext(ctx,
		r.ID, string(r.Payload), r.UpdatedAt, r.CreatedAt,
		boolToInt(r.Dirty), boolToInt(r.Deleted), boolToInt(r.ForceUpload))
	if err != nil {
		return fmt.Errorf("mirror: put %s/%s: %w", table, r.ID, err)
	}

	return nil
}

// Delete physically removes a record. Used after a confirmed remote
// delete and by the realtime DELETE apply path — tombstones are never
// left behind once the remote side is known to agree.
func (s *Store) Delete(ctx context.Context, table Table, id string) error {
	ts, err := s.stmts(table)
	if err != nil {
		return err
	}

	s.logger.Debug("deleting record", "table", string(table), "id", id)

	if _, err := ts.deleteByID.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("mirror: delete %s/%s: %w", table, id, err)
	}

	return nil
}

// ListDirty returns all records with unpushed changes (dirty or
// force-upload), oldest first.
func (s *Store) ListDirty(ctx context.Context, table Table) ([]*Record, error) {
	ts, err := s.stmts(table)
	if err != nil {
		return nil, err
	}

	rows, err := ts.listDirty.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("mirror: list dirty %s: %w", table, err)
	}
	defer rows.Close()

	return scanRecordRows(rows)
}

// MarkClean clears the dirty and force-upload flags after a confirmed
// push. The payload and timestamps are left untouched, so an app write
// landing between push and MarkClean re-dirties the row and is picked
// up by the next cycle.
func (s *Store) MarkClean(ctx context.Context, table Table, id string) error {
	ts, err := s.stmts(table)
	if err != nil {
		return err
	}

	if _, err := ts.markClean.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("mirror: mark clean %s/%s: %w", table, id, err)
	}

	return nil
}

// MarkDirty flags a record as having unpushed changes and stamps its
// updated_at.
func (s *Store) MarkDirty(ctx context.Context, table Table, id string, updatedAt int64) error {
	ts, err := s.stmts(table)
	if err != nil {
		return err
	}

	if _, err := ts.markDirty.ExecContext(ctx, updatedAt, id); err != nil {
		return fmt.Errorf("mirror: mark dirty %s/%s: %w", table, id, err)
	}

	return nil
}

// MarkDeleted turns a record into a tombstone: deleted and dirty are
// set together so the next push issues the remote delete.
func (s *Store) MarkDeleted(ctx context.Context, table Table, id string, updatedAt int64) error {
	ts, err := s.stmts(table)
	if err != nil {
		return err
	}

	s.logger.Debug("marking record deleted", "table", string(table), "id", id)

	if _, err := ts.markDeleted.ExecContext(ctx, updatedAt, id); err != nil {
		return fmt.Errorf("mirror: mark deleted %s/%s: %w", table, id, err)
	}

	return nil
}

// PendingCount returns the number of dirty records across all tables.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	total := 0

	for _, t := range Tables {
		var n int

		if err := s.tables[t].countDirty.QueryRowContext(ctx).Scan(&n); err != nil {
			return 0, fmt.Errorf("mirror: count dirty %s: %w", t, err)
		}

		total += n
	}

	return total, nil
}

// PurgeDeletedBefore removes tombstones older than cutoff. This is a
// repair sweep for tombstones whose remote delete can never confirm
// (e.g. the row was already gone remotely); the normal path removes
// tombstones immediately after a confirmed push.
func (s *Store) PurgeDeletedBefore(ctx context.Context, table Table, cutoff int64) (int64, error) {
	ts, err := s.stmts(table)
	if err != nil {
		return 0, err
	}

	result, err := ts.purgeDeleted.ExecContext(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mirror: purge deleted %s: %w", table, err)
	}

	affected, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		s.logger.Warn("could not read rows affected", "error", rowsErr)
	}

	return affected, nil
}

// --- Cursor methods ---

// GetCursor returns the last successfully pulled remote updated_at for
// a table, or 0 if the table has never been pulled.
func (s *Store) GetCursor(ctx context.Context, table Table) (int64, error) {
	var pulledAt int64

	err := s.cursorStmts.get.QueryRowContext(ctx, string(table)).Scan(&pulledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("mirror: get cursor %s: %w", table, err)
	}

	return pulledAt, nil
}

// SaveCursor advances the pull cursor for a table. The cursor never
// moves backwards: a stale value is silently ignored by the MAX guard.
func (s *Store) SaveCursor(ctx context.Context, table Table, pulledAt int64) error {
	s.logger.Debug("saving cursor", "table", string(table), "pulled_at", pulledAt)

	if _, err := s.cursorStmts.save.ExecContext(ctx, string(table), pulledAt); err != nil {
		return fmt.Errorf("mirror: save cursor %s: %w", table, err)
	}

	return nil
}

// --- Meta methods ---

// GetMeta retrieves a metadata value by key. Returns empty string if
// the key doesn't exist.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string

	err := s.metaStmts.get.QueryRowContext(ctx, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("mirror: get meta %q: %w", key, err)
	}

	return value, nil
}

// SetMeta persists a metadata key-value pair.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	if _, err := s.metaStmts.set.ExecContext(ctx, key, value); err != nil {
		return fmt.Errorf("mirror: set meta %q: %w", key, err)
	}

	return nil
}

// --- Maintenance ---

// Checkpoint forces a WAL checkpoint to consolidate the WAL file into
// the main database.
func (s *Store) Checkpoint() error {
	s.logger.Debug("running WAL checkpoint")

	if _, err := s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("mirror: wal checkpoint: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing mirror database")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("mirror: close database: %w", err)
	}

	return nil
}

func (s *Store) closeStatements() error {
	var stmts []*sql.Stmt

	for _, ts := range s.tables {
		stmts = append(stmts,
			ts.get, ts.upsert, ts.deleteByID, ts.listDirty,
			ts.markClean, ts.markDirty, ts.markDeleted,
			ts.countDirty, ts.purgeDeleted)
	}

	stmts = append(stmts,
		s.cursorStmts.get, s.cursorStmts.save,
		s.metaStmts.get, s.metaStmts.set)

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}
