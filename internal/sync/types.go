package sync

import (
	"context"
	"encoding/json"

	"github.com/mkarppi/fieldsync/internal/conflict"
	"github.com/mkarppi/fieldsync/internal/mirror"
)

// --- Consumer-defined interfaces ---
// These decouple the engine from the concrete mirror store and backend
// client, following the "accept interfaces, return structs" convention.

// Store is the slice of the mirror store the engine needs.
// Satisfied by *mirror.Store.
type Store interface {
	Get(ctx context.Context, table mirror.Table, id string) (*mirror.Record, error)
	Put(ctx context.Context, table mirror.Table, r *mirror.Record) error
	Delete(ctx context.Context, table mirror.Table, id string) error
	ListDirty(ctx context.Context, table mirror.Table) ([]*mirror.Record, error)
	MarkClean(ctx context.Context, table mirror.Table, id string) error
	MarkDirty(ctx context.Context, table mirror.Table, id string, updatedAt int64) error
	GetCursor(ctx context.Context, table mirror.Table) (int64, error)
	SaveCursor(ctx context.Context, table mirror.Table, pulledAt int64) error
	PendingCount(ctx context.Context) (int, error)
}

// Remote is the narrow backend surface the engine depends on: range
// query by updated_at, upsert-by-id, delete-by-id. Satisfied by
// *backend.Client.
type Remote interface {
	FetchSince(ctx context.Context, table string, since int64, offset, limit int, ownerID string) ([]json.RawMessage, error)
	Upsert(ctx context.Context, table string, rows []json.RawMessage) error
	DeleteByID(ctx context.Context, table, id string) error
}

// ConflictSink receives conflicts detected during pull. Satisfied by
// *conflict.Store.
type ConflictSink interface {
	Add(r conflict.Record)
}

// EchoTracker is notified immediately before every remote write so the
// realtime manager can suppress the resulting self-echo events.
// Satisfied by *realtime.EchoTracker.
type EchoTracker interface {
	TrackLocalOperation(table string)
}

// Sync type labels recorded in the state manager.
const (
	SyncTypePush = "push"
	SyncTypePull = "pull"
	SyncTypeFull = "full"
)

// Order controls which half of a full sync runs first.
type Order string

// Full sync orderings. Pull-first is the default: it shrinks the
// window in which an un-gated push could overwrite newer remote edits.
const (
	OrderPullFirst Order = "pull-first"
	OrderPushFirst Order = "push-first"
)

// Report summarizes one sync cycle.
type Report struct {
	Type     string
	Duration int64 // milliseconds

	Pushed    int
	Deleted   int
	Pulled    int
	Skipped   int
	Conflicts int
	Failed    int

	Errors []error
}
