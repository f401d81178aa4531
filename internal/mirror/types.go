// Package mirror implements the local mirror store for fieldsync.
// It holds one SQLite table per mirrored entity, tracks per-record
// dirty/deleted bookkeeping, and owns the per-table pull cursors.
// The sync engine and realtime manager mutate records through this
// package but hold no independent copy of truth.
package mirror

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table identifies a mirrored entity table.
type Table string

// The fixed set of mirrored tables. These names match both the SQLite
// table names and the remote table names.
const (
	TableProjects      Table = "projects"
	TableInstallations Table = "installations"
	TableContacts      Table = "contacts"
	TableBudgets       Table = "budgets"
	TableFiles         Table = "files"
	TableItemVersions  Table = "item_versions"
)

// Tables lists all mirrored tables in the default sync order.
// Projects come first so foreign references resolve on a fresh pull.
var Tables = []Table{
	TableProjects,
	TableInstallations,
	TableContacts,
	TableBudgets,
	TableFiles,
	TableItemVersions,
}

// ValidTable reports whether t is one of the mirrored tables. Table
// names are interpolated into SQL, so every external input must pass
// through this check first.
func ValidTable(t Table) bool {
	switch t {
	case TableProjects, TableInstallations, TableContacts,
		TableBudgets, TableFiles, TableItemVersions:
		return true
	default:
		return false
	}
}

// Record is one mirrored row: the entity payload plus the universal
// bookkeeping fields. Payload holds the local (camelCase) JSON encoding
// of the typed entity for the record's table.
type Record struct {
	ID        string
	Payload   json.RawMessage
	UpdatedAt int64 // milliseconds since epoch
	CreatedAt int64 // milliseconds since epoch

	// Dirty means local state has unpushed changes.
	Dirty bool
	// Deleted marks a tombstone: the record must be deleted remotely on
	// the next push and then physically removed locally. A deleted
	// record is always also dirty until the delete is confirmed.
	Deleted bool
	// ForceUpload overrides dirty-gating on repair/migration flows.
	ForceUpload bool
}

// NowMilli returns the current time as milliseconds since epoch.
// All record timestamps use millisecond precision because that is the
// resolution the remote store keeps.
func NowMilli() int64 {
	return time.Now().UnixMilli()
}

// DecodePayload unmarshals the record payload into dst.
func (r *Record) DecodePayload(dst any) error {
	if err := json.Unmarshal(r.Payload, dst); err != nil {
		return fmt.Errorf("mirror: decode %q payload: %w", r.ID, err)
	}

	return nil
}
