// Package conflict implements the conflict store: an observable
// container that accumulates concurrent-edit conflicts detected by pull
// and realtime apply, persists them across restarts, and exposes a
// current-plus-pending presentation queue for user resolution.
package conflict

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Version is one side of a conflict: the record id, its full payload,
// and the timestamp that lost or won the comparison.
type Version struct {
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updatedAt"`
}

// Record is a detected edit conflict between a dirty local record and a
// newer remote row for the same id.
type Record struct {
	ID         string  `json:"id"` // conflict instance id, assigned on Add
	RecordType string  `json:"recordType"`
	Local      Version `json:"localVersion"`
	Remote     Version `json:"remoteVersion"`
	DetectedAt int64   `json:"detectedAt"`
}

// SameRecord reports whether two conflicts refer to the same underlying
// record. Equality is (recordType, local id): a later conflict for the
// same record supersedes an earlier undisplayed one.
func (r Record) SameRecord(other Record) bool {
	return r.RecordType == other.RecordType && r.Local.ID == other.Local.ID
}

// newID returns a fresh conflict instance id.
func newID() string {
	return uuid.NewString()
}
