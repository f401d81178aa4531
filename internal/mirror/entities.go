package mirror

import (
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Typed entity schemas, one per mirrored table. Local payloads use
// camelCase JSON; the remote store uses snake_case with a handful of
// renamed columns (e.g. remote owner_name ↔ local owner). Conversion is
// exhaustive per table — an unknown table is an error, never a
// duck-typed passthrough.

// Project is a customer project.
type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Owner     string `json:"owner"` // remote column: owner_name
	OwnerID   string `json:"ownerId"`
	Status    string `json:"status"`
	Address   string `json:"address"`
	Notes     string `json:"notes"`
	UpdatedAt int64  `json:"updatedAt"`
	CreatedAt int64  `json:"createdAt"`
}

// Installation is a scheduled on-site installation within a project.
type Installation struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	Name        string `json:"name"`
	Location    string `json:"location"`
	Status      string `json:"status"`
	ScheduledAt int64  `json:"scheduledAt"`
	UpdatedAt   int64  `json:"updatedAt"`
	CreatedAt   int64  `json:"createdAt"`
}

// Contact is an address-book entry.
type Contact struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Company   string `json:"company"`
	Role      string `json:"role"`
	UpdatedAt int64  `json:"updatedAt"`
	CreatedAt int64  `json:"createdAt"`
}

// Budget is a project budget line.
type Budget struct {
	ID         string `json:"id"`
	ProjectID  string `json:"projectId"`
	Title      string `json:"title"`
	AmountCent int64  `json:"amountCent"` // remote column: amount_cents
	SpentCent  int64  `json:"spentCent"`  // remote column: spent_cents
	Currency   string `json:"currency"`
	UpdatedAt  int64  `json:"updatedAt"`
	CreatedAt  int64  `json:"createdAt"`
}

// FileRecord is gallery file metadata. The object bytes live in remote
// object storage; only the metadata row is mirrored.
type FileRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`
	Bucket    string `json:"bucket"`
	Path      string `json:"path"` // remote column: storage_path
	Size      int64  `json:"size"`
	MimeType  string `json:"mimeType"`
	UpdatedAt int64  `json:"updatedAt"`
	CreatedAt int64  `json:"createdAt"`
}

// ItemVersion is a point-in-time snapshot of another record, kept for
// history display.
type ItemVersion struct {
	ID        string          `json:"id"`
	ItemID    string          `json:"itemId"`
	ItemTable string          `json:"itemTable"`
	Version   int64           `json:"version"`
	Snapshot  json.RawMessage `json:"snapshot"`
	Author    string          `json:"author"` // remote column: author_name
	UpdatedAt int64           `json:"updatedAt"`
	CreatedAt int64           `json:"createdAt"`
}

// --- Remote row shapes ---
// These match the remote schema column-for-column.

type projectRemote struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OwnerName string `json:"owner_name"`
	OwnerID   string `json:"owner_id"`
	Status    string `json:"status"`
	Address   string `json:"address"`
	Notes     string `json:"notes"`
	UpdatedAt int64  `json:"updated_at"`
	CreatedAt int64  `json:"created_at"`
}

type installationRemote struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Name        string `json:"name"`
	Location    string `json:"location"`
	Status      string `json:"status"`
	ScheduledAt int64  `json:"scheduled_at"`
	UpdatedAt   int64  `json:"updated_at"`
	CreatedAt   int64  `json:"created_at"`
}

type contactRemote struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Company   string `json:"company"`
	Role      string `json:"role"`
	UpdatedAt int64  `json:"updated_at"`
	CreatedAt int64  `json:"created_at"`
}

type budgetRemote struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	Title      string `json:"title"`
	AmountCent int64  `json:"amount_cents"`
	SpentCent  int64  `json:"spent_cents"`
	Currency   string `json:"currency"`
	UpdatedAt  int64  `json:"updated_at"`
	CreatedAt  int64  `json:"created_at"`
}

type fileRemote struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Bucket    string `json:"bucket"`
	Path      string `json:"storage_path"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
	UpdatedAt int64  `json:"updated_at"`
	CreatedAt int64  `json:"created_at"`
}

type itemVersionRemote struct {
	ID         string          `json:"id"`
	ItemID     string          `json:"item_id"`
	ItemTable  string          `json:"item_table"`
	Version    int64           `json:"version"`
	Snapshot   json.RawMessage `json:"snapshot"`
	AuthorName string          `json:"author_name"`
	UpdatedAt  int64           `json:"updated_at"`
	CreatedAt  int64           `json:"created_at"`
}

// nfc normalizes user-entered text to NFC at the remote boundary so
// composed and decomposed inputs compare equal server-side.
func nfc(s string) string {
	return norm.NFC.String(s)
}

// ToRemote converts a local mirror record into its remote row encoding
// for the record's table. The id and timestamps round-trip unchanged.
func ToRemote(table Table, r *Record) (json.RawMessage, error) {
	var (
		out any
		err error
	)

	switch table {
	case TableProjects:
		p := &Project{}
		if err = r.DecodePayload(p); err == nil {
			out = projectRemote{
				ID: p.ID, Name: nfc(p.Name), OwnerName: nfc(p.Owner),
				OwnerID: p.OwnerID, Status: p.Status,
				Address: p.Address, Notes: p.Notes,
				UpdatedAt: r.UpdatedAt, CreatedAt: r.CreatedAt,
			}
		}
	case TableInstallations:
		in := &Installation{}
		if err = r.DecodePayload(in); err == nil {
			out = installationRemote{
				ID: in.ID, ProjectID: in.ProjectID, Name: nfc(in.Name),
				Location: in.Location, Status: in.Status,
				ScheduledAt: in.ScheduledAt,
				UpdatedAt:   r.UpdatedAt, CreatedAt: r.CreatedAt,
			}
		}
	case TableContacts:
		c := &Contact{}
		if err = r.DecodePayload(c); err == nil {
			out = contactRemote{
				ID: c.ID, Name: nfc(c.Name), Email: c.Email,
				Phone: c.Phone, Company: nfc(c.Company), Role: c.Role,
				UpdatedAt: r.UpdatedAt, CreatedAt: r.CreatedAt,
			}
		}
	case TableBudgets:
		b := &Budget{}
		if err = r.DecodePayload(b); err == nil {
			out = budgetRemote{
				ID: b.ID, ProjectID: b.ProjectID, Title: nfc(b.Title),
				AmountCent: b.AmountCent, SpentCent: b.SpentCent,
				Currency:  b.Currency,
				UpdatedAt: r.UpdatedAt, CreatedAt: r.CreatedAt,
			}
		}
	case TableFiles:
		f := &FileRecord{}
		if err = r.DecodePayload(f); err == nil {
			out = fileRemote{
				ID: f.ID, ProjectID: f.ProjectID, Name: nfc(f.Name),
				Bucket: f.Bucket, Path: f.Path, Size: f.Size,
				MimeType:  f.MimeType,
				UpdatedAt: r.UpdatedAt, CreatedAt: r.CreatedAt,
			}
		}
	case TableItemVersions:
		v := &ItemVersion{}
		if err = r.DecodePayload(v); err == nil {
			out = itemVersionRemote{
				ID: v.ID, ItemID: v.ItemID, ItemTable: v.ItemTable,
				Version: v.Version, Snapshot: v.Snapshot,
				AuthorName: nfc(v.Author),
				UpdatedAt:  r.UpdatedAt, CreatedAt: r.CreatedAt,
			}
		}
	default:
		return nil, fmt.Errorf("mirror: to remote: unknown table %q", table)
	}

	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("mirror: encode remote %s/%s: %w", table, r.ID, err)
	}

	return data, nil
}

// FromRemote converts a remote row into a local mirror record for the
// given table. The returned record is clean (not dirty, not deleted);
// callers decide whether it may be written per the LWW rules.
func FromRemote(table Table, row json.RawMessage) (*Record, error) {
	var (
		entity    any
		id        string
		updatedAt int64
		createdAt int64
	)

	switch table {
	case TableProjects:
		rr := projectRemote{}
		if err := json.Unmarshal(row, &rr); err != nil {
			return nil, fmt.Errorf("mirror: decode remote %s row: %w", table, err)
		}

		entity = Project{
			ID: rr.ID, Name: rr.Name, Owner: rr.OwnerName,
			OwnerID: rr.OwnerID, Status: rr.Status,
			Address: rr.Address, Notes: rr.Notes,
			UpdatedAt: rr.UpdatedAt, CreatedAt: rr.CreatedAt,
		}
		id, updatedAt, createdAt = rr.ID, rr.UpdatedAt, rr.CreatedAt
	case TableInstallations:
		rr := installationRemote{}
		if err := json.Unmarshal(row, &rr); err != nil {
			return nil, fmt.Errorf("mirror: decode remote %s row: %w", table, err)
		}

		entity = Installation{
			ID: rr.ID, ProjectID: rr.ProjectID, Name: rr.Name,
			Location: rr.Location, Status: rr.Status,
			ScheduledAt: rr.ScheduledAt,
			UpdatedAt:   rr.UpdatedAt, CreatedAt: rr.CreatedAt,
		}
		id, updatedAt, createdAt = rr.ID, rr.UpdatedAt, rr.CreatedAt
	case TableContacts:
		rr := contactRemote{}
		if err := json.Unmarshal(row, &rr); err != nil {
			return nil, fmt.Errorf("mirror: decode remote %s row: %w", table, err)
		}

		entity = Contact{
			ID: rr.ID, Name: rr.Name, Email: rr.Email,
			Phone: rr.Phone, Company: rr.Company, Role: rr.Role,
			UpdatedAt: rr.UpdatedAt, CreatedAt: rr.CreatedAt,
		}
		id, updatedAt, createdAt = rr.ID, rr.UpdatedAt, rr.CreatedAt
	case TableBudgets:
		rr := budgetRemote{}
		if err := json.Unmarshal(row, &rr); err != nil {
			return nil, fmt.Errorf("mirror: decode remote %s row: %w", table, err)
		}

		entity = Budget{
			ID: rr.ID, ProjectID: rr.ProjectID, Title: rr.Title,
			AmountCent: rr.AmountCent, SpentCent: rr.SpentCent,
			Currency:  rr.Currency,
			UpdatedAt: rr.UpdatedAt, CreatedAt: rr.CreatedAt,
		}
		id, updatedAt, createdAt = rr.ID, rr.UpdatedAt, rr.CreatedAt
	case TableFiles:
		rr := fileRemote{}
		if err := json.Unmarshal(row, &rr); err != nil {
			return nil, fmt.Errorf("mirror: decode remote %s row: %w", table, err)
		}

		entity = FileRecord{
			ID: rr.ID, ProjectID: rr.ProjectID, Name: rr.Name,
			Bucket: rr.Bucket, Path: rr.Path, Size: rr.Size,
			MimeType:  rr.MimeType,
			UpdatedAt: rr.UpdatedAt, CreatedAt: rr.CreatedAt,
		}
		id, updatedAt, createdAt = rr.ID, rr.UpdatedAt, rr.CreatedAt
	case TableItemVersions:
		rr := itemVersionRemote{}
		if err := json.Unmarshal(row, &rr); err != nil {
			return nil, fmt.Errorf("mirror: decode remote %s row: %w", table, err)
		}

		entity = ItemVersion{
			ID: rr.ID, ItemID: rr.ItemID, ItemTable: rr.ItemTable,
			Version: rr.Version, Snapshot: rr.Snapshot,
			Author:    rr.AuthorName,
			UpdatedAt: rr.UpdatedAt, CreatedAt: rr.CreatedAt,
		}
		id, updatedAt, createdAt = rr.ID, rr.UpdatedAt, rr.CreatedAt
	default:
		return nil, fmt.Errorf("mirror: from remote: unknown table %q", table)
	}

	if id == "" {
		return nil, fmt.Errorf("mirror: remote %s row missing id", table)
	}

	payload, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("mirror: encode local %s/%s: %w", table, id, err)
	}

	return &Record{
		ID:        id,
		Payload:   payload,
		UpdatedAt: updatedAt,
		CreatedAt: createdAt,
	}, nil
}

// RemoteUpdatedAt extracts the updated_at column from a raw remote row
// without a full transform. Returns 0 when the field is absent — the
// realtime manager falls back to event receipt time in that case.
func RemoteUpdatedAt(row json.RawMessage) int64 {
	var probe struct {
		UpdatedAt int64 `json:"updated_at"`
	}

	if err := json.Unmarshal(row, &probe); err != nil {
		return 0
	}

	return probe.UpdatedAt
}
