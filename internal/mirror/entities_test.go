package mirror

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToRemote_RenamesColumns(t *testing.T) {
	payload, err := json.Marshal(Project{
		ID: "p1", Name: "Warehouse retrofit", Owner: "Maija",
		OwnerID: "u1", Status: "active",
	})
	require.NoError(t, err)

	rec := &Record{ID: "p1", Payload: payload, UpdatedAt: 1000, CreatedAt: 500}

	row, err := ToRemote(TableProjects, rec)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(row, &got))

	assert.Equal(t, "Maija", got["owner_name"])
	assert.Equal(t, "u1", got["owner_id"])
	assert.NotContains(t, got, "owner")
	assert.NotContains(t, got, "ownerId")
	assert.EqualValues(t, 1000, got["updated_at"])
	assert.EqualValues(t, 500, got["created_at"])
}

func TestToRemote_NormalizesNamesToNFC(t *testing.T) {
	// "e" + combining acute accent; NFC composes it to a single rune.
	decomposed := "Andén"
	composed := "Andén"

	payload, err := json.Marshal(Contact{ID: "c1", Name: decomposed})
	require.NoError(t, err)

	row, err := ToRemote(TableContacts, &Record{ID: "c1", Payload: payload})
	require.NoError(t, err)

	var got contactRemote
	require.NoError(t, json.Unmarshal(row, &got))
	assert.Equal(t, composed, got.Name)
}

func TestToRemote_UnknownTable(t *testing.T) {
	_, err := ToRemote(Table("customers"), &Record{ID: "x", Payload: []byte(`{}`)})
	require.Error(t, err)
}

func TestFromRemote_BuildsCleanRecord(t *testing.T) {
	row := json.RawMessage(`{
		"id": "b1", "project_id": "p1", "title": "Electrical",
		"amount_cents": 250000, "spent_cents": 120000, "currency": "EUR",
		"updated_at": 4000, "created_at": 3000
	}`)

	rec, err := FromRemote(TableBudgets, row)
	require.NoError(t, err)

	assert.Equal(t, "b1", rec.ID)
	assert.Equal(t, int64(4000), rec.UpdatedAt)
	assert.Equal(t, int64(3000), rec.CreatedAt)
	assert.False(t, rec.Dirty)
	assert.False(t, rec.Deleted)

	var b Budget
	require.NoError(t, rec.DecodePayload(&b))
	assert.Equal(t, int64(250000), b.AmountCent)
	assert.Equal(t, "p1", b.ProjectID)
}

func TestFromRemote_MissingIDIsError(t *testing.T) {
	_, err := FromRemote(TableProjects, json.RawMessage(`{"name":"no id"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")
}

func TestFromRemote_MalformedRow(t *testing.T) {
	_, err := FromRemote(TableProjects, json.RawMessage(`{"updated_at": "not a number"`))
	require.Error(t, err)
}

func TestRoundtrip_LocalRemoteLocal(t *testing.T) {
	payload, err := json.Marshal(FileRecord{
		ID: "f1", ProjectID: "p1", Name: "site-photo.jpg",
		Bucket: "gallery", Path: "p1/site-photo.jpg",
		Size: 123456, MimeType: "image/jpeg",
	})
	require.NoError(t, err)

	orig := &Record{ID: "f1", Payload: payload, UpdatedAt: 9000, CreatedAt: 8000}

	row, err := ToRemote(TableFiles, orig)
	require.NoError(t, err)

	back, err := FromRemote(TableFiles, row)
	require.NoError(t, err)

	assert.Equal(t, orig.ID, back.ID)
	assert.Equal(t, orig.UpdatedAt, back.UpdatedAt)

	var f FileRecord
	require.NoError(t, back.DecodePayload(&f))
	assert.Equal(t, "p1/site-photo.jpg", f.Path)
	assert.Equal(t, "image/jpeg", f.MimeType)
}

func TestRemoteUpdatedAt(t *testing.T) {
	assert.Equal(t, int64(42), RemoteUpdatedAt(json.RawMessage(`{"updated_at": 42}`)))
	assert.Zero(t, RemoteUpdatedAt(json.RawMessage(`{"id": "x"}`)))
	assert.Zero(t, RemoteUpdatedAt(json.RawMessage(`not json`)))
}

func TestValidTable(t *testing.T) {
	for _, table := range Tables {
		assert.True(t, ValidTable(table), table)
	}

	assert.False(t, ValidTable(Table("users")))
	assert.False(t, ValidTable(Table("")))
}
