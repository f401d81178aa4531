package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ev(id string, typ EventType, ts int64) Event {
	return Event{
		ID:        id,
		Table:     "projects",
		Type:      typ,
		Payload:   json.RawMessage(`{"id":"` + id + `"}`),
		Timestamp: ts,
	}
}

func TestCollapseLatest_KeepsNewestPerRecord(t *testing.T) {
	in := []Event{
		ev("a", EventInsert, 10),
		ev("b", EventUpdate, 20),
		ev("a", EventUpdate, 30),
		ev("a", EventUpdate, 25),
	}

	out := collapseLatest(in)

	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ID)
	assert.Equal(t, int64(30), out[0].Timestamp)
	assert.Equal(t, "b", out[1].ID)
}

func TestCollapseLatest_PreservesFirstAppearanceOrder(t *testing.T) {
	in := []Event{
		ev("c", EventInsert, 1),
		ev("a", EventInsert, 2),
		ev("b", EventInsert, 3),
		ev("c", EventUpdate, 9),
	}

	out := collapseLatest(in)

	require.Len(t, out, 3)
	assert.Equal(t, []string{out[0].ID, out[1].ID, out[2].ID}, []string{"c", "a", "b"})
	assert.Equal(t, int64(9), out[0].Timestamp)
}

func TestCollapseLatest_EqualTimestampsLastWins(t *testing.T) {
	first := ev("a", EventUpdate, 10)
	second := ev("a", EventDelete, 10)

	out := collapseLatest([]Event{first, second})

	require.Len(t, out, 1)
	assert.Equal(t, EventDelete, out[0].Type,
		"with equal timestamps the later-received event wins")
}

func TestCollapseLatest_SmallInputsPassThrough(t *testing.T) {
	assert.Empty(t, collapseLatest(nil))

	one := []Event{ev("a", EventInsert, 1)}
	assert.Equal(t, one, collapseLatest(one))
}
