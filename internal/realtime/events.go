package realtime

import "encoding/json"

// EventType classifies a row-level change notification.
type EventType string

// Change event types as delivered by the backend channel.
const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one queued change notification. Events live only in the
// in-memory per-table queue: they are applied or discarded, never
// persisted.
type Event struct {
	ID        string // record id, extracted from the payload
	Table     string
	Type      EventType
	Payload   json.RawMessage // new row for INSERT/UPDATE, old row for DELETE
	Timestamp int64           // effective remote updated_at, ms; receipt time fallback
}

// collapseLatest reduces a drained queue to at most one event per
// record id, keeping the one with the highest timestamp. Relative
// order of surviving events follows their first appearance, so
// applying them preserves receipt order across distinct records while
// intra-batch ordering for a single record is last-timestamp-wins.
func collapseLatest(events []Event) []Event {
	if len(events) <= 1 {
		return events
	}

	index := make(map[string]int, len(events))
	out := events[:0:0]

	for _, ev := range events {
		if i, ok := index[ev.ID]; ok {
			if ev.Timestamp >= out[i].Timestamp {
				out[i] = ev
			}

			continue
		}

		index[ev.ID] = len(out)
		out = append(out, ev)
	}

	return out
}
