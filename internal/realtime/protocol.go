package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Channel protocol constants. The backend's change feed speaks a
// phoenix-style framed protocol over one websocket: one topic per
// table channel plus a control topic for heartbeats.
const (
	topicPrefix    = "realtime:public:"
	controlTopic   = "phoenix"
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventError     = "phx_error"
	eventClose     = "phx_close"
)

// frame is the wire envelope for every channel message.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// joinConfig is the phx_join payload requesting row-level change
// notifications for one table, optionally filtered to the owning user.
type joinConfig struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// changeEnvelope wraps the change notification payload.
type changeEnvelope struct {
	Data changeData `json:"data"`
}

// changeData is the row-level change notification: event type, new and
// old row images, and the commit timestamp in milliseconds.
type changeData struct {
	Type            string          `json:"type"`
	Record          json.RawMessage `json:"record"`
	OldRecord       json.RawMessage `json:"old_record"`
	CommitTimestamp int64           `json:"commit_timestamp"`
}

// tableTopic returns the channel topic for a table.
func tableTopic(table string) string {
	return topicPrefix + table
}

// topicTable extracts the table from a channel topic.
func topicTable(topic string) (string, bool) {
	t, ok := strings.CutPrefix(topic, topicPrefix)
	return t, ok
}

// encodeJoin builds the phx_join frame for a table.
func encodeJoin(table, ownerID, ref string) ([]byte, error) {
	var cfg joinConfig

	filter := ""
	if ownerID != "" {
		filter = "owner_id=eq." + ownerID
	}

	cfg.Config.PostgresChanges = []changeFilter{{
		Event:  "*",
		Schema: "public",
		Table:  table,
		Filter: filter,
	}}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("realtime: encode join config: %w", err)
	}

	return json.Marshal(frame{
		Topic:   tableTopic(table),
		Event:   eventJoin,
		Payload: payload,
		Ref:     ref,
	})
}

// encodeHeartbeat builds the keepalive frame.
func encodeHeartbeat(ref string) ([]byte, error) {
	return json.Marshal(frame{
		Topic:   controlTopic,
		Event:   eventHeartbeat,
		Payload: json.RawMessage(`{}`),
		Ref:     ref,
	})
}

// recordID extracts the primary key from a row image.
func recordID(row json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}

	if err := json.Unmarshal(row, &probe); err != nil {
		return ""
	}

	return probe.ID
}
