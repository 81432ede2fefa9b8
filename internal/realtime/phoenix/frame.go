package phoenix

import (
	"encoding/json"
	"time"
)

const (
	eventJoin        = "phx_join"
	eventLeave       = "phx_leave"
	eventReply       = "phx_reply"
	eventError       = "phx_error"
	eventClose       = "phx_close"
	eventHeartbeat   = "heartbeat"
	eventAccessToken = "access_token"
	eventBroadcast   = "broadcast"
	eventChanges     = "postgres_changes"
	eventSystem      = "system"

	topicPhoenix = "phoenix"
	topicPrefix  = "realtime:"
)

// frame is one protocol message in the v1.0.0 JSON object encoding.
type frame struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	Broadcast       broadcastConfig  `json:"broadcast"`
	Presence        presenceConfig   `json:"presence"`
	PostgresChanges []postgresChange `json:"postgres_changes"`
}

type broadcastConfig struct {
	Self bool `json:"self"`
	Ack  bool `json:"ack"`
}

type presenceConfig struct {
	Key string `json:"key"`
}

type postgresChange struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type broadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type changesPayload struct {
	IDs  []int64     `json:"ids"`
	Data changesData `json:"data"`
}

type changesData struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	Type            string         `json:"type"`
	CommitTimestamp time.Time      `json:"commit_timestamp"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
}

type systemPayload struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type tokenPayload struct {
	AccessToken string `json:"access_token"`
}

func mustRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
