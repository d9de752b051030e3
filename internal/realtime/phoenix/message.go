package phoenix

import (
	"encoding/json"

	"portfolio/internal/realtime"
)

// Protocol events used by the realtime server.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventSystem    = "system"
	eventChanges   = "postgres_changes"

	heartbeatTopic = "phoenix"
)

type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type joinConfig struct {
	Broadcast struct {
		Self bool `json:"self"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
	PostgresChanges []changeFilter `json:"postgres_changes"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type systemPayload struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Extension string `json:"extension"`
}

type changesPayload struct {
	Data realtime.RawEvent `json:"data"`
	IDs  []int64           `json:"ids"`
}

// Topic returns the channel topic used for a table's change feed.
func Topic(table string) string {
	return "realtime:" + table + "-changes"
}

func newJoin(table, schema, apiKey, ref string) message {
	var p joinPayload
	p.Config.PostgresChanges = []changeFilter{{Event: "*", Schema: schema, Table: table}}
	p.AccessToken = apiKey
	payload, _ := json.Marshal(p)
	return message{Topic: Topic(table), Event: eventJoin, Payload: payload, Ref: ref, JoinRef: ref}
}
