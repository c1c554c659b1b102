package realtime

import "encoding/json"

// Server-sent events.
const (
	EventMessage        = "message"
	EventMention        = "mention"
	EventActivity       = "activity"
	EventSessionEvicted = "session:evicted"
	EventSessionEnded   = "session:ended"
	EventJoined         = "joined"
	EventError          = "error"
)

// Client-sent events.
const (
	InboundJoin    = "join"
	InboundMessage = "message"
	InboundMention = "mention"
)

// Envelope is every frame written to a client.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Inbound is a frame read from a client. Data is decoded by the handler
// for the given event.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type ErrorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

type EvictedPayload struct {
	Reason string `json:"reason"`
}

type JoinedPayload struct {
	Room  string   `json:"room"`
	Rooms []string `json:"rooms"`
}

// UserRoom is the point-to-point room every connection of a user joins.
func UserRoom(userID string) string {
	return "user-" + userID
}
