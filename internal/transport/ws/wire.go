package ws

import "encoding/json"

// Frame is the envelope for every message on the relay WebSocket.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frame types exchanged with the relay.
const (
	// FrameJoin opens a session scope on the connection.
	FrameJoin = "join"
	// FrameJoined acknowledges a join.
	FrameJoined = "joined"
	// FrameDurableChange carries a complete updated session row.
	FrameDurableChange = "durable_change"
	// FrameBroadcast carries an ephemeral named event.
	FrameBroadcast = "broadcast"
	// FrameError reports a terminal protocol or authorization failure.
	FrameError = "error"
)

// JoinPayload scopes the connection to one session.
type JoinPayload struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id,omitempty"`
	Grant         string `json:"grant,omitempty"`
}

// JoinedPayload acknowledges a join.
type JoinedPayload struct {
	SessionID  string `json:"session_id"`
	ServerTime string `json:"server_time"`
}

// DurableChangePayload wraps the complete updated session row.
type DurableChangePayload struct {
	SessionID string          `json:"session_id"`
	Row       json.RawMessage `json:"row"`
}

// BroadcastPayload wraps a named ephemeral event.
type BroadcastPayload struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorPayload reports a terminal failure before the connection drops.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
