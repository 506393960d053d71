package relay

import "encoding/json"

// Frame types on the relay hub websocket.
const (
	FrameJoin       = "join"
	FrameLeave      = "leave"
	FrameBroadcast  = "broadcast"
	FrameSubscribed = "subscribed"
	FrameError      = "error"
)

// Frame is the relay hub wire message. Clients send join, leave and
// broadcast; the hub answers join with subscribed, forwards broadcasts
// to every other subscriber of the topic and rejects bad frames with an
// error naming the rejected frame's type.
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Sender  string          `json:"sender,omitempty"`
	Error   string          `json:"error,omitempty"`
	// Cause is the type of the frame an error answers.
	Cause string `json:"cause,omitempty"`
}
