package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type SignalKind string

const (
	SignalOffer  SignalKind = "OFFER"
	SignalAnswer SignalKind = "ANSWER"

	// SignalStartVideo asks the agent to send an OFFER. It travels on the
	// signaling transport but is not a negotiation message.
	SignalStartVideo SignalKind = "START_VIDEO"
)

// Party is one side of a signaling exchange.
type Party string

const (
	PartyOperator Party = "operator"
	PartyAgent    Party = "agent"
)

// SessionDescription mirrors the browser RTCSessionDescription shape.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// Signal is one offer/answer negotiation message scoped to an agent session.
type Signal struct {
	Kind        SignalKind         `json:"type"`
	Description SessionDescription `json:"payload"`

	// Scope is not part of the wire body; transports derive it from the
	// topic name or the row's agent column.
	Scope AgentID `json:"-"`
}

// MarshalSignal encodes the wire body {type, payload{sdp,type}}.
func MarshalSignal(s Signal) ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalSignal decodes and validates a wire body.
func UnmarshalSignal(data []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrInvalidSignal, err)
	}
	if s.Kind != SignalOffer && s.Kind != SignalAnswer {
		return Signal{}, fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, s.Kind)
	}
	return s, nil
}

// SignalRow is the store-backed signaling representation.
type SignalRow struct {
	ID          string          `json:"id"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id"`
	Type        SignalKind      `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// SignalingTopic is the relay topic for an agent's session signaling.
func SignalingTopic(agentID AgentID) string {
	return "signaling-" + string(agentID)
}

// ControlTopic is the relay topic for an agent's input-control events.
func ControlTopic(agentID AgentID) string {
	return "control-" + string(agentID)
}
