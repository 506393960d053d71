package domain

// SessionPhase is the negotiator state.
type SessionPhase string

const (
	PhaseIdle          SessionPhase = "idle"
	PhaseOffering      SessionPhase = "offering"
	PhaseNegotiating   SessionPhase = "negotiating"
	PhaseAwaitingOffer SessionPhase = "awaiting_offer"
	PhaseAnswering     SessionPhase = "answering"
	PhaseStreaming     SessionPhase = "streaming"
	PhaseError         SessionPhase = "error"
	PhaseClosed        SessionPhase = "closed"
)

// Terminal reports whether the phase admits no further transitions.
func (p SessionPhase) Terminal() bool {
	return p == PhaseClosed || p == PhaseError
}

// SessionMode selects who creates the offer.
type SessionMode string

const (
	// ModeOffer: operator offers two recvonly video lines (remote control).
	ModeOffer SessionMode = "offer"
	// ModeAnswer: operator requests video and answers the agent's offer.
	ModeAnswer SessionMode = "answer"
)

func ParseSessionMode(s string) (SessionMode, bool) {
	switch SessionMode(s) {
	case ModeOffer, "":
		return ModeOffer, true
	case ModeAnswer:
		return ModeAnswer, true
	default:
		return "", false
	}
}

// TrackRole is the logical sink a media track is bound to.
type TrackRole int

const (
	RolePrimary   TrackRole = iota // screen
	RoleSecondary                  // camera
)

func (r TrackRole) String() string {
	switch r {
	case RolePrimary:
		return "screen"
	case RoleSecondary:
		return "camera"
	default:
		return "unknown"
	}
}

// SessionStatus is a snapshot for display.
type SessionStatus struct {
	AgentID   AgentID      `json:"agent_id"`
	Mode      SessionMode  `json:"mode"`
	Phase     SessionPhase `json:"phase"`
	Status    string       `json:"status"`
	Tracks    []TrackInfo  `json:"tracks,omitempty"`
	LastError string       `json:"last_error,omitempty"`
}

// TrackInfo describes one bound inbound track.
type TrackInfo struct {
	Role      string `json:"role"`
	TrackID   string `json:"track_id"`
	StreamID  string `json:"stream_id"`
	Packets   uint64 `json:"packets"`
	Bytes     uint64 `json:"bytes"`
	Keyframes uint64 `json:"keyframes"`
}
