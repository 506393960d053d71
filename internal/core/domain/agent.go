package domain

type AgentID string

// AgentSettings is the operator-mutable configuration blob read by the agent.
type AgentSettings struct {
	ScreenshotInterval int  `json:"screenshot_interval"` // seconds
	VideoDuration      int  `json:"video_duration"`      // seconds
	ScreenshotsEnabled bool `json:"screenshots_enabled"`
}

// DefaultAgentSettings are written by an agent on first registration.
func DefaultAgentSettings() AgentSettings {
	return AgentSettings{
		ScreenshotInterval: 300,
		VideoDuration:      10,
		ScreenshotsEnabled: false,
	}
}

// Agent is a registered remote endpoint. LastSeen is the raw timestamp
// written by the agent heartbeat; it may be empty or malformed.
type Agent struct {
	ID        AgentID       `json:"id"`
	Hostname  string        `json:"hostname"`
	IPAddress string        `json:"ip_address,omitempty"`
	LastSeen  string        `json:"last_seen,omitempty"`
	Settings  AgentSettings `json:"settings"`
	CreatedAt string        `json:"created_at,omitempty"`
}
