package services

import (
	"time"

	"fleetdesk/internal/core/domain"
	"fleetdesk/pkg/utils"
)

const (
	DefaultOnlineThreshold = 60 * time.Second
	DefaultPollInterval    = 5 * time.Second
)

// LivenessTracker derives online status from an agent's last heartbeat.
// It holds no state besides its configuration.
type LivenessTracker struct {
	threshold time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewLivenessTracker(threshold, interval time.Duration) *LivenessTracker {
	if threshold <= 0 {
		threshold = DefaultOnlineThreshold
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &LivenessTracker{
		threshold: threshold,
		interval:  interval,
		now:       time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (t *LivenessTracker) WithClock(now func() time.Time) *LivenessTracker {
	t.now = now
	return t
}

// Interval is how often a watched agent must be re-evaluated.
func (t *LivenessTracker) Interval() time.Duration { return t.interval }

func (t *LivenessTracker) Threshold() time.Duration { return t.threshold }

// Online reports now - lastSeen < threshold. Missing or unparsable
// timestamps are offline.
func (t *LivenessTracker) Online(lastSeen string) bool {
	seen, err := utils.ParseTimestamp(lastSeen)
	if err != nil {
		return false
	}
	return t.now().Sub(seen) < t.threshold
}

func (t *LivenessTracker) AgentOnline(agent *domain.Agent) bool {
	if agent == nil {
		return false
	}
	return t.Online(agent.LastSeen)
}
