package services

import (
	"testing"
	"time"

	"fleetdesk/internal/core/domain"
	"fleetdesk/pkg/utils"

	"github.com/stretchr/testify/assert"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestLivenessTracker_Online(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewLivenessTracker(60*time.Second, 5*time.Second).WithClock(fixedClock(now))

	tests := []struct {
		name     string
		lastSeen string
		want     bool
	}{
		{"seen 30s ago", utils.FormatTimestamp(now.Add(-30 * time.Second)), true},
		{"seen just now", utils.FormatTimestamp(now), true},
		{"seen 59.999s ago", utils.FormatTimestamp(now.Add(-59999 * time.Millisecond)), true},
		{"exactly at threshold", utils.FormatTimestamp(now.Add(-60 * time.Second)), false},
		{"seen 2m ago", utils.FormatTimestamp(now.Add(-2 * time.Minute)), false},
		{"postgres format", "2024-05-01 11:59:40.5+00", true},
		{"empty", "", false},
		{"unparsable", "now()", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tracker.Online(tt.lastSeen))
		})
	}
}

func TestLivenessTracker_Defaults(t *testing.T) {
	tracker := NewLivenessTracker(0, 0)
	assert.Equal(t, DefaultOnlineThreshold, tracker.Threshold())
	assert.Equal(t, DefaultPollInterval, tracker.Interval())
	assert.False(t, tracker.AgentOnline(nil))
}

func TestLivenessTracker_CustomThreshold(t *testing.T) {
	now := time.Now()
	tracker := NewLivenessTracker(10*time.Second, time.Second).WithClock(fixedClock(now))
	agent := &domain.Agent{ID: "a1", LastSeen: utils.FormatTimestamp(now.Add(-15 * time.Second))}
	assert.False(t, tracker.AgentOnline(agent))
}
