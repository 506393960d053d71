package services

import (
	"context"
	"errors"
	"fmt"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"

	"go.uber.org/zap"
)

type settingsService struct {
	agents ports.AgentRepository
	logger *zap.SugaredLogger
}

func NewSettingsService(agents ports.AgentRepository, logger *zap.SugaredLogger) ports.SettingsService {
	return &settingsService{agents: agents, logger: logger}
}

// Update stores new agent settings and returns once the store confirmed the
// write; the agent only observes durable settings.
func (s *settingsService) Update(ctx context.Context, agentID domain.AgentID, settings domain.AgentSettings) (*domain.Agent, error) {
	if err := validateSettings(settings); err != nil {
		return nil, err
	}

	agent, err := s.agents.UpdateSettings(ctx, agentID, settings)
	if err != nil {
		if errors.Is(err, domain.ErrAgentNotFound) {
			return nil, err
		}
		return nil, &domain.StoreWriteError{Table: domain.TableAgents, Err: err}
	}

	s.logger.Infow("Agent settings updated",
		"agent_id", agentID,
		"screenshot_interval", settings.ScreenshotInterval,
		"video_duration", settings.VideoDuration,
		"screenshots_enabled", settings.ScreenshotsEnabled,
	)
	return agent, nil
}

func validateSettings(s domain.AgentSettings) error {
	if s.ScreenshotInterval <= 0 {
		return fmt.Errorf("screenshot_interval must be > 0")
	}
	if s.VideoDuration <= 0 {
		return fmt.Errorf("video_duration must be > 0")
	}
	return nil
}
