package ports

import (
	"context"
	"encoding/json"

	"fleetdesk/internal/core/domain"
)

// CommandHandle tracks one issued command until it completes.
type CommandHandle interface {
	Command() domain.Command
	Done() <-chan struct{}
	// Result is valid after Done is closed.
	Result() (domain.CommandStatus, error)
}

type CommandService interface {
	Issue(ctx context.Context, agentID domain.AgentID, kind domain.CommandKind, payload json.RawMessage) (CommandHandle, error)
	Get(ctx context.Context, id domain.CommandID) (*domain.Command, error)
}

type SettingsService interface {
	Update(ctx context.Context, agentID domain.AgentID, settings domain.AgentSettings) (*domain.Agent, error)
}

type ArtifactService interface {
	List(ctx context.Context, agentID domain.AgentID, kind domain.ArtifactKind) ([]*domain.Artifact, error)
	ResolveURL(artifact *domain.Artifact) (string, error)
}

type SessionService interface {
	Start(ctx context.Context, agentID domain.AgentID, mode domain.SessionMode) (domain.SessionStatus, error)
	Status(agentID domain.AgentID) (domain.SessionStatus, error)
	Stop(agentID domain.AgentID) error
	SendControl(agentID domain.AgentID, event domain.ControlEvent) error
}

// PhaseObserver is notified on every session phase change.
type PhaseObserver func(agentID domain.AgentID, phase domain.SessionPhase, status string)
