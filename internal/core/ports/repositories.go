package ports

import (
	"context"

	"fleetdesk/internal/core/domain"
)

type AgentRepository interface {
	AddAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, id domain.AgentID) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]*domain.Agent, error)
	// UpdateSettings returns once the write is durable.
	UpdateSettings(ctx context.Context, id domain.AgentID, settings domain.AgentSettings) (*domain.Agent, error)
	Touch(ctx context.Context, id domain.AgentID, lastSeen string) error
}

type CommandRepository interface {
	// InsertCommand keeps a preset ID and assigns one otherwise.
	InsertCommand(ctx context.Context, cmd *domain.Command) error
	GetCommand(ctx context.Context, id domain.CommandID) (*domain.Command, error)
	UpdateCommandStatus(ctx context.Context, id domain.CommandID, status domain.CommandStatus) (*domain.Command, error)
	ListPendingCommands(ctx context.Context, agentID domain.AgentID) ([]*domain.Command, error)
}

type SignalRepository interface {
	InsertSignal(ctx context.Context, row *domain.SignalRow) error
}

type ArtifactRepository interface {
	InsertArtifact(ctx context.Context, artifact *domain.Artifact) error
	// ListByAgent returns newest first.
	ListByAgent(ctx context.Context, agentID domain.AgentID, kind domain.ArtifactKind, limit int) ([]*domain.Artifact, error)
}

// ChangeFeed delivers row-level notifications for committed writes.
type ChangeFeed interface {
	Subscribe(ctx context.Context, filter domain.ChangeFilter) (Subscription, error)
}

type Subscription interface {
	Events() <-chan domain.ChangeEvent
	Close() error
}

// Store is the reactive data store collaborator.
type Store interface {
	AgentRepository
	CommandRepository
	SignalRepository
	ArtifactRepository
	ChangeFeed
	HealthCheck(ctx context.Context) error
	Close() error
}
