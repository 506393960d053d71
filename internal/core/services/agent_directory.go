package services

import (
	"context"
	"sort"
	"time"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
	"fleetdesk/pkg/utils"
)

type AgentSummary struct {
	*domain.Agent
	Online bool `json:"online"`
}

// AgentDirectory lists agents with derived liveness.
type AgentDirectory struct {
	agents   ports.AgentRepository
	liveness *LivenessTracker
}

func NewAgentDirectory(agents ports.AgentRepository, liveness *LivenessTracker) *AgentDirectory {
	return &AgentDirectory{agents: agents, liveness: liveness}
}

// List returns agents most recently seen first.
func (d *AgentDirectory) List(ctx context.Context) ([]AgentSummary, error) {
	agents, err := d.agents.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AgentSummary, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentSummary{Agent: a, Online: d.liveness.AgentOnline(a)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return lastSeen(out[i].Agent).After(lastSeen(out[j].Agent))
	})
	return out, nil
}

func (d *AgentDirectory) Get(ctx context.Context, id domain.AgentID) (AgentSummary, error) {
	a, err := d.agents.GetAgent(ctx, id)
	if err != nil {
		return AgentSummary{}, err
	}
	return AgentSummary{Agent: a, Online: d.liveness.AgentOnline(a)}, nil
}

func lastSeen(a *domain.Agent) time.Time {
	t, _ := utils.ParseTimestamp(a.LastSeen)
	return t
}
