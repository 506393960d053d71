package services

import (
	"time"

	"fleetdesk/internal/core/domain"
)

// ViewEvent is one input to the agent detail reducer.
type ViewEvent interface {
	viewEvent()
}

type AgentFetched struct{ Agent *domain.Agent }

// LivenessTick forces online status to be recomputed against the clock.
type LivenessTick struct{}

type CommandIssued struct {
	Kind      domain.CommandKind
	CommandID domain.CommandID
}

type CommandIssueFailed struct {
	Kind domain.CommandKind
	Err  error
}

type CommandCompleted struct {
	Kind      domain.CommandKind
	CommandID domain.CommandID
	Status    domain.CommandStatus
	Err       error
}

type ArtifactsLoaded struct {
	Kind  domain.ArtifactKind
	Items []*domain.Artifact
}

type ArtifactInserted struct{ Artifact *domain.Artifact }

type SessionChanged struct {
	Phase  domain.SessionPhase
	Status string
}

func (AgentFetched) viewEvent()       {}
func (LivenessTick) viewEvent()       {}
func (CommandIssued) viewEvent()      {}
func (CommandIssueFailed) viewEvent() {}
func (CommandCompleted) viewEvent()   {}
func (ArtifactsLoaded) viewEvent()    {}
func (ArtifactInserted) viewEvent()   {}
func (SessionChanged) viewEvent()     {}

// AgentViewState is everything the detail view renders for one agent.
type AgentViewState struct {
	Agent         *domain.Agent              `json:"agent"`
	Online        bool                       `json:"online"`
	Pending       map[domain.CommandKind]int `json:"pending"`
	LastError     string                     `json:"last_error,omitempty"`
	LastCommand   *CommandResult             `json:"last_command,omitempty"`
	Screenshots   []*domain.Artifact         `json:"screenshots"`
	Videos        []*domain.Artifact         `json:"videos"`
	SessionPhase  domain.SessionPhase        `json:"session_phase"`
	SessionStatus string                     `json:"session_status,omitempty"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

type CommandResult struct {
	CommandID domain.CommandID     `json:"command_id"`
	Kind      domain.CommandKind   `json:"command_type"`
	Status    domain.CommandStatus `json:"status"`
	Error     string               `json:"error,omitempty"`
}

// Busy reports whether a command of kind is outstanding.
func (s AgentViewState) Busy(kind domain.CommandKind) bool {
	return s.Pending[kind] > 0
}

// AgentView reduces view events into state. Reduce never mutates its input.
type AgentView struct {
	liveness *LivenessTracker
	now      func() time.Time
}

func NewAgentView(liveness *LivenessTracker) *AgentView {
	return &AgentView{liveness: liveness, now: time.Now}
}

func InitialViewState() AgentViewState {
	return AgentViewState{
		Pending:      map[domain.CommandKind]int{},
		SessionPhase: domain.PhaseIdle,
	}
}

func (v *AgentView) Reduce(s AgentViewState, ev ViewEvent) AgentViewState {
	next := s
	next.Pending = make(map[domain.CommandKind]int, len(s.Pending))
	for k, n := range s.Pending {
		next.Pending[k] = n
	}
	next.UpdatedAt = v.now()

	switch e := ev.(type) {
	case AgentFetched:
		next.Agent = e.Agent
		next.Online = v.liveness.AgentOnline(e.Agent)
	case LivenessTick:
		next.Online = v.liveness.AgentOnline(next.Agent)
	case CommandIssued:
		next.Pending[e.Kind]++
		next.LastError = ""
	case CommandIssueFailed:
		v.release(next.Pending, e.Kind)
		if e.Err != nil {
			next.LastError = e.Err.Error()
		}
	case CommandCompleted:
		v.release(next.Pending, e.Kind)
		res := &CommandResult{CommandID: e.CommandID, Kind: e.Kind, Status: e.Status}
		if e.Err != nil {
			res.Error = e.Err.Error()
			next.LastError = res.Error
		}
		next.LastCommand = res
	case ArtifactsLoaded:
		items := append([]*domain.Artifact(nil), e.Items...)
		if e.Kind == domain.ArtifactVideo {
			next.Videos = capArtifacts(items, DefaultVideoLimit)
		} else {
			next.Screenshots = capArtifacts(items, DefaultScreenshotLimit)
		}
	case ArtifactInserted:
		if e.Artifact == nil {
			break
		}
		if e.Artifact.Kind == domain.ArtifactVideo {
			next.Videos = prependArtifact(s.Videos, e.Artifact, DefaultVideoLimit)
		} else {
			next.Screenshots = prependArtifact(s.Screenshots, e.Artifact, DefaultScreenshotLimit)
		}
	case SessionChanged:
		next.SessionPhase = e.Phase
		next.SessionStatus = e.Status
	}
	return next
}

func (v *AgentView) release(pending map[domain.CommandKind]int, kind domain.CommandKind) {
	if pending[kind] > 1 {
		pending[kind]--
	} else {
		delete(pending, kind)
	}
}

func prependArtifact(list []*domain.Artifact, a *domain.Artifact, limit int) []*domain.Artifact {
	for _, existing := range list {
		if existing.ID == a.ID {
			return list
		}
	}
	out := make([]*domain.Artifact, 0, len(list)+1)
	out = append(out, a)
	out = append(out, list...)
	return capArtifacts(out, limit)
}

func capArtifacts(list []*domain.Artifact, limit int) []*domain.Artifact {
	if len(list) > limit {
		return list[:limit]
	}
	return list
}
