package webrtc

import (
	"context"
	"fmt"
	"sync"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"

	"go.uber.org/zap"
)

// ManagerDeps wires the session manager.
type ManagerDeps struct {
	Config    Config
	NewPeer   PeerFactory
	Signaling ports.SignalingFactory
	// Relay carries control events; nil disables the control channel.
	Relay        ports.Relay
	ControlQueue int
	Sink         Sink
	Observer     ports.PhaseObserver
	Metrics      ports.Metrics
	Logger       *zap.SugaredLogger
}

// SessionManager holds at most one live session per agent.
type SessionManager struct {
	deps ManagerDeps

	mu       sync.RWMutex
	sessions map[domain.AgentID]*Session
	closed   bool

	logger *zap.SugaredLogger
}

var _ ports.SessionService = (*SessionManager)(nil)

func NewSessionManager(deps ManagerDeps) *SessionManager {
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	return &SessionManager{
		deps:     deps,
		sessions: make(map[domain.AgentID]*Session),
		logger:   deps.Logger,
	}
}

// SetObserver replaces the phase observer for sessions started afterwards.
func (m *SessionManager) SetObserver(observer ports.PhaseObserver) {
	m.mu.Lock()
	m.deps.Observer = observer
	m.mu.Unlock()
}

// Start opens a session. A live session for the agent yields
// ErrSessionActive; an ended one is replaced.
func (m *SessionManager) Start(ctx context.Context, agentID domain.AgentID, mode domain.SessionMode) (domain.SessionStatus, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.SessionStatus{}, domain.ErrSessionClosed
	}
	if existing, ok := m.sessions[agentID]; ok && !existing.Phase().Terminal() {
		m.mu.Unlock()
		return existing.Status(), domain.ErrSessionActive
	}
	sess := NewSession(agentID, mode, m.deps.Config, SessionDeps{
		NewPeer:     m.deps.NewPeer,
		Signaling:   m.deps.Signaling(agentID, domain.PartyOperator),
		OpenControl: m.controlOpener(),
		Sink:        m.deps.Sink,
		Observer:    m.deps.Observer,
		Metrics:     m.deps.Metrics,
		Logger:      m.logger,
	})
	m.sessions[agentID] = sess
	m.mu.Unlock()

	m.logger.Infow("starting session", "agent_id", agentID, "session_mode", mode)
	err := sess.Start(ctx)
	return sess.Status(), err
}

func (m *SessionManager) controlOpener() ControlOpener {
	if m.deps.Relay == nil {
		return nil
	}
	return func(ctx context.Context, agentID domain.AgentID) (ports.ControlChannel, error) {
		return OpenControlChannel(ctx, m.deps.Relay, agentID, m.deps.ControlQueue, m.deps.Metrics, m.logger)
	}
}

func (m *SessionManager) get(agentID domain.AgentID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, agentID)
	}
	return sess, nil
}

// Status reports the agent's current or most recent session.
func (m *SessionManager) Status(agentID domain.AgentID) (domain.SessionStatus, error) {
	sess, err := m.get(agentID)
	if err != nil {
		return domain.SessionStatus{}, err
	}
	return sess.Status(), nil
}

// Stop ends the agent's session. Stopping an ended session is a no-op.
func (m *SessionManager) Stop(agentID domain.AgentID) error {
	sess, err := m.get(agentID)
	if err != nil {
		m.logger.Debugw("stop without session", "agent_id", agentID)
		return nil
	}
	sess.Stop()
	return nil
}

// SendControl validates the event and hands it to the session, which
// drops it unless streaming.
func (m *SessionManager) SendControl(agentID domain.AgentID, event domain.ControlEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	sess, err := m.get(agentID)
	if err != nil {
		return err
	}
	sess.SendControl(event)
	return nil
}

// Close stops every session and rejects new ones.
func (m *SessionManager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.Stop()
	}
}
