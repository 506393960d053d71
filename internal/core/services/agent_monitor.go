package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"

	"go.uber.org/zap"
)

// AgentMonitor owns one detail view: it feeds store notifications, liveness
// ticks, command completions and session phases through the reducer on a
// single goroutine.
type AgentMonitor struct {
	agentID   domain.AgentID
	store     ports.Store
	commands  ports.CommandService
	artifacts ports.ArtifactService
	view      *AgentView
	interval  time.Duration
	logger    *zap.SugaredLogger

	events chan ViewEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	state AgentViewState
	subs  []ports.Subscription

	// issueMu serializes the busy check with the insert that sets the flag.
	issueMu sync.Mutex
}

type MonitorDeps struct {
	Store     ports.Store
	Commands  ports.CommandService
	Artifacts ports.ArtifactService
	Liveness  *LivenessTracker
	Logger    *zap.SugaredLogger
}

// NewAgentMonitor fetches the agent, loads its artifact feeds and starts
// watching. The returned monitor runs until Close.
func NewAgentMonitor(ctx context.Context, agentID domain.AgentID, deps MonitorDeps) (*AgentMonitor, error) {
	agent, err := deps.Store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	mctx, cancel := context.WithCancel(context.Background())
	m := &AgentMonitor{
		agentID:   agentID,
		store:     deps.Store,
		commands:  deps.Commands,
		artifacts: deps.Artifacts,
		view:      NewAgentView(deps.Liveness),
		interval:  deps.Liveness.Interval(),
		logger:    deps.Logger.With("agent_id", agentID),
		events:    make(chan ViewEvent, 64),
		ctx:       mctx,
		cancel:    cancel,
		state:     InitialViewState(),
	}
	m.state = m.view.Reduce(m.state, AgentFetched{Agent: agent})

	for _, kind := range []domain.ArtifactKind{domain.ArtifactScreenshot, domain.ArtifactVideo} {
		items, err := deps.Artifacts.List(ctx, agentID, kind)
		if err != nil {
			m.logger.Warnw("Failed to load artifacts", "kind", kind, "error", err)
			continue
		}
		m.state = m.view.Reduce(m.state, ArtifactsLoaded{Kind: kind, Items: items})
	}

	if err := m.subscribe(ctx); err != nil {
		m.Close()
		return nil, err
	}

	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func (m *AgentMonitor) subscribe(ctx context.Context) error {
	agentSub, err := m.store.Subscribe(ctx, domain.ChangeFilter{
		Table: domain.TableAgents, Op: domain.OpUpdate, Column: "id", Value: string(m.agentID),
	})
	if err != nil {
		return fmt.Errorf("subscribe agent: %w", err)
	}
	m.track(agentSub)
	m.forward(agentSub, func(ev domain.ChangeEvent) ViewEvent {
		var a domain.Agent
		if err := json.Unmarshal(ev.New, &a); err != nil {
			return nil
		}
		return AgentFetched{Agent: &a}
	})

	for _, kind := range []domain.ArtifactKind{domain.ArtifactScreenshot, domain.ArtifactVideo} {
		kind := kind
		sub, err := m.store.Subscribe(ctx, domain.ChangeFilter{
			Table: domain.ArtifactTable(kind), Op: domain.OpInsert, Column: "employee_id", Value: string(m.agentID),
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", kind, err)
		}
		m.track(sub)
		m.forward(sub, func(ev domain.ChangeEvent) ViewEvent {
			var a domain.Artifact
			if err := json.Unmarshal(ev.New, &a); err != nil {
				return nil
			}
			a.Kind = kind
			if u, err := m.artifacts.ResolveURL(&a); err == nil {
				a.PublicURL = u
			}
			return ArtifactInserted{Artifact: &a}
		})
	}
	return nil
}

func (m *AgentMonitor) track(sub ports.Subscription) {
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
}

func (m *AgentMonitor) forward(sub ports.Subscription, convert func(domain.ChangeEvent) ViewEvent) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if ve := convert(ev); ve != nil {
					m.Dispatch(ve)
				}
			}
		}
	}()
}

func (m *AgentMonitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.apply(LivenessTick{})
		case ev := <-m.events:
			m.apply(ev)
		}
	}
}

func (m *AgentMonitor) apply(ev ViewEvent) {
	m.mu.Lock()
	m.state = m.view.Reduce(m.state, ev)
	m.mu.Unlock()
}

// Dispatch queues an event for the reducer. Events after Close are dropped.
func (m *AgentMonitor) Dispatch(ev ViewEvent) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

// Snapshot returns the current state.
func (m *AgentMonitor) Snapshot() AgentViewState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Issue sends a command and tracks its busy flag until completion. It fails
// with ErrCommandBusy while a command of the same kind is outstanding; the
// flag is set before Issue returns.
func (m *AgentMonitor) Issue(ctx context.Context, kind domain.CommandKind, payload json.RawMessage) (ports.CommandHandle, error) {
	m.issueMu.Lock()
	defer m.issueMu.Unlock()

	if m.Snapshot().Busy(kind) {
		return nil, fmt.Errorf("%w: %s", domain.ErrCommandBusy, kind)
	}
	h, err := m.commands.Issue(ctx, m.agentID, kind, payload)
	if err != nil {
		m.apply(CommandIssueFailed{Kind: kind, Err: err})
		return nil, err
	}
	m.apply(CommandIssued{Kind: kind, CommandID: h.Command().ID})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.ctx.Done():
		case <-h.Done():
			status, err := h.Result()
			m.Dispatch(CommandCompleted{Kind: kind, CommandID: h.Command().ID, Status: status, Err: err})
		}
	}()
	return h, nil
}

func (m *AgentMonitor) Close() {
	m.cancel()
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	m.wg.Wait()
}

// MonitorRegistry keeps one monitor per open detail view. Closing a view
// also stops the agent's session.
type MonitorRegistry struct {
	deps     MonitorDeps
	sessions ports.SessionService
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	monitors map[domain.AgentID]*AgentMonitor
}

func NewMonitorRegistry(deps MonitorDeps, sessions ports.SessionService) *MonitorRegistry {
	return &MonitorRegistry{
		deps:     deps,
		sessions: sessions,
		logger:   deps.Logger,
		monitors: make(map[domain.AgentID]*AgentMonitor),
	}
}

// SetSessions wires the session service after construction.
func (r *MonitorRegistry) SetSessions(sessions ports.SessionService) {
	r.mu.Lock()
	r.sessions = sessions
	r.mu.Unlock()
}

func (r *MonitorRegistry) Open(ctx context.Context, agentID domain.AgentID) (*AgentMonitor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.monitors[agentID]; ok {
		return m, nil
	}
	m, err := NewAgentMonitor(ctx, agentID, r.deps)
	if err != nil {
		return nil, err
	}
	r.monitors[agentID] = m
	r.logger.Infow("Agent view opened", "agent_id", agentID)
	return m, nil
}

func (r *MonitorRegistry) Get(agentID domain.AgentID) (*AgentMonitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[agentID]
	return m, ok
}

// NotifySession is a ports.PhaseObserver.
func (r *MonitorRegistry) NotifySession(agentID domain.AgentID, phase domain.SessionPhase, status string) {
	if m, ok := r.Get(agentID); ok {
		m.Dispatch(SessionChanged{Phase: phase, Status: status})
	}
}

// Close tears down the view and any session it owned.
func (r *MonitorRegistry) Close(agentID domain.AgentID) bool {
	r.mu.Lock()
	m, ok := r.monitors[agentID]
	delete(r.monitors, agentID)
	sessions := r.sessions
	r.mu.Unlock()

	if sessions != nil {
		if err := sessions.Stop(agentID); err != nil {
			r.logger.Debugw("Session stop on view close", "agent_id", agentID, "error", err)
		}
	}
	if !ok {
		return false
	}
	m.Close()
	r.logger.Infow("Agent view closed", "agent_id", agentID)
	return true
}

func (r *MonitorRegistry) CloseAll() {
	r.mu.Lock()
	ids := make([]domain.AgentID, 0, len(r.monitors))
	for id := range r.monitors {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Close(id)
	}
}
