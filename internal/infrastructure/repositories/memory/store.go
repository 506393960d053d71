package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
	"fleetdesk/pkg/utils"
)

var ErrStoreClosed = errors.New("store closed")

// Store is an in-process reactive store. Every committed write is
// published to matching subscriptions after the lock is released.
type Store struct {
	mu        sync.RWMutex
	agents    map[domain.AgentID]*domain.Agent
	commands  map[domain.CommandID]*domain.Command
	signals   []*domain.SignalRow
	artifacts map[domain.ArtifactKind][]*domain.Artifact
	closed    bool

	hub *changeHub
	now func() time.Time
}

var _ ports.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		agents:    make(map[domain.AgentID]*domain.Agent),
		commands:  make(map[domain.CommandID]*domain.Command),
		artifacts: make(map[domain.ArtifactKind][]*domain.Artifact),
		hub:       newChangeHub(),
		now:       time.Now,
	}
}

func (s *Store) Subscribe(ctx context.Context, filter domain.ChangeFilter) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrStoreClosed
	}
	return s.hub.subscribe(filter), nil
}

func (s *Store) emit(table domain.Table, op domain.ChangeOp, row any) {
	data, err := json.Marshal(row)
	if err != nil {
		return
	}
	s.hub.publish(domain.ChangeEvent{Table: table, Op: op, New: data})
}

func (s *Store) writable() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Agents

func (s *Store) AddAgent(ctx context.Context, agent *domain.Agent) error {
	s.mu.Lock()
	if err := s.writable(); err != nil {
		s.mu.Unlock()
		return err
	}
	if agent.ID == "" {
		agent.ID = domain.AgentID(utils.NewID())
	}
	if _, exists := s.agents[agent.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("agent already exists: %s", agent.ID)
	}
	if agent.CreatedAt == "" {
		agent.CreatedAt = utils.FormatTimestamp(s.now())
	}
	row := *agent
	s.agents[agent.ID] = &row
	s.mu.Unlock()

	s.emit(domain.TableAgents, domain.OpInsert, row)
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id domain.AgentID) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	out := *a
	return &out, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateSettings(ctx context.Context, id domain.AgentID, settings domain.AgentSettings) (*domain.Agent, error) {
	return s.updateAgent(id, func(a *domain.Agent) { a.Settings = settings })
}

func (s *Store) Touch(ctx context.Context, id domain.AgentID, lastSeen string) error {
	_, err := s.updateAgent(id, func(a *domain.Agent) { a.LastSeen = lastSeen })
	return err
}

func (s *Store) updateAgent(id domain.AgentID, mutate func(*domain.Agent)) (*domain.Agent, error) {
	s.mu.Lock()
	if err := s.writable(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	a, ok := s.agents[id]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrAgentNotFound
	}
	mutate(a)
	row := *a
	s.mu.Unlock()

	s.emit(domain.TableAgents, domain.OpUpdate, row)
	return &row, nil
}

// Commands

func (s *Store) InsertCommand(ctx context.Context, cmd *domain.Command) error {
	if _, err := domain.ParseCommandKind(string(cmd.Kind)); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.writable(); err != nil {
		s.mu.Unlock()
		return err
	}
	if cmd.ID == "" {
		cmd.ID = domain.CommandID(utils.NewID())
	}
	if _, exists := s.commands[cmd.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("command already exists: %s", cmd.ID)
	}
	if cmd.Status == "" {
		cmd.Status = domain.CommandPending
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = s.now().UTC()
	}
	row := *cmd
	s.commands[cmd.ID] = &row
	s.mu.Unlock()

	s.emit(domain.TableCommands, domain.OpInsert, row)
	return nil
}

func (s *Store) GetCommand(ctx context.Context, id domain.CommandID) (*domain.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[id]
	if !ok {
		return nil, domain.ErrCommandNotFound
	}
	out := *c
	return &out, nil
}

// UpdateCommandStatus moves a command forward from PENDING. Status never
// moves backward.
func (s *Store) UpdateCommandStatus(ctx context.Context, id domain.CommandID, status domain.CommandStatus) (*domain.Command, error) {
	s.mu.Lock()
	if err := s.writable(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	c, ok := s.commands[id]
	if !ok {
		s.mu.Unlock()
		return nil, domain.ErrCommandNotFound
	}
	if !c.Status.CanTransition(status) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, c.Status, status)
	}
	c.Status = status
	row := *c
	s.mu.Unlock()

	s.emit(domain.TableCommands, domain.OpUpdate, row)
	return &row, nil
}

func (s *Store) ListPendingCommands(ctx context.Context, agentID domain.AgentID) ([]*domain.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Command
	for _, c := range s.commands {
		if c.AgentID == agentID && c.Status == domain.CommandPending {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Signals

func (s *Store) InsertSignal(ctx context.Context, row *domain.SignalRow) error {
	s.mu.Lock()
	if err := s.writable(); err != nil {
		s.mu.Unlock()
		return err
	}
	if row.ID == "" {
		row.ID = utils.NewID()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now().UTC()
	}
	cp := *row
	s.signals = append(s.signals, &cp)
	s.mu.Unlock()

	s.emit(domain.TableSignaling, domain.OpInsert, cp)
	return nil
}

// Artifacts

func (s *Store) InsertArtifact(ctx context.Context, a *domain.Artifact) error {
	if !a.Kind.Valid() {
		return fmt.Errorf("unknown artifact kind %q", a.Kind)
	}
	s.mu.Lock()
	if err := s.writable(); err != nil {
		s.mu.Unlock()
		return err
	}
	if a.ID == "" {
		a.ID = utils.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	cp := *a
	s.artifacts[a.Kind] = append(s.artifacts[a.Kind], &cp)
	s.mu.Unlock()

	s.emit(domain.ArtifactTable(a.Kind), domain.OpInsert, cp)
	return nil
}

func (s *Store) ListByAgent(ctx context.Context, agentID domain.AgentID, kind domain.ArtifactKind, limit int) ([]*domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Artifact
	for _, a := range s.artifacts[kind] {
		if a.AgentID == agentID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writable()
}

// Close rejects further writes and ends every subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.hub.closeAll()
	return nil
}
