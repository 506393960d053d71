package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
	"fleetdesk/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "fleet:"
	agentsKey     = keyPrefix + "agents"
	changesPrefix = keyPrefix + "changes:"
	signalTTL     = 10 * time.Minute
	maxTxRetries  = 5
)

func agentKey(id domain.AgentID) string        { return keyPrefix + "agent:" + string(id) }
func commandKey(id domain.CommandID) string    { return keyPrefix + "command:" + string(id) }
func signalKey(id string) string               { return keyPrefix + "signal:" + id }
func artifactKey(id string) string             { return keyPrefix + "artifact:" + id }
func pendingKey(id domain.AgentID) string      { return keyPrefix + "agent:" + string(id) + ":pending" }
func changesChannel(table domain.Table) string { return changesPrefix + string(table) }
func artifactIndexKey(id domain.AgentID, kind domain.ArtifactKind) string {
	return keyPrefix + "agent:" + string(id) + ":" + string(kind)
}

// Store keeps rows as JSON values and announces every committed write on a
// per-table pub/sub channel. Subscribers filter on the client side.
type Store struct {
	client *redis.Client
	logger *zap.SugaredLogger
	now    func() time.Time
}

var _ ports.Store = (*Store)(nil)

func NewStore(client *redis.Client, logger *zap.SugaredLogger) *Store {
	return &Store{client: client, logger: logger, now: time.Now}
}

func (s *Store) publish(ctx context.Context, table domain.Table, op domain.ChangeOp, row any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal %s row: %w", table, err)
	}
	ev, err := json.Marshal(domain.ChangeEvent{Table: table, Op: op, New: data})
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, changesChannel(table), ev).Err(); err != nil {
		// The write is committed; only the notification is lost.
		s.logger.Warnw("failed to publish change", "table", table, "op", op, "error", err)
	}
	return nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON[T any](ctx context.Context, c getter, key string, notFound error) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &v, nil
}

// Agents

func (s *Store) AddAgent(ctx context.Context, agent *domain.Agent) error {
	if agent.ID == "" {
		agent.ID = domain.AgentID(utils.NewID())
	}
	if agent.CreatedAt == "" {
		agent.CreatedAt = utils.FormatTimestamp(s.now())
	}
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to marshal agent: %w", err)
	}
	ok, err := s.client.SetNX(ctx, agentKey(agent.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set agent in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("agent already exists: %s", agent.ID)
	}
	if err := s.client.SAdd(ctx, agentsKey, string(agent.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index agent: %w", err)
	}
	return s.publish(ctx, domain.TableAgents, domain.OpInsert, agent)
}

func (s *Store) GetAgent(ctx context.Context, id domain.AgentID) (*domain.Agent, error) {
	return getJSON[domain.Agent](ctx, s.client, agentKey(id), domain.ErrAgentNotFound)
}

func (s *Store) ListAgents(ctx context.Context) ([]*domain.Agent, error) {
	ids, err := s.client.SMembers(ctx, agentsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = agentKey(domain.AgentID(id))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	agents := make([]*domain.Agent, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var a domain.Agent
		if err := json.Unmarshal([]byte(str), &a); err != nil {
			s.logger.Warnw("skipping malformed agent row", "error", err)
			continue
		}
		agents = append(agents, &a)
	}
	return agents, nil
}

func (s *Store) UpdateSettings(ctx context.Context, id domain.AgentID, settings domain.AgentSettings) (*domain.Agent, error) {
	return s.updateAgent(ctx, id, func(a *domain.Agent) { a.Settings = settings })
}

func (s *Store) Touch(ctx context.Context, id domain.AgentID, lastSeen string) error {
	_, err := s.updateAgent(ctx, id, func(a *domain.Agent) { a.LastSeen = lastSeen })
	return err
}

func (s *Store) updateAgent(ctx context.Context, id domain.AgentID, mutate func(*domain.Agent)) (*domain.Agent, error) {
	var updated *domain.Agent
	key := agentKey(id)
	err := s.withWatch(ctx, key, func(tx *redis.Tx) error {
		agent, err := getJSON[domain.Agent](ctx, tx, key, domain.ErrAgentNotFound)
		if err != nil {
			return err
		}
		mutate(agent)
		data, err := json.Marshal(agent)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		updated = agent
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, s.publish(ctx, domain.TableAgents, domain.OpUpdate, updated)
}

// withWatch runs fn in an optimistic transaction, retrying on conflicts.
func (s *Store) withWatch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("transaction on %s: too many conflicts", key)
}

// Commands

func (s *Store) InsertCommand(ctx context.Context, cmd *domain.Command) error {
	if _, err := domain.ParseCommandKind(string(cmd.Kind)); err != nil {
		return err
	}
	if cmd.ID == "" {
		cmd.ID = domain.CommandID(utils.NewID())
	}
	if cmd.Status == "" {
		cmd.Status = domain.CommandPending
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	ok, err := s.client.SetNX(ctx, commandKey(cmd.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set command in Redis: %w", err)
	}
	if !ok {
		return fmt.Errorf("command already exists: %s", cmd.ID)
	}
	if cmd.Status == domain.CommandPending {
		z := redis.Z{Score: float64(cmd.CreatedAt.UnixNano()), Member: string(cmd.ID)}
		if err := s.client.ZAdd(ctx, pendingKey(cmd.AgentID), z).Err(); err != nil {
			return fmt.Errorf("failed to index pending command: %w", err)
		}
	}
	return s.publish(ctx, domain.TableCommands, domain.OpInsert, cmd)
}

func (s *Store) GetCommand(ctx context.Context, id domain.CommandID) (*domain.Command, error) {
	return getJSON[domain.Command](ctx, s.client, commandKey(id), domain.ErrCommandNotFound)
}

func (s *Store) UpdateCommandStatus(ctx context.Context, id domain.CommandID, status domain.CommandStatus) (*domain.Command, error) {
	var updated *domain.Command
	key := commandKey(id)
	err := s.withWatch(ctx, key, func(tx *redis.Tx) error {
		cmd, err := getJSON[domain.Command](ctx, tx, key, domain.ErrCommandNotFound)
		if err != nil {
			return err
		}
		if !cmd.Status.CanTransition(status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, cmd.Status, status)
		}
		cmd.Status = status
		data, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZRem(ctx, pendingKey(cmd.AgentID), string(cmd.ID))
			return nil
		})
		updated = cmd
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, s.publish(ctx, domain.TableCommands, domain.OpUpdate, updated)
}

func (s *Store) ListPendingCommands(ctx context.Context, agentID domain.AgentID) ([]*domain.Command, error) {
	ids, err := s.client.ZRange(ctx, pendingKey(agentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending commands: %w", err)
	}
	out := make([]*domain.Command, 0, len(ids))
	for _, id := range ids {
		cmd, err := s.GetCommand(ctx, domain.CommandID(id))
		if errors.Is(err, domain.ErrCommandNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, nil
}

// Signals

func (s *Store) InsertSignal(ctx context.Context, row *domain.SignalRow) error {
	if row.ID == "" {
		row.ID = utils.NewID()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	// Signals are transient; the row only needs to outlive delivery.
	if err := s.client.Set(ctx, signalKey(row.ID), data, signalTTL).Err(); err != nil {
		return fmt.Errorf("failed to set signal in Redis: %w", err)
	}
	return s.publish(ctx, domain.TableSignaling, domain.OpInsert, row)
}

// Artifacts

func (s *Store) InsertArtifact(ctx context.Context, a *domain.Artifact) error {
	if !a.Kind.Valid() {
		return fmt.Errorf("unknown artifact kind %q", a.Kind)
	}
	if a.ID == "" {
		a.ID = utils.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, artifactKey(a.ID), data, 0)
		pipe.ZAdd(ctx, artifactIndexKey(a.AgentID, a.Kind), redis.Z{
			Score:  float64(a.CreatedAt.UnixNano()),
			Member: a.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store artifact: %w", err)
	}
	return s.publish(ctx, domain.ArtifactTable(a.Kind), domain.OpInsert, a)
}

func (s *Store) ListByAgent(ctx context.Context, agentID domain.AgentID, kind domain.ArtifactKind, limit int) ([]*domain.Artifact, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, artifactIndexKey(agentID, kind), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	out := make([]*domain.Artifact, 0, len(ids))
	for _, id := range ids {
		a, err := getJSON[domain.Artifact](ctx, s.client, artifactKey(id), errArtifactGone)
		if errors.Is(err, errArtifactGone) {
			continue
		}
		if err != nil {
			return nil, err
		}
		a.Kind = kind
		out = append(out, a)
	}
	return out, nil
}

var errArtifactGone = errors.New("artifact not found")

// Subscribe listens on the table channel; the returned subscription is
// live once Subscribe returns.
func (s *Store) Subscribe(ctx context.Context, filter domain.ChangeFilter) (ports.Subscription, error) {
	ps := s.client.Subscribe(ctx, changesChannel(filter.Table))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s changes: %w", filter.Table, err)
	}

	sub := &subscription{
		ps:     ps,
		filter: filter,
		ch:     make(chan domain.ChangeEvent, 256),
		done:   make(chan struct{}),
	}
	go sub.run(s.logger)
	return sub, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return CloseRedisClient(s.client)
}

type subscription struct {
	ps     *redis.PubSub
	filter domain.ChangeFilter
	ch     chan domain.ChangeEvent
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) run(logger *zap.SugaredLogger) {
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var ev domain.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warnw("failed to unmarshal change", "channel", msg.Channel, "error", err)
				continue
			}
			if !s.filter.Matches(ev) {
				continue
			}
			select {
			case s.ch <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Events() <-chan domain.ChangeEvent { return s.ch }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
