package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
	"fleetdesk/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisTopicPrefix = "fleet:relay:"

type redisEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Sender  string          `json:"sender"`
}

// RedisRelay maps relay topics onto Redis pub/sub channels. The SUBSCRIBE
// confirmation is the subscribed ack.
type RedisRelay struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

var _ ports.Relay = (*RedisRelay)(nil)

func NewRedisRelay(client *redis.Client, logger *zap.SugaredLogger) *RedisRelay {
	return &RedisRelay{client: client, logger: logger}
}

func (r *RedisRelay) Join(ctx context.Context, topic string) (ports.RelayChannel, error) {
	ps := r.client.Subscribe(ctx, redisTopicPrefix+topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to join %s: %w", topic, err)
	}

	ch := &redisChannel{
		relay: r,
		ps:    ps,
		topic: topic,
		id:    utils.GenerateClientID(),
		msgs:  make(chan ports.RelayMessage, channelBuffer),
		done:  make(chan struct{}),
	}
	go ch.run()
	return ch, nil
}

func (r *RedisRelay) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisRelay) Close() error { return nil }

type redisChannel struct {
	relay *RedisRelay
	ps    *redis.PubSub
	topic string
	id    string
	msgs  chan ports.RelayMessage
	done  chan struct{}
	once  sync.Once
}

func (c *redisChannel) run() {
	defer close(c.msgs)
	in := c.ps.Channel()
	for {
		select {
		case <-c.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			var env redisEnvelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				c.relay.logger.Warnw("failed to unmarshal relay message", "topic", c.topic, "error", err)
				continue
			}
			if env.Sender == c.id {
				continue
			}
			select {
			case c.msgs <- ports.RelayMessage{Topic: c.topic, Event: env.Event, Payload: env.Payload, Sender: env.Sender}:
			default:
				c.relay.logger.Debugw("relay receiver full, dropping", "topic", c.topic, "event", env.Event)
			}
		}
	}
}

func (c *redisChannel) Topic() string { return c.topic }

func (c *redisChannel) Messages() <-chan ports.RelayMessage { return c.msgs }

func (c *redisChannel) Broadcast(ctx context.Context, event string, payload json.RawMessage) error {
	select {
	case <-c.done:
		return domain.ErrRelayClosed
	default:
	}
	data, err := json.Marshal(redisEnvelope{Event: event, Payload: payload, Sender: c.id})
	if err != nil {
		return err
	}
	return c.relay.client.Publish(ctx, redisTopicPrefix+c.topic, data).Err()
}

func (c *redisChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ps.Close()
	})
	return err
}
