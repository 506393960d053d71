package relay

import (
	"context"
	"encoding/json"
	"sync"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
	"fleetdesk/pkg/utils"
)

const channelBuffer = 64

// MemoryRelay is an in-process relay. Broadcasts go to every other channel
// joined to the topic; a full receiver drops the message.
type MemoryRelay struct {
	mu     sync.RWMutex
	topics map[string]map[*memoryChannel]struct{}
	closed bool
}

var _ ports.Relay = (*MemoryRelay)(nil)

func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{topics: make(map[string]map[*memoryChannel]struct{})}
}

func (r *MemoryRelay) Join(ctx context.Context, topic string) (ports.RelayChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.ErrRelayClosed
	}
	ch := &memoryChannel{
		relay: r,
		topic: topic,
		id:    utils.GenerateClientID(),
		msgs:  make(chan ports.RelayMessage, channelBuffer),
	}
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[*memoryChannel]struct{})
	}
	r.topics[topic][ch] = struct{}{}
	return ch, nil
}

// Subscribers returns how many channels are joined to topic.
func (r *MemoryRelay) Subscribers(topic string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics[topic])
}

func (r *MemoryRelay) broadcast(from *memoryChannel, msg ports.RelayMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ch := range r.topics[from.topic] {
		if ch == from {
			continue
		}
		select {
		case ch.msgs <- msg:
		default:
		}
	}
}

func (r *MemoryRelay) leave(ch *memoryChannel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.topics[ch.topic]
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	if len(subs) == 0 {
		delete(r.topics, ch.topic)
	}
	close(ch.msgs)
}

func (r *MemoryRelay) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return domain.ErrRelayClosed
	}
	return nil
}

func (r *MemoryRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	var all []*memoryChannel
	for _, subs := range r.topics {
		for ch := range subs {
			all = append(all, ch)
		}
	}
	r.mu.Unlock()
	for _, ch := range all {
		ch.Close()
	}
	return nil
}

type memoryChannel struct {
	relay *MemoryRelay
	topic string
	id    string
	msgs  chan ports.RelayMessage
	once  sync.Once
	mu    sync.RWMutex
	done  bool
}

func (c *memoryChannel) Topic() string { return c.topic }

func (c *memoryChannel) Messages() <-chan ports.RelayMessage { return c.msgs }

func (c *memoryChannel) Broadcast(ctx context.Context, event string, payload json.RawMessage) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.done {
		return domain.ErrRelayClosed
	}
	c.relay.broadcast(c, ports.RelayMessage{
		Topic:   c.topic,
		Event:   event,
		Payload: append(json.RawMessage(nil), payload...),
		Sender:  c.id,
	})
	return nil
}

func (c *memoryChannel) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.done = true
		c.mu.Unlock()
		c.relay.leave(c)
	})
	return nil
}
