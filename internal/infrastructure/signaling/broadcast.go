package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"

	"go.uber.org/zap"
)

const TransportBroadcast = "broadcast"

// BroadcastChannel exchanges signals on the relay topic signaling-<agent>.
// Nothing is persisted, so Open waits for the relay's subscribed ack
// before the first send is allowed.
type BroadcastChannel struct {
	relay   ports.Relay
	agentID domain.AgentID
	self    domain.Party
	topic   string
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	signals  chan domain.Signal
	requests chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	ch     ports.RelayChannel
	closed bool
	wg     sync.WaitGroup
}

var _ ports.SignalingChannel = (*BroadcastChannel)(nil)

func NewBroadcastChannel(relay ports.Relay, agentID domain.AgentID, self domain.Party, metrics ports.Metrics, logger *zap.SugaredLogger) *BroadcastChannel {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	topic := domain.SignalingTopic(agentID)
	return &BroadcastChannel{
		relay:    relay,
		agentID:  agentID,
		self:     self,
		topic:    topic,
		metrics:  metrics,
		logger:   logger.With("agent_id", agentID, "transport", TransportBroadcast, "topic", topic),
		signals:  make(chan domain.Signal, 8),
		requests: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (c *BroadcastChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &domain.SignalingError{Op: "open", Err: domain.ErrSessionClosed}
	}
	if c.ch != nil {
		return nil
	}
	ch, err := c.relay.Join(ctx, c.topic)
	if err != nil {
		return &domain.SignalingError{Op: "subscribe", Err: err}
	}
	c.ch = ch
	c.wg.Add(1)
	go c.receive(ch)
	return nil
}

func (c *BroadcastChannel) receive(ch ports.RelayChannel) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-ch.Messages():
			if !ok {
				return
			}
			if msg.Topic != c.topic {
				c.logger.Warnw("dropping signal for another session", "received_topic", msg.Topic)
				continue
			}
			c.deliver(msg)
		}
	}
}

func (c *BroadcastChannel) deliver(msg ports.RelayMessage) {
	kind := domain.SignalKind(msg.Event)
	switch kind {
	case domain.SignalStartVideo:
		if c.self == domain.PartyAgent {
			select {
			case c.requests <- struct{}{}:
			default:
			}
		}
		return
	case domain.SignalOffer, domain.SignalAnswer:
	default:
		return
	}

	var desc domain.SessionDescription
	if err := json.Unmarshal(msg.Payload, &desc); err != nil {
		c.logger.Warnw("dropping signal with malformed payload", "event", msg.Event, "error", err)
		return
	}
	select {
	case c.signals <- domain.Signal{Kind: kind, Description: desc, Scope: c.agentID}:
	case <-c.done:
	}
}

func (c *BroadcastChannel) Send(ctx context.Context, sig domain.Signal) error {
	payload, err := json.Marshal(sig.Description)
	if err != nil {
		return &domain.SignalingError{Op: "send", Err: err}
	}
	return c.broadcast(ctx, sig.Kind, payload)
}

func (c *BroadcastChannel) RequestOffer(ctx context.Context) error {
	return c.broadcast(ctx, domain.SignalStartVideo, json.RawMessage(`{}`))
}

func (c *BroadcastChannel) broadcast(ctx context.Context, kind domain.SignalKind, payload json.RawMessage) error {
	c.mu.Lock()
	ch, closed := c.ch, c.closed
	c.mu.Unlock()
	if closed {
		return &domain.SignalingError{Op: "send", Err: domain.ErrSessionClosed}
	}
	if ch == nil {
		return &domain.SignalingError{Op: "send", Err: fmt.Errorf("channel not open")}
	}
	if err := ch.Broadcast(ctx, string(kind), payload); err != nil {
		return &domain.SignalingError{Op: "send", Err: err}
	}
	c.metrics.SignalSent(string(kind), TransportBroadcast)
	c.logger.Debugw("signal sent", "type", kind)
	return nil
}

func (c *BroadcastChannel) Signals() <-chan domain.Signal { return c.signals }

func (c *BroadcastChannel) OfferRequests() <-chan struct{} { return c.requests }

func (c *BroadcastChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ch := c.ch
	c.mu.Unlock()

	close(c.done)
	if ch != nil {
		ch.Close()
	}
	c.wg.Wait()
	return nil
}
