package webrtc

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

const (
	DefaultControlQueue = 64
	controlSendTimeout  = 2 * time.Second
)

// RelayControl sends input events on the relay topic control-<agent>.
// Events are queued and written by one goroutine; a full queue drops.
type RelayControl struct {
	ch      ports.RelayChannel
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	queue chan domain.ControlEvent
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

var _ ports.ControlChannel = (*RelayControl)(nil)

// OpenControlChannel joins the agent's control topic and returns once the
// relay has confirmed the subscription.
func OpenControlChannel(ctx context.Context, relay ports.Relay, agentID domain.AgentID, queueSize int, metrics ports.Metrics, logger *zap.SugaredLogger) (*RelayControl, error) {
	if queueSize <= 0 {
		queueSize = DefaultControlQueue
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	topic := domain.ControlTopic(agentID)
	ch, err := relay.Join(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to join %s: %w", topic, err)
	}

	c := &RelayControl{
		ch:      ch,
		metrics: metrics,
		logger:  logger.With("agent_id", agentID, "topic", topic),
		queue:   make(chan domain.ControlEvent, queueSize),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c, nil
}

func (c *RelayControl) Send(event domain.ControlEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.queue <- event:
		c.metrics.ControlEvent(string(event.Kind), false)
	default:
		c.metrics.ControlEvent(string(event.Kind), true)
		c.logger.Debugw("control queue full, dropping event", "type", event.Kind)
	}
}

func (c *RelayControl) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case event := <-c.queue:
			c.write(event)
		}
	}
}

func (c *RelayControl) write(event domain.ControlEvent) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		c.logger.Warnw("failed to encode control event", "type", event.Kind, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlSendTimeout)
	defer cancel()
	if err := c.ch.Broadcast(ctx, string(event.Kind), payload); err != nil {
		c.logger.Warnw("failed to send control event", "type", event.Kind, "error", err)
	}
}

// Close discards anything still queued.
func (c *RelayControl) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	return c.ch.Close()
}
