package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
	"fleetdesk/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second
	sendBuffer      = 256
)

// WebSocketRelay is a client of the relay hub. All topics share one
// connection; frames are demultiplexed by topic.
type WebSocketRelay struct {
	conn   *websocket.Conn
	logger *zap.SugaredLogger
	sendCh chan Frame

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	channels map[string]map[*wsChannel]struct{}
	acks     map[string][]chan error
	err      error
}

var _ ports.Relay = (*WebSocketRelay)(nil)

// DialWebSocketRelay connects to the hub, retrying the dial. A 4xx handshake
// response is not retried.
func DialWebSocketRelay(ctx context.Context, url string, header http.Header, logger *zap.SugaredLogger) (*WebSocketRelay, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, err := retry.DoValue(ctx, retry.DefaultConfig(), func() (*websocket.Conn, error) {
		c, resp, err := dialer.DialContext(ctx, url, header)
		if err != nil && resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.Permanent(err)
		}
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", url, err)
	}
	return NewWebSocketRelay(conn, logger), nil
}

func NewWebSocketRelay(conn *websocket.Conn, logger *zap.SugaredLogger) *WebSocketRelay {
	ctx, cancel := context.WithCancel(context.Background())
	r := &WebSocketRelay{
		conn:     conn,
		logger:   logger,
		sendCh:   make(chan Frame, sendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]map[*wsChannel]struct{}),
		acks:     make(map[string][]chan error),
	}
	go r.readPump()
	go r.writePump()
	return r
}

func (r *WebSocketRelay) readPump() {
	defer r.shutdown(domain.ErrRelayClosed)

	r.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	r.conn.SetPingHandler(func(data string) error {
		r.conn.SetReadDeadline(time.Now().Add(defaultPongWait))
		return r.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warnw("relay connection lost", "error", err)
			}
			return
		}
		r.conn.SetReadDeadline(time.Now().Add(defaultPongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			r.logger.Warnw("failed to unmarshal relay frame", "error", err)
			continue
		}
		r.dispatch(f)
	}
}

func (r *WebSocketRelay) dispatch(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch f.Type {
	case FrameSubscribed, FrameError:
		waiters := r.acks[f.Topic]
		// only join rejections answer a pending join
		if len(waiters) == 0 || (f.Type == FrameError && f.Cause != FrameJoin) {
			if f.Type == FrameError {
				r.logger.Warnw("relay error", "topic", f.Topic, "cause", f.Cause, "error", f.Error)
			}
			return
		}
		var ackErr error
		if f.Type == FrameError {
			ackErr = errors.New(f.Error)
		}
		waiters[0] <- ackErr
		r.acks[f.Topic] = waiters[1:]
	case FrameBroadcast:
		msg := ports.RelayMessage{Topic: f.Topic, Event: f.Event, Payload: f.Payload, Sender: f.Sender}
		for ch := range r.channels[f.Topic] {
			select {
			case ch.msgs <- msg:
			default:
			}
		}
	}
}

func (r *WebSocketRelay) writePump() {
	for {
		select {
		case <-r.ctx.Done():
			r.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			r.conn.Close()
			return
		case f := <-r.sendCh:
			r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteJSON(f); err != nil {
				r.logger.Warnw("failed to write relay frame", "type", f.Type, "error", err)
				r.shutdown(err)
				r.conn.Close()
				return
			}
		}
	}
}

func (r *WebSocketRelay) send(f Frame) error {
	select {
	case <-r.ctx.Done():
		return domain.ErrRelayClosed
	case r.sendCh <- f:
		return nil
	default:
		return errors.New("relay send buffer full")
	}
}

// Join sends a join frame and waits for the hub's subscribed ack.
func (r *WebSocketRelay) Join(ctx context.Context, topic string) (ports.RelayChannel, error) {
	ack := make(chan error, 1)
	ch := &wsChannel{relay: r, topic: topic, msgs: make(chan ports.RelayMessage, channelBuffer)}

	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return nil, r.err
	}
	r.acks[topic] = append(r.acks[topic], ack)
	if r.channels[topic] == nil {
		r.channels[topic] = make(map[*wsChannel]struct{})
	}
	r.channels[topic][ch] = struct{}{}
	r.mu.Unlock()

	if err := r.send(Frame{Type: FrameJoin, Topic: topic}); err != nil {
		r.forget(ch, ack)
		return nil, err
	}

	select {
	case err := <-ack:
		if err != nil {
			r.forget(ch, nil)
			return nil, fmt.Errorf("join %s rejected: %w", topic, err)
		}
		return ch, nil
	case <-ctx.Done():
		r.forget(ch, ack)
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, domain.ErrRelayClosed
	}
}

func (r *WebSocketRelay) forget(ch *wsChannel, ack chan error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ack != nil {
		waiters := r.acks[ch.topic]
		for i, w := range waiters {
			if w == ack {
				r.acks[ch.topic] = append(waiters[:i], waiters[i+1:]...)
				break
			}
		}
	}
	if subs, ok := r.channels[ch.topic]; ok {
		if _, ok := subs[ch]; ok {
			delete(subs, ch)
			close(ch.msgs)
		}
		if len(subs) == 0 {
			delete(r.channels, ch.topic)
		}
	}
}

func (r *WebSocketRelay) shutdown(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	for topic, subs := range r.channels {
		for ch := range subs {
			close(ch.msgs)
		}
		delete(r.channels, topic)
	}
	for topic, waiters := range r.acks {
		for _, w := range waiters {
			w <- domain.ErrRelayClosed
		}
		delete(r.acks, topic)
	}
	r.mu.Unlock()
	r.cancel()
}

func (r *WebSocketRelay) HealthCheck(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *WebSocketRelay) Close() error {
	r.shutdown(domain.ErrRelayClosed)
	return nil
}

type wsChannel struct {
	relay *WebSocketRelay
	topic string
	msgs  chan ports.RelayMessage
	once  sync.Once
}

func (c *wsChannel) Topic() string { return c.topic }

func (c *wsChannel) Messages() <-chan ports.RelayMessage { return c.msgs }

// Broadcast sends to the hub and to sibling channels on this connection,
// which the hub does not echo back to.
func (c *wsChannel) Broadcast(ctx context.Context, event string, payload json.RawMessage) error {
	if err := c.relay.send(Frame{Type: FrameBroadcast, Topic: c.topic, Event: event, Payload: payload}); err != nil {
		return err
	}
	msg := ports.RelayMessage{Topic: c.topic, Event: event, Payload: append(json.RawMessage(nil), payload...)}
	c.relay.mu.Lock()
	defer c.relay.mu.Unlock()
	for ch := range c.relay.channels[c.topic] {
		if ch == c {
			continue
		}
		select {
		case ch.msgs <- msg:
		default:
		}
	}
	return nil
}

func (c *wsChannel) Close() error {
	c.once.Do(func() {
		c.relay.forget(c, nil)
		c.relay.mu.Lock()
		last := len(c.relay.channels[c.topic]) == 0
		c.relay.mu.Unlock()
		if last {
			c.relay.send(Frame{Type: FrameLeave, Topic: c.topic})
		}
	})
	return nil
}
