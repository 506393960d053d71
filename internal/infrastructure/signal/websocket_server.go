package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/infrastructure/relay"
	"fleetdesk/pkg/tracing"
	"fleetdesk/pkg/utils"
	"fleetdesk/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ServerConfig tunes the relay hub.
type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageSize    int64
	MessagesPerSecond float64
	Burst             int
	MaxConnections    int
	AllowedOrigins    []string
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageSize:    64 * 1024,
		MessagesPerSecond: 100,
		Burst:             200,
	}
}

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan relay.Frame
	topics  map[string]struct{}
	limiter *rate.Limiter
}

// WebSocketServer is the relay hub: clients join named topics and every
// broadcast is forwarded to the other subscribers of that topic.
type WebSocketServer struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	topics  map[string]map[*client]struct{}

	logger *zap.SugaredLogger
}

func NewWebSocketServer(cfg ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		cfg:     cfg,
		clients: make(map[*client]struct{}),
		topics:  make(map[string]map[*client]struct{}),
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnections > 0 && s.ConnectionCount() >= s.cfg.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &client{
		id:     utils.GenerateClientID(),
		conn:   conn,
		send:   make(chan relay.Frame, 256),
		topics: make(map[string]struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Infow("relay client connected", "client_id", c.id, "remote", r.RemoteAddr)

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan relay.Frame, 16)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var f relay.Frame
			if err := conn.ReadJSON(&f); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case messageChan <- f:
			case <-done:
				return
			}
		}
	}()

	// This goroutine is the only writer on conn.
	for {
		select {
		case f := <-messageChan:
			if err := s.handleFrame(c, f); err != nil {
				s.logger.Infow("rejected relay frame", "client_id", c.id, "type", f.Type, "topic", f.Topic, "error", err)
				s.queue(c, relay.Frame{Type: relay.FrameError, Topic: f.Topic, Error: err.Error(), Cause: f.Type})
			}

		case f := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteJSON(f); err != nil {
				s.logger.Infow("error writing frame", "client_id", c.id, "error", err)
				s.disconnect(c)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "client_id", c.id, "error", err)
				s.disconnect(c)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading frame", "client_id", c.id, "error", err)
			}
			s.disconnect(c)
			return
		}
	}
}

func (s *WebSocketServer) handleFrame(c *client, f relay.Frame) (err error) {
	ctx, span := tracing.TraceRelayFrame(context.Background(), f.Type, f.Topic)
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
	}()

	if f.Type == "" {
		return fmt.Errorf("frame type is required")
	}
	if err := validation.ValidateTopic(f.Topic); err != nil {
		return err
	}
	if c.limiter != nil && !c.limiter.Allow() {
		return fmt.Errorf("rate limit exceeded")
	}

	switch f.Type {
	case relay.FrameJoin:
		s.join(c, f.Topic)
		s.queue(c, relay.Frame{Type: relay.FrameSubscribed, Topic: f.Topic})
		return nil
	case relay.FrameLeave:
		s.leave(c, f.Topic)
		return nil
	case relay.FrameBroadcast:
		return s.handleBroadcast(c, f)
	default:
		return fmt.Errorf("unknown frame type: %s", f.Type)
	}
}

func (s *WebSocketServer) handleBroadcast(c *client, f relay.Frame) error {
	if f.Event == "" {
		return fmt.Errorf("broadcast event is required")
	}
	if strings.HasPrefix(f.Topic, "signaling-") && (f.Event == string(domain.SignalOffer) || f.Event == string(domain.SignalAnswer)) {
		var desc domain.SessionDescription
		if err := json.Unmarshal(f.Payload, &desc); err != nil {
			return fmt.Errorf("invalid %s payload: %w", f.Event, err)
		}
		if err := validateSDP(desc.SDP); err != nil {
			return fmt.Errorf("invalid SDP in %s: %w", strings.ToLower(f.Event), err)
		}
	}

	s.mu.RLock()
	_, joined := c.topics[f.Topic]
	var targets []*client
	for other := range s.topics[f.Topic] {
		if other != c {
			targets = append(targets, other)
		}
	}
	s.mu.RUnlock()

	if !joined {
		return fmt.Errorf("not joined to %s", f.Topic)
	}

	out := relay.Frame{Type: relay.FrameBroadcast, Topic: f.Topic, Event: f.Event, Payload: f.Payload, Sender: c.id}
	for _, t := range targets {
		s.queue(t, out)
	}

	s.logger.Debugw("relayed broadcast",
		"topic", f.Topic,
		"event", f.Event,
		"from", c.id,
		"recipients", len(targets),
	)
	return nil
}

// queue never blocks; a client with a full buffer misses the frame.
func (s *WebSocketServer) queue(c *client, f relay.Frame) {
	select {
	case c.send <- f:
	default:
		s.logger.Warnw("client send buffer full, dropping frame", "client_id", c.id, "type", f.Type, "topic", f.Topic)
	}
}

func (s *WebSocketServer) join(c *client, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topics[topic] == nil {
		s.topics[topic] = make(map[*client]struct{})
	}
	s.topics[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (s *WebSocketServer) leave(c *client, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked(c, topic)
}

func (s *WebSocketServer) leaveLocked(c *client, topic string) {
	delete(c.topics, topic)
	if subs, ok := s.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(s.topics, topic)
		}
	}
}

func (s *WebSocketServer) disconnect(c *client) {
	s.mu.Lock()
	for topic := range c.topics {
		s.leaveLocked(c, topic)
	}
	delete(s.clients, c)
	s.mu.Unlock()
	s.logger.Infow("relay client disconnected", "client_id", c.id)
}

// validateSDP validates SDP format
func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if len(sdp) < 2 || sdp[:2] != "v=" {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	requiredFields := []string{"o=", "s=", "t="}
	for _, field := range requiredFields {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.clients)
	topicCount := len(s.topics)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
		"topics":      topicCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Subscribers returns the number of clients joined to topic.
func (s *WebSocketServer) Subscribers(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[topic])
}

// Close sends a going-away close frame to every client and drops its
// connection; read loops then unwind through disconnect.
func (s *WebSocketServer) Close() {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
	deadline := time.Now().Add(time.Second)
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		conn.Close()
	}
}
