package services

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

	"go.uber.org/zap"
)

const DefaultCommandTimeout = 30 * time.Second

var ErrDispatcherClosed = errors.New("command dispatcher closed")

type commandHandle struct {
	cmd      domain.Command
	issuedAt time.Time
	done     chan struct{}
	once     sync.Once
	timer    *time.Timer

	mu     sync.Mutex
	status domain.CommandStatus
	err    error
}

func (h *commandHandle) Command() domain.Command { return h.cmd }

func (h *commandHandle) Done() <-chan struct{} { return h.done }

func (h *commandHandle) Result() (domain.CommandStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.err
}

func (h *commandHandle) complete(status domain.CommandStatus, err error) bool {
	completed := false
	h.once.Do(func() {
		h.mu.Lock()
		h.status = status
		h.err = err
		if h.timer != nil {
			h.timer.Stop()
		}
		h.mu.Unlock()
		close(h.done)
		completed = true
	})
	return completed
}

// agentWatch is the per-agent UPDATE subscription plus its pending handles
// in issue order.
type agentWatch struct {
	sub     ports.Subscription
	pending []*commandHandle
}

// CommandDispatcher issues commands and matches asynchronous status updates
// back to their handles. A terminal update is matched by row id first; an
// update for a row this dispatcher did not issue completes the earliest
// pending handle of the same kind. Rows that already completed or expired
// are never matched again.
type CommandDispatcher struct {
	commands ports.CommandRepository
	feed     ports.ChangeFeed
	metrics  ports.Metrics
	logger   *zap.SugaredLogger
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	agents  map[domain.AgentID]*agentWatch
	settled map[domain.CommandID]time.Time
}

// NewCommandDispatcher creates a dispatcher. A zero timeout disables expiry.
func NewCommandDispatcher(
	commands ports.CommandRepository,
	feed ports.ChangeFeed,
	metrics ports.Metrics,
	timeout time.Duration,
	logger *zap.SugaredLogger,
) *CommandDispatcher {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CommandDispatcher{
		commands: commands,
		feed:     feed,
		metrics:  metrics,
		logger:   logger,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		agents:   make(map[domain.AgentID]*agentWatch),
		settled:  make(map[domain.CommandID]time.Time),
	}
}

// Issue inserts a PENDING command. The returned handle completes when the
// agent reports EXECUTED or FAILED, or when the timeout elapses.
func (d *CommandDispatcher) Issue(ctx context.Context, agentID domain.AgentID, kind domain.CommandKind, payload json.RawMessage) (ports.CommandHandle, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if _, err := domain.ParseCommandKind(string(kind)); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	cmd := domain.Command{
		ID:        domain.CommandID(utils.NewID()),
		AgentID:   agentID,
		Kind:      kind,
		Payload:   payload,
		Status:    domain.CommandPending,
		CreatedAt: time.Now().UTC(),
	}
	h := &commandHandle{
		cmd:      cmd,
		issuedAt: time.Now(),
		done:     make(chan struct{}),
		status:   domain.CommandPending,
	}

	// Register before the insert so an immediate agent update finds the handle.
	if err := d.register(ctx, h); err != nil {
		return nil, err
	}

	if err := d.commands.InsertCommand(ctx, &cmd); err != nil {
		d.unregister(h)
		return nil, &domain.StoreWriteError{Table: domain.TableCommands, Err: err}
	}

	if d.timeout > 0 {
		h.mu.Lock()
		h.timer = time.AfterFunc(d.timeout, func() { d.expire(h) })
		h.mu.Unlock()
	}

	d.metrics.CommandIssued(string(kind))
	d.logger.Infow("Command issued",
		"agent_id", agentID,
		"command_id", cmd.ID,
		"command_type", kind,
	)
	return h, nil
}

func (d *CommandDispatcher) Get(ctx context.Context, id domain.CommandID) (*domain.Command, error) {
	return d.commands.GetCommand(ctx, id)
}

// Pending returns the number of outstanding handles for an agent.
func (d *CommandDispatcher) Pending(agentID domain.AgentID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.agents[agentID]; ok {
		return len(w.pending)
	}
	return 0
}

func (d *CommandDispatcher) register(ctx context.Context, h *commandHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	agentID := h.cmd.AgentID
	w, ok := d.agents[agentID]
	if !ok {
		sub, err := d.feed.Subscribe(ctx, domain.ChangeFilter{
			Table:  domain.TableCommands,
			Op:     domain.OpUpdate,
			Column: "employee_id",
			Value:  string(agentID),
		})
		if err != nil {
			return &domain.StoreWriteError{Table: domain.TableCommands, Err: fmt.Errorf("subscribe: %w", err)}
		}
		w = &agentWatch{sub: sub}
		d.agents[agentID] = w
		d.wg.Add(1)
		go d.watch(agentID, sub)
	}
	w.pending = append(w.pending, h)
	return nil
}

func (d *CommandDispatcher) unregister(h *commandHandle) {
	d.mu.Lock()
	d.removeLocked(h)
	d.mu.Unlock()
}

func (d *CommandDispatcher) removeLocked(h *commandHandle) bool {
	w, ok := d.agents[h.cmd.AgentID]
	if !ok {
		return false
	}
	for i, p := range w.pending {
		if p == h {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (d *CommandDispatcher) watch(agentID domain.AgentID, sub ports.Subscription) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			var cmd domain.Command
			if err := json.Unmarshal(ev.New, &cmd); err != nil {
				d.logger.Warnw("Ignoring malformed command update", "agent_id", agentID, "error", err)
				continue
			}
			d.handleUpdate(cmd)
		}
	}
}

func (d *CommandDispatcher) handleUpdate(cmd domain.Command) {
	if !cmd.Status.Terminal() {
		return
	}

	d.mu.Lock()
	if _, done := d.settled[cmd.ID]; done {
		d.mu.Unlock()
		d.logger.Debugw("Ignoring update for settled command", "command_id", cmd.ID, "status", cmd.Status)
		return
	}
	w, ok := d.agents[cmd.AgentID]
	if !ok {
		d.mu.Unlock()
		return
	}

	var match *commandHandle
	for _, p := range w.pending {
		if p.cmd.ID == cmd.ID {
			match = p
			break
		}
	}
	if match == nil {
		for _, p := range w.pending {
			if p.cmd.Kind == cmd.Kind {
				match = p
				break
			}
		}
	}
	if match == nil {
		d.mu.Unlock()
		return
	}
	d.removeLocked(match)
	d.settleLocked(match.cmd.ID)
	d.settleLocked(cmd.ID)
	d.mu.Unlock()

	if match.complete(cmd.Status, nil) {
		d.metrics.CommandCompleted(string(match.cmd.Kind), string(cmd.Status), time.Since(match.issuedAt))
		d.logger.Infow("Command completed",
			"agent_id", cmd.AgentID,
			"command_id", match.cmd.ID,
			"command_type", match.cmd.Kind,
			"status", cmd.Status,
		)
	}
}

func (d *CommandDispatcher) expire(h *commandHandle) {
	d.mu.Lock()
	if !d.removeLocked(h) {
		d.mu.Unlock()
		return
	}
	d.settleLocked(h.cmd.ID)
	d.mu.Unlock()

	err := &domain.CommandTimeoutError{CommandID: h.cmd.ID, Kind: h.cmd.Kind, After: d.timeout}
	if h.complete(domain.CommandPending, err) {
		d.metrics.CommandCompleted(string(h.cmd.Kind), "TIMEOUT", d.timeout)
		d.logger.Warnw("Command timed out",
			"agent_id", h.cmd.AgentID,
			"command_id", h.cmd.ID,
			"command_type", h.cmd.Kind,
		)
	}
}

// settleLocked records a finished id and prunes old entries.
func (d *CommandDispatcher) settleLocked(id domain.CommandID) {
	now := time.Now()
	d.settled[id] = now
	retention := 10 * d.timeout
	if retention <= 0 {
		retention = 10 * DefaultCommandTimeout
	}
	for k, at := range d.settled {
		if now.Sub(at) > retention {
			delete(d.settled, k)
		}
	}
}

// Close cancels every subscription and fails outstanding handles.
func (d *CommandDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	var pending []*commandHandle
	for id, w := range d.agents {
		pending = append(pending, w.pending...)
		w.sub.Close()
		delete(d.agents, id)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
	for _, h := range pending {
		h.complete(domain.CommandPending, ErrDispatcherClosed)
	}
	return nil
}
