package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
	"fleetdesk/pkg/tracing"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const TransportStore = "store"

type signalStore interface {
	ports.SignalRepository
	ports.ChangeFeed
}

// StoreChannel exchanges signals as rows of the signaling table. The
// operator writes rows addressed to the agent and listens for rows the
// agent sent; the agent side is the mirror.
type StoreChannel struct {
	store    signalStore
	agentID  domain.AgentID
	self     domain.Party
	operator string
	metrics  ports.Metrics
	logger   *zap.SugaredLogger

	signals  chan domain.Signal
	requests chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	sub    ports.Subscription
	opened bool
	closed bool
	wg     sync.WaitGroup
}

var _ ports.SignalingChannel = (*StoreChannel)(nil)

// NewStoreChannel creates a channel. operatorID is written as the sender of
// operator rows and as the recipient of agent rows.
func NewStoreChannel(store signalStore, agentID domain.AgentID, self domain.Party, operatorID string, metrics ports.Metrics, logger *zap.SugaredLogger) *StoreChannel {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &StoreChannel{
		store:    store,
		agentID:  agentID,
		self:     self,
		operator: operatorID,
		metrics:  metrics,
		logger:   logger.With("agent_id", agentID, "transport", TransportStore, "party", self),
		signals:  make(chan domain.Signal, 8),
		requests: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (c *StoreChannel) filter() domain.ChangeFilter {
	f := domain.ChangeFilter{Table: domain.TableSignaling, Op: domain.OpInsert}
	if c.self == domain.PartyOperator {
		f.Column, f.Value = "sender_id", string(c.agentID)
	} else {
		f.Column, f.Value = "recipient_id", string(c.agentID)
	}
	return f
}

// Open subscribes to inserts. Once it returns a row inserted by the peer
// is delivered.
func (c *StoreChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &domain.SignalingError{Op: "open", Err: domain.ErrSessionClosed}
	}
	if c.opened {
		return nil
	}
	sub, err := c.store.Subscribe(ctx, c.filter())
	if err != nil {
		return &domain.SignalingError{Op: "subscribe", Err: err}
	}
	c.sub = sub
	c.opened = true
	c.wg.Add(1)
	go c.receive(sub)
	return nil
}

func (c *StoreChannel) receive(sub ports.Subscription) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			var row domain.SignalRow
			if err := json.Unmarshal(ev.New, &row); err != nil {
				c.logger.Warnw("dropping malformed signaling row", "error", err)
				continue
			}
			if !c.inScope(row) {
				c.logger.Warnw("dropping signal for another session", "sender_id", row.SenderID, "recipient_id", row.RecipientID)
				continue
			}
			c.deliver(row)
		}
	}
}

func (c *StoreChannel) inScope(row domain.SignalRow) bool {
	if c.self == domain.PartyOperator {
		return row.SenderID == string(c.agentID)
	}
	return row.RecipientID == string(c.agentID)
}

func (c *StoreChannel) deliver(row domain.SignalRow) {
	if row.Type == domain.SignalStartVideo {
		if c.self == domain.PartyAgent {
			select {
			case c.requests <- struct{}{}:
			default:
			}
		}
		return
	}

	var desc domain.SessionDescription
	if err := json.Unmarshal(row.Payload, &desc); err != nil {
		c.logger.Warnw("dropping signal with malformed payload", "type", row.Type, "error", err)
		return
	}
	sig := domain.Signal{Kind: row.Type, Description: desc, Scope: c.agentID}
	if sig.Kind != domain.SignalOffer && sig.Kind != domain.SignalAnswer {
		c.logger.Warnw("dropping unknown signal type", "type", row.Type)
		return
	}
	select {
	case c.signals <- sig:
	case <-c.done:
	}
}

func (c *StoreChannel) Send(ctx context.Context, sig domain.Signal) error {
	payload, err := json.Marshal(sig.Description)
	if err != nil {
		return &domain.SignalingError{Op: "send", Err: err}
	}
	return c.insert(ctx, sig.Kind, payload)
}

func (c *StoreChannel) RequestOffer(ctx context.Context) error {
	return c.insert(ctx, domain.SignalStartVideo, json.RawMessage(`{}`))
}

func (c *StoreChannel) insert(ctx context.Context, kind domain.SignalKind, payload json.RawMessage) error {
	c.mu.Lock()
	opened, closed := c.opened, c.closed
	c.mu.Unlock()
	if closed {
		return &domain.SignalingError{Op: "send", Err: domain.ErrSessionClosed}
	}
	if !opened {
		return &domain.SignalingError{Op: "send", Err: fmt.Errorf("channel not open")}
	}

	row := &domain.SignalRow{Type: kind, Payload: payload}
	if c.self == domain.PartyOperator {
		row.SenderID, row.RecipientID = c.operator, string(c.agentID)
	} else {
		row.SenderID, row.RecipientID = string(c.agentID), c.operator
	}
	ctx, span := tracing.TraceStoreOperation(ctx, "insert", string(domain.TableSignaling))
	defer span.End()
	if err := c.store.InsertSignal(ctx, row); err != nil {
		tracing.SetSpanStatus(ctx, codes.Error, err.Error())
		return &domain.SignalingError{Op: "send", Err: &domain.StoreWriteError{Table: domain.TableSignaling, Err: err}}
	}
	c.metrics.SignalSent(string(kind), TransportStore)
	c.logger.Debugw("signal sent", "type", kind, "row_id", row.ID)
	return nil
}

func (c *StoreChannel) Signals() <-chan domain.Signal { return c.signals }

func (c *StoreChannel) OfferRequests() <-chan struct{} { return c.requests }

func (c *StoreChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.mu.Unlock()

	close(c.done)
	if sub != nil {
		sub.Close()
	}
	c.wg.Wait()
	return nil
}
