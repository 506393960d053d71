package ports

import (
	"context"

	"fleetdesk/internal/core/domain"
)

// SignalingChannel carries OFFER and ANSWER for one agent session. Open
// returns once the transport can deliver the first message. Signals scoped
// to another agent never appear on Signals.
type SignalingChannel interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, sig domain.Signal) error
	// RequestOffer asks the agent to start the reverse-offer flow.
	RequestOffer(ctx context.Context) error
	Signals() <-chan domain.Signal
	// OfferRequests fires on the agent side for each RequestOffer.
	OfferRequests() <-chan struct{}
	Close() error
}

// SignalingFactory builds a fresh channel for one session attempt.
type SignalingFactory func(agentID domain.AgentID, self domain.Party) SignalingChannel

// ControlChannel sends input events to an agent. Send never blocks and is
// a no-op after Close.
type ControlChannel interface {
	Send(event domain.ControlEvent)
	Close() error
}
