package ports

import (
	"context"
	"encoding/json"
)

// RelayMessage is one broadcast received on a topic.
type RelayMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Sender  string          `json:"sender,omitempty"`
}

// Relay is the pub/sub collaborator. Join returns only after the relay has
// confirmed the subscription; broadcasts are never echoed to the sender.
type Relay interface {
	Join(ctx context.Context, topic string) (RelayChannel, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

type RelayChannel interface {
	Topic() string
	Broadcast(ctx context.Context, event string, payload json.RawMessage) error
	Messages() <-chan RelayMessage
	Close() error
}
