package signaling

import (
	"fmt"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"

	"go.uber.org/zap"
)

// NewFactory returns a SignalingFactory for the named transport.
func NewFactory(transport string, store ports.Store, relay ports.Relay, operatorID string, metrics ports.Metrics, logger *zap.SugaredLogger) (ports.SignalingFactory, error) {
	switch transport {
	case TransportStore:
		if store == nil {
			return nil, fmt.Errorf("store transport requires a store")
		}
		return func(agentID domain.AgentID, self domain.Party) ports.SignalingChannel {
			return NewStoreChannel(store, agentID, self, operatorID, metrics, logger)
		}, nil
	case TransportBroadcast, "":
		if relay == nil {
			return nil, fmt.Errorf("broadcast transport requires a relay")
		}
		return func(agentID domain.AgentID, self domain.Party) ports.SignalingChannel {
			return NewBroadcastChannel(relay, agentID, self, metrics, logger)
		}, nil
	default:
		return nil, fmt.Errorf("unknown signaling transport %q", transport)
	}
}
