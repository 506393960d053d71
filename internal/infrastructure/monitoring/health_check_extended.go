package monitoring

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type pinger interface {
	HealthCheck(ctx context.Context) error
}

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddStoreCheck adds a health check for the reactive store
func (h *HealthChecker) AddStoreCheck(store pinger, interval, timeout time.Duration) {
	h.AddCheck("store", store.HealthCheck, interval, timeout)
}

// AddRelayCheck adds a health check for the pub/sub relay
func (h *HealthChecker) AddRelayCheck(relay pinger, interval, timeout time.Duration) {
	h.AddCheck("relay", relay.HealthCheck, interval, timeout)
}

// GetReadinessStatus returns readiness status for load balancer
func (h *HealthChecker) GetReadinessStatus(ctx context.Context) HealthStatus {
	return h.CheckAll(ctx)
}
