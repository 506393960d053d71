package repositories

import (
	"context"
	"errors"
	"fmt"

	"fleetdesk/internal/core/ports"
	"fleetdesk/internal/infrastructure/relay"
	"fleetdesk/internal/infrastructure/repositories/memory"
	redisrepo "fleetdesk/internal/infrastructure/repositories/redis"
	"fleetdesk/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Factory builds the store and relay named by configuration. A redis store
// that cannot connect falls back to the memory store.
type Factory struct {
	cfg         *config.Config
	redisClient *redis.Client
	useRedis    bool
	logger      *zap.SugaredLogger
}

// NewFactory connects to Redis when the store or relay driver needs it.
func NewFactory(cfg *config.Config, logger *zap.SugaredLogger) (*Factory, error) {
	f := &Factory{cfg: cfg, logger: logger}

	if cfg.Store.Driver == "redis" || cfg.Relay.Driver == "redis" {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			if cfg.Relay.Driver == "redis" {
				return nil, fmt.Errorf("redis relay: %w", err)
			}
			logger.Warnw("failed to connect to Redis, falling back to memory store",
				"error", err,
			)
		} else {
			f.redisClient = client
			f.useRedis = cfg.Store.Driver == "redis"
		}
	}

	if f.useRedis {
		logger.Info("using Redis store")
	} else {
		logger.Info("using memory store")
	}
	return f, nil
}

// RedisClient returns the shared client, or nil when Redis is not in use.
func (f *Factory) RedisClient() *redis.Client {
	return f.redisClient
}

// CreateStore returns the reactive store.
func (f *Factory) CreateStore() ports.Store {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewStore(f.redisClient, f.logger)
	}
	return memory.NewStore()
}

// CreateRelay returns the broadcast relay. The websocket driver dials the
// relay hub and fails if it is unreachable.
func (f *Factory) CreateRelay(ctx context.Context) (ports.Relay, error) {
	switch f.cfg.Relay.Driver {
	case "redis":
		if f.redisClient == nil {
			return nil, errors.New("redis relay requires a redis connection")
		}
		return relay.NewRedisRelay(f.redisClient, f.logger), nil
	case "websocket":
		ws, err := relay.DialWebSocketRelay(ctx, f.cfg.Relay.URL, nil, f.logger)
		if err != nil {
			return nil, err
		}
		return ws, nil
	default:
		return relay.NewMemoryRelay(), nil
	}
}

// Close closes the Redis connection if used. The redis store closes the
// same client, so an already closed client is not an error.
func (f *Factory) Close() error {
	if f.redisClient == nil {
		return nil
	}
	if err := redisrepo.CloseRedisClient(f.redisClient); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *Factory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
