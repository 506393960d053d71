package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"fleetdesk/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey = keyPrefix + "schema:version"
	schemaTablesKey  = keyPrefix + "schema:tables"
)

type migration struct {
	version int
	name    string
	up      func(ctx context.Context, client *redis.Client) error
}

// migrations run in order; the schema version is the last applied entry.
var migrations = []migration{
	{version: 1, name: "register tables", up: registerTables},
	{version: 2, name: "default agent settings", up: backfillAgentSettings},
}

// Migrate applies every migration newer than the stored schema version.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	current, err := client.Get(ctx, schemaVersionKey).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.up(ctx, client); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.version, 0).Err(); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}
		current = m.version
		if logger != nil {
			logger.Infow("applied redis migration", "version", m.version, "name", m.name)
		}
	}
	return nil
}

// registerTables lists the logical tables whose change channels exist.
func registerTables(ctx context.Context, client *redis.Client) error {
	return client.SAdd(ctx, schemaTablesKey,
		string(domain.TableAgents),
		string(domain.TableCommands),
		string(domain.TableSignaling),
		string(domain.TableScreenshots),
		string(domain.TableVideos),
	).Err()
}

// backfillAgentSettings gives agents stored without settings the defaults.
func backfillAgentSettings(ctx context.Context, client *redis.Client) error {
	ids, err := client.SMembers(ctx, agentsKey).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		key := agentKey(domain.AgentID(id))
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		var agent domain.Agent
		if json.Unmarshal(data, &agent) != nil || agent.Settings.ScreenshotInterval > 0 {
			continue
		}
		agent.Settings = domain.DefaultAgentSettings()
		out, err := json.Marshal(agent)
		if err != nil {
			return err
		}
		if err := client.Set(ctx, key, out, 0).Err(); err != nil {
			return err
		}
	}
	return nil
}
