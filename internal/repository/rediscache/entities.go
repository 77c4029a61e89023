// Package rediscache fronts the entity registry with a Redis read-through cache.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/repository"
)

const keyPrefix = "taskwatch:entity:"

// Client is the subset of the Redis API the cache needs.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

var _ repository.EntityRepository = (*EntityCache)(nil)

// EntityCache serves entity lookups from Redis, falling back to the wrapped
// repository on a miss. Redis errors never fail a lookup.
type EntityCache struct {
	client  Client
	next    repository.EntityRepository
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewEntityCache wraps next with a cache whose entries expire after ttl.
func NewEntityCache(client Client, next repository.EntityRepository, ttl time.Duration, logger *slog.Logger) *EntityCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityCache{
		client:  client,
		next:    next,
		ttl:     ttl,
		timeout: 250 * time.Millisecond,
		logger:  logger.With("component", "entity_cache"),
	}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// GetEntity returns the cached entity or loads and caches it.
func (c *EntityCache) GetEntity(ctx context.Context, name string) (*domain.Entity, error) {
	key := keyPrefix + name
	if entity, ok := c.lookup(ctx, key); ok {
		return entity, nil
	}

	entity, err := c.next.GetEntity(ctx, name)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, entity)
	return entity, nil
}

func (c *EntityCache) lookup(ctx context.Context, key string) (*domain.Entity, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("entity cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	var entity domain.Entity
	if err := json.Unmarshal(raw, &entity); err != nil {
		c.logger.Warn("discarding corrupt entity cache entry", "key", key, "error", err)
		return nil, false
	}
	return &entity, true
}

func (c *EntityCache) store(ctx context.Context, key string, entity *domain.Entity) {
	payload, err := json.Marshal(entity)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("entity cache write failed", "key", key, "error", err)
	}
}
