package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/badgehub/badgehub-core/pkg/badge"
)

const (
	// Redis key prefix for projections.
	projectionKeyPrefix = "badgehub:projection:"
	// Redis key prefix for the per-entity set of projection keys.
	indexKeyPrefix = "badgehub:projection-index:"

	fieldContentType = "type"
	fieldBody        = "body"
)

// RedisCache is a Cache shared between instances through Redis. Each entry is
// a hash holding the content type and body; a set per entity lists its keys
// so Invalidate can drop every version.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache on an existing client. A zero ttl keeps
// entries until invalidated.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Connect parses a redis:// URL, dials and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func indexKey(kind badge.Kind, entityID string) string {
	return indexKeyPrefix + Key{Kind: kind, EntityID: entityID}.prefix()
}

func (c *RedisCache) Get(ctx context.Context, key Key) (Entry, bool, error) {
	vals, err := c.client.HGetAll(ctx, projectionKeyPrefix+key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	body, ok := vals[fieldBody]
	if !ok {
		return Entry{}, false, nil
	}
	return Entry{ContentType: vals[fieldContentType], Body: []byte(body)}, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key Key, e Entry) error {
	k := projectionKeyPrefix + key.String()
	idx := indexKey(key.Kind, key.EntityID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k, fieldContentType, e.ContentType, fieldBody, e.Body)
		pipe.SAdd(ctx, idx, k)
		if c.ttl > 0 {
			pipe.Expire(ctx, k, c.ttl)
			pipe.Expire(ctx, idx, c.ttl)
		}
		return nil
	})
	return err
}

func (c *RedisCache) Invalidate(ctx context.Context, kind badge.Kind, entityID string) error {
	idx := indexKey(kind, entityID)
	keys, err := c.client.SMembers(ctx, idx).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return c.client.Del(ctx, append(keys, idx)...).Err()
}

// Health pings the server.
func (c *RedisCache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
