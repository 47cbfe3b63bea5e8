// Package cache keeps the last event seen per topic in Redis so the
// topic-inspection endpoint can answer without a table scan. The cache
// is optional: a nil *LastEventCache is a valid no-op collaborator.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const ttl = 24 * time.Hour

type LastEventCache struct{ rdb *redis.Client }

func New(addr string) *LastEventCache {
	if addr == "" {
		return nil
	}
	return &LastEventCache{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

func key(topic string) string { return "tray:last:" + topic }

func (c *LastEventCache) Set(ctx context.Context, topic string, eventJSON []byte) error {
	if c == nil {
		return nil
	}
	return c.rdb.Set(ctx, key(topic), eventJSON, ttl).Err()
}

// Get returns nil bytes on a miss, not an error.
func (c *LastEventCache) Get(ctx context.Context, topic string) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	b, err := c.rdb.Get(ctx, key(topic)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (c *LastEventCache) Delete(ctx context.Context, topic string) error {
	if c == nil {
		return nil
	}
	return c.rdb.Del(ctx, key(topic)).Err()
}

func (c *LastEventCache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}
