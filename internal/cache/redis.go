package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "kestrel"
	purgeBatch       = 200
)

// RedisCache stores entries as plain Redis strings under
// <prefix>:<tenant>:<key>. It is the Pro tier cache and the second tier of
// TwoPhaseCache.
type RedisCache struct {
	client redis.Cmdable
	closer func() error
	prefix string
}

// NewRedisCache dials Redis and checks the connection.
func NewRedisCache(addr, password string, db int, prefix string) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := NewRedisCacheFromClient(client, prefix)
	c.closer = client.Close
	return c, nil
}

// NewRedisCacheFromClient wraps an existing client. The caller owns the client.
func NewRedisCacheFromClient(client redis.Cmdable, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}

	val, err := c.client.Get(ctx, c.key(tenantID, key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return errTenantRequired
	}
	if ttl <= 0 {
		return c.Delete(ctx, tenantID, key)
	}
	return c.client.Set(ctx, c.key(tenantID, key), value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return errTenantRequired
	}
	return c.client.Del(ctx, c.key(tenantID, key)).Err()
}

// Purge scans the tenant's namespace and unlinks what it finds in batches.
func (c *RedisCache) Purge(ctx context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, errTenantRequired
	}
	match := escapeGlob(c.prefix) + ":" + escapeGlob(tenantID) + ":*"

	var (
		cursor uint64
		purged int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, match, purgeBatch).Result()
		if err != nil {
			return purged, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := c.client.Unlink(ctx, keys...).Result()
			if err != nil {
				return purged, fmt.Errorf("redis unlink: %w", err)
			}
			purged += int(n)
		}
		if next == 0 {
			return purged, nil
		}
		cursor = next
	}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection when the cache owns it.
func (c *RedisCache) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *RedisCache) key(tenantID, key string) string {
	return c.prefix + ":" + tenantID + ":" + key
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapeGlob quotes SCAN MATCH metacharacters; the global tenant is "*".
func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
