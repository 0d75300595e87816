package domain

import (
	"context"
	"time"
)

// Cache is the byte cache that sits in front of rule documents. Every key
// lives inside a tenant namespace and an empty tenant is rejected, so one
// tenant's documents can never be served to another.
type Cache interface {
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, tenantID string, key string) error

	// Purge drops every entry of the tenant and reports how many were removed.
	Purge(ctx context.Context, tenantID string) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is "memory" or "redis".
	Type string `json:"type"`

	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `json:"keyPrefix"`

	// Local LRU tier
	LocalMaxSize int           `json:"localMaxSize"`
	LocalTTL     time.Duration `json:"localTtl"`

	// Redis tier
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redisDb"`

	// EnableTwoPhase reads the local tier before Redis.
	EnableTwoPhase bool `json:"twoPhase"`
}
