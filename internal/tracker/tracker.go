// Package tracker provides the shared state used by stateful rules:
// submission logs, content-hash and device registries, last-known
// locations, perceptual-hash and geo indexes.
package tracker

import (
	"context"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Backend is a set of trackers with a shared lifecycle.
type Backend struct {
	domain.Trackers

	ping  func(ctx context.Context) error
	close func() error
}

// Ping checks the backend.
func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases the backend.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// New creates a tracker backend based on configuration.
func New(cfg domain.TrackerConfig) (*Backend, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(), nil

	case "redis":
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		b := NewRedis(client, cfg.KeyPrefix, cfg.Retention)
		b.close = client.Close
		return b, nil

	default:
		return nil, fmt.Errorf("unsupported tracker type: %s", cfg.Type)
	}
}

// Key joins key parts with ':'.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// ParseHash parses a 64-bit perceptual hash written as 16 hex digits,
// with or without a 0x prefix.
func ParseHash(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if s == "" || len(s) > 16 {
		return 0, fmt.Errorf("perceptual hash %q must be 1-16 hex digits", s)
	}
	return strconv.ParseUint(s, 16, 64)
}

// FormatHash renders a perceptual hash as 16 hex digits.
func FormatHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// Similarity is the share of equal bits between two 64-bit hashes.
func Similarity(a, b uint64) float64 {
	return 1 - float64(bits.OnesCount64(a^b))/64
}
