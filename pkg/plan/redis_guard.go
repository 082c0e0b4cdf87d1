package plan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuard implements Guard on a Redis hash keyed by user ID.
type RedisGuard struct {
	client *redis.Client
	key    string
	mu     sync.RWMutex
	closed bool
}

// RedisGuardConfig holds Redis guard configuration.
type RedisGuardConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Key is the hash holding per-user tiers (default: "synccore:plan").
	Key string
}

// NewRedisGuard creates a Redis-backed guard and verifies connectivity.
func NewRedisGuard(cfg RedisGuardConfig) (*RedisGuard, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisGuardFromClient(client, cfg.Key), nil
}

// NewRedisGuardFromClient creates a guard from an existing client.
// This is useful for testing with miniredis.
func NewRedisGuardFromClient(client *redis.Client, key string) *RedisGuard {
	if key == "" {
		key = "synccore:plan"
	}
	return &RedisGuard{
		client: client,
		key:    key,
	}
}

// Tier returns the user's current tier, TierGuest when unrecorded.
func (g *RedisGuard) Tier(ctx context.Context, userID string) (Tier, error) {
	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return "", ErrGuardClosed
	}
	g.mu.RUnlock()

	val, err := g.client.HGet(ctx, g.key, userID).Result()
	if errors.Is(err, redis.Nil) {
		return TierGuest, nil
	}
	if err != nil {
		return "", fmt.Errorf("read plan tier: %w", err)
	}
	return Tier(val), nil
}

// SetTier durably records the user's tier.
func (g *RedisGuard) SetTier(ctx context.Context, userID string, tier Tier) error {
	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return ErrGuardClosed
	}
	g.mu.RUnlock()

	if err := g.client.HSet(ctx, g.key, userID, string(tier)).Err(); err != nil {
		return fmt.Errorf("write plan tier: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (g *RedisGuard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	return g.client.Close()
}
