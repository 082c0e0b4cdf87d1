package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend using a Redis hash with one hash field
// per session field. Suitable when the device's durable store is backed
// by a local or embedded Redis.
type RedisBackend struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Key is the hash key holding the session (default: "synccore:session").
	Key string
	// SessionTTL is the session expiry duration (0 = never expire).
	SessionTTL time.Duration
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// NewRedisBackend creates a new Redis session backend.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	key := cfg.Key
	if key == "" {
		key = "synccore:session"
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisBackend{
		client: client,
		key:    key,
		ttl:    cfg.SessionTTL,
	}, nil
}

// NewRedisBackendFromClient creates a Redis backend from an existing client.
// This is useful for testing with miniredis.
func NewRedisBackendFromClient(client *redis.Client, key string, ttl time.Duration) *RedisBackend {
	if key == "" {
		key = "synccore:session"
	}
	return &RedisBackend{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

// SaveSession stores each session field as its own hash field.
func (b *RedisBackend) SaveSession(ctx context.Context, s *Session) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStoreClosed
	}
	b.mu.RUnlock()

	fields := map[string]any{
		entryUserID:       s.UserID,
		entryEmail:        s.Email,
		entryDisplayName:  s.DisplayName,
		entryIsAnonymous:  strconv.FormatBool(s.IsAnonymous),
		entryCreatedAt:    strconv.FormatInt(s.CreatedAt, 10),
		entryLastActiveAt: strconv.FormatInt(s.LastActiveAt, 10),
		entryAccessToken:  s.AccessToken,
		entryRefreshToken: s.RefreshToken,
	}

	pipe := b.client.Pipeline()
	pipe.HSet(ctx, b.key, fields)
	if b.ttl > 0 {
		pipe.Expire(ctx, b.key, b.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession reads all stored hash fields and assembles a session.
func (b *RedisBackend) LoadSession(ctx context.Context) (*Session, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	b.mu.RUnlock()

	fields, err := b.client.HGetAll(ctx, b.key).Result()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	if fields[entryUserID] == "" || fields[entryEmail] == "" {
		return nil, ErrSessionNotFound
	}

	createdAt, _ := strconv.ParseInt(fields[entryCreatedAt], 10, 64)
	lastActiveAt, _ := strconv.ParseInt(fields[entryLastActiveAt], 10, 64)
	isAnonymous, _ := strconv.ParseBool(fields[entryIsAnonymous])

	return &Session{
		UserID:       fields[entryUserID],
		Email:        fields[entryEmail],
		DisplayName:  fields[entryDisplayName],
		IsAnonymous:  isAnonymous,
		CreatedAt:    createdAt,
		LastActiveAt: lastActiveAt,
		AccessToken:  fields[entryAccessToken],
		RefreshToken: fields[entryRefreshToken],
	}, nil
}

// ClearSession removes the session hash.
func (b *RedisBackend) ClearSession(ctx context.Context) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStoreClosed
	}
	b.mu.RUnlock()

	if err := b.client.Del(ctx, b.key).Err(); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Ping checks if the Redis connection is alive.
func (b *RedisBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStoreClosed
	}
	b.mu.RUnlock()

	return b.client.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
