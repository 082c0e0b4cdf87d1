package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig holds Redis queue configuration.
type RedisQueueConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password for Redis authentication (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// KeyPrefix namespaces all queue keys. Default: "synccore:queue".
	KeyPrefix string
	// PoolSize is the connection pool size. Default: 10.
	PoolSize int
}

// RedisQueue persists operations in Redis: a hash holds each operation's
// JSON document keyed by ID, a sorted set indexes dispatch order, and a
// counter allocates sequence numbers. It is safe for concurrent use and
// can be shared across processes.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// dispatchScore packs the priority band and sequence number into a
// sorted-set score. The band occupies the high bits so higher-priority
// operations always sort first; seq breaks ties FIFO. float64 represents
// integers exactly up to 2^53, which leaves room for 2^40 operations.
func dispatchScore(op *Operation) float64 {
	return float64(op.Priority.rank()<<40 | op.Seq)
}

// NewRedisQueue creates a Redis-backed queue and verifies connectivity.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisQueue(client, cfg.KeyPrefix), nil
}

// NewRedisQueueFromClient wraps an existing Redis client. The caller
// keeps ownership of the client.
func NewRedisQueueFromClient(client *redis.Client, keyPrefix string) *RedisQueue {
	return newRedisQueue(client, keyPrefix)
}

func newRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "synccore:queue"
	}
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) opsKey() string   { return q.prefix + ":ops" }
func (q *RedisQueue) indexKey() string { return q.prefix + ":index" }
func (q *RedisQueue) seqKey() string   { return q.prefix + ":seq" }

func (q *RedisQueue) Enqueue(ctx context.Context, op *Operation) error {
	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence number: %w", err)
	}
	cp := op.Clone()
	cp.Seq = seq
	cp.Status = StatusPending
	cp.UpdatedAt = time.Now().UTC()
	if err := q.store(ctx, cp); err != nil {
		return err
	}
	if err := q.client.ZAdd(ctx, q.indexKey(), redis.Z{Score: dispatchScore(cp), Member: cp.ID}).Err(); err != nil {
		return fmt.Errorf("failed to index operation: %w", err)
	}
	op.Seq = seq
	return nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*Operation, error) {
	data, err := q.client.HGet(ctx, q.opsKey(), id).Result()
	if err == redis.Nil {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation: %w", err)
	}
	return decodeOperation([]byte(data))
}

func (q *RedisQueue) List(ctx context.Context) ([]*Operation, error) {
	// The dispatch index is the authority on which operations exist; the
	// hash only holds their documents. ZRange returns IDs in dispatch
	// order (priority band, then seq), List's contract is seq order.
	ids, err := q.client.ZRange(ctx, q.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dispatch index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := q.client.HMGet(ctx, q.opsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	out := make([]*Operation, 0, len(raws))
	for _, raw := range raws {
		doc, ok := raw.(string)
		if !ok {
			// Index entry whose document is gone; ignore it.
			continue
		}
		op, err := decodeOperation([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	sortBySeq(out)
	return out, nil
}

func (q *RedisQueue) MarkInFlight(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusInFlight, nil)
}

func (q *RedisQueue) MarkDone(ctx context.Context, id string) error {
	op, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if !validTransition(op.Status, StatusDone) {
		return ErrInvalidTransition
	}
	return q.remove(ctx, id)
}

func (q *RedisQueue) RetryLater(ctx context.Context, id, cause string, nextAttempt time.Time) error {
	return q.transition(ctx, id, StatusPending, func(op *Operation) {
		op.RetryCount++
		op.LastError = cause
		op.NextAttemptAt = nextAttempt
	})
}

func (q *RedisQueue) MarkFailed(ctx context.Context, id, cause string) error {
	return q.transition(ctx, id, StatusFailed, func(op *Operation) {
		op.RetryCount++
		op.LastError = cause
	})
}

func (q *RedisQueue) Release(ctx context.Context, id string) error {
	op, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != StatusInFlight {
		return ErrInvalidTransition
	}
	op.Status = StatusPending
	op.UpdatedAt = time.Now().UTC()
	return q.store(ctx, op)
}

func (q *RedisQueue) Requeue(ctx context.Context, id string) error {
	op, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != StatusFailed {
		return ErrInvalidTransition
	}
	op.Status = StatusPending
	op.NextAttemptAt = time.Time{}
	op.UpdatedAt = time.Now().UTC()
	return q.store(ctx, op)
}

func (q *RedisQueue) Discard(ctx context.Context, id string) error {
	op, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Status != StatusFailed {
		return ErrInvalidTransition
	}
	return q.remove(ctx, id)
}

func (q *RedisQueue) Counts(ctx context.Context) (int, int, error) {
	ops, err := q.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	var live, failed int
	for _, op := range ops {
		switch op.Status {
		case StatusFailed:
			failed++
		case StatusPending, StatusInFlight:
			live++
		}
	}
	return live, failed, nil
}

// Close closes the underlying Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) transition(ctx context.Context, id string, to Status, mutate func(*Operation)) error {
	op, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if !validTransition(op.Status, to) {
		return ErrInvalidTransition
	}
	op.Status = to
	op.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(op)
	}
	return q.store(ctx, op)
}

func (q *RedisQueue) store(ctx context.Context, op *Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode operation: %w", err)
	}
	if err := q.client.HSet(ctx, q.opsKey(), op.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to store operation: %w", err)
	}
	return nil
}

func (q *RedisQueue) remove(ctx context.Context, id string) error {
	pipe := q.client.Pipeline()
	pipe.HDel(ctx, q.opsKey(), id)
	pipe.ZRem(ctx, q.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove operation: %w", err)
	}
	return nil
}

func decodeOperation(data []byte) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("failed to decode operation: %w", err)
	}
	return &op, nil
}
