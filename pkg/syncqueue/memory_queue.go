package syncqueue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-memory Queue. Operations do not survive restarts;
// it exists for tests and ephemeral tooling.
type MemoryQueue struct {
	mu     sync.RWMutex
	ops    map[string]*Operation
	seq    int64
	closed bool
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{ops: make(map[string]*Operation)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, op *Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.seq++
	cp := op.Clone()
	cp.Seq = q.seq
	cp.Status = StatusPending
	cp.UpdatedAt = time.Now().UTC()
	q.ops[cp.ID] = cp
	op.Seq = cp.Seq
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, id string) (*Operation, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	op, ok := q.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op.Clone(), nil
}

func (q *MemoryQueue) List(ctx context.Context) ([]*Operation, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	out := make([]*Operation, 0, len(q.ops))
	for _, op := range q.ops {
		out = append(out, op.Clone())
	}
	sortBySeq(out)
	return out, nil
}

func (q *MemoryQueue) MarkInFlight(ctx context.Context, id string) error {
	return q.transition(id, StatusInFlight, func(op *Operation) {})
}

func (q *MemoryQueue) MarkDone(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	op, ok := q.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if !validTransition(op.Status, StatusDone) {
		return ErrInvalidTransition
	}
	delete(q.ops, id)
	return nil
}

func (q *MemoryQueue) RetryLater(ctx context.Context, id, cause string, nextAttempt time.Time) error {
	return q.transition(id, StatusPending, func(op *Operation) {
		op.RetryCount++
		op.LastError = cause
		op.NextAttemptAt = nextAttempt
	})
}

func (q *MemoryQueue) MarkFailed(ctx context.Context, id, cause string) error {
	return q.transition(id, StatusFailed, func(op *Operation) {
		op.RetryCount++
		op.LastError = cause
	})
}

func (q *MemoryQueue) Release(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	op, ok := q.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if op.Status != StatusInFlight {
		return ErrInvalidTransition
	}
	op.Status = StatusPending
	op.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	op, ok := q.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if op.Status != StatusFailed {
		return ErrInvalidTransition
	}
	op.Status = StatusPending
	op.NextAttemptAt = time.Time{}
	op.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *MemoryQueue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	op, ok := q.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if op.Status != StatusFailed {
		return ErrInvalidTransition
	}
	delete(q.ops, id)
	return nil
}

func (q *MemoryQueue) Counts(ctx context.Context) (int, int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return 0, 0, ErrQueueClosed
	}
	var live, failed int
	for _, op := range q.ops {
		switch op.Status {
		case StatusFailed:
			failed++
		case StatusPending, StatusInFlight:
			live++
		}
	}
	return live, failed, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.ops = nil
	return nil
}

// transition applies a validated state change plus mutation under the
// write lock.
func (q *MemoryQueue) transition(id string, to Status, mutate func(*Operation)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	op, ok := q.ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if !validTransition(op.Status, to) {
		return ErrInvalidTransition
	}
	op.Status = to
	op.UpdatedAt = time.Now().UTC()
	mutate(op)
	return nil
}
