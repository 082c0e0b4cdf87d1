package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const queueFileName = "queue.json"

// queueFile is the on-disk representation: the sequence counter plus all
// live operations keyed by ID.
type queueFile struct {
	Seq int64                 `json:"seq"`
	Ops map[string]*Operation `json:"ops"`
}

// FileQueue persists operations as a JSON document on local disk. Every
// mutation is written through before the call returns, so acknowledged
// operations survive process restarts. Suitable for a single process;
// it performs no cross-process locking.
type FileQueue struct {
	mu     sync.Mutex
	path   string
	closed bool
}

// NewFileQueue creates a file-backed queue rooted at dir, creating the
// directory if needed. An existing queue file is picked up as-is, which
// is how operations enqueued before a crash or shutdown are recovered.
func NewFileQueue(dir string) (*FileQueue, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".synccore", "queue")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	q := &FileQueue{path: filepath.Join(dir, queueFileName)}
	// Interrupted dispatches from a previous run are still InFlight on
	// disk; return them to Pending so they are retried.
	if err := q.recover(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileQueue) recover() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	doc, err := q.load()
	if err != nil {
		return err
	}
	changed := false
	for _, op := range doc.Ops {
		if op.Status == StatusInFlight {
			op.Status = StatusPending
			op.UpdatedAt = time.Now().UTC()
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return q.write(doc)
}

func (q *FileQueue) Enqueue(ctx context.Context, op *Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	doc, err := q.load()
	if err != nil {
		return err
	}
	doc.Seq++
	cp := op.Clone()
	cp.Seq = doc.Seq
	cp.Status = StatusPending
	cp.UpdatedAt = time.Now().UTC()
	doc.Ops[cp.ID] = cp
	if err := q.write(doc); err != nil {
		return err
	}
	op.Seq = cp.Seq
	return nil
}

func (q *FileQueue) Get(ctx context.Context, id string) (*Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	doc, err := q.load()
	if err != nil {
		return nil, err
	}
	op, ok := doc.Ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	return op, nil
}

func (q *FileQueue) List(ctx context.Context) ([]*Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	doc, err := q.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Operation, 0, len(doc.Ops))
	for _, op := range doc.Ops {
		out = append(out, op)
	}
	sortBySeq(out)
	return out, nil
}

func (q *FileQueue) MarkInFlight(ctx context.Context, id string) error {
	return q.transition(id, StatusInFlight, nil)
}

func (q *FileQueue) MarkDone(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	doc, err := q.load()
	if err != nil {
		return err
	}
	op, ok := doc.Ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if !validTransition(op.Status, StatusDone) {
		return ErrInvalidTransition
	}
	delete(doc.Ops, id)
	return q.write(doc)
}

func (q *FileQueue) RetryLater(ctx context.Context, id, cause string, nextAttempt time.Time) error {
	return q.transition(id, StatusPending, func(op *Operation) {
		op.RetryCount++
		op.LastError = cause
		op.NextAttemptAt = nextAttempt
	})
}

func (q *FileQueue) MarkFailed(ctx context.Context, id, cause string) error {
	return q.transition(id, StatusFailed, func(op *Operation) {
		op.RetryCount++
		op.LastError = cause
	})
}

func (q *FileQueue) Release(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	doc, err := q.load()
	if err != nil {
		return err
	}
	op, ok := doc.Ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if op.Status != StatusInFlight {
		return ErrInvalidTransition
	}
	op.Status = StatusPending
	op.UpdatedAt = time.Now().UTC()
	return q.write(doc)
}

func (q *FileQueue) Requeue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	doc, err := q.load()
	if err != nil {
		return err
	}
	op, ok := doc.Ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if op.Status != StatusFailed {
		return ErrInvalidTransition
	}
	op.Status = StatusPending
	op.NextAttemptAt = time.Time{}
	op.UpdatedAt = time.Now().UTC()
	return q.write(doc)
}

func (q *FileQueue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	doc, err := q.load()
	if err != nil {
		return err
	}
	op, ok := doc.Ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if op.Status != StatusFailed {
		return ErrInvalidTransition
	}
	delete(doc.Ops, id)
	return q.write(doc)
}

func (q *FileQueue) Counts(ctx context.Context) (int, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, 0, ErrQueueClosed
	}
	doc, err := q.load()
	if err != nil {
		return 0, 0, err
	}
	var live, failed int
	for _, op := range doc.Ops {
		switch op.Status {
		case StatusFailed:
			failed++
		case StatusPending, StatusInFlight:
			live++
		}
	}
	return live, failed, nil
}

func (q *FileQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *FileQueue) transition(id string, to Status, mutate func(*Operation)) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	doc, err := q.load()
	if err != nil {
		return err
	}
	op, ok := doc.Ops[id]
	if !ok {
		return ErrOperationNotFound
	}
	if !validTransition(op.Status, to) {
		return ErrInvalidTransition
	}
	op.Status = to
	op.UpdatedAt = time.Now().UTC()
	if mutate != nil {
		mutate(op)
	}
	return q.write(doc)
}

func (q *FileQueue) load() (*queueFile, error) {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return &queueFile{Ops: make(map[string]*Operation)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}
	var doc queueFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse queue file: %w", err)
	}
	if doc.Ops == nil {
		doc.Ops = make(map[string]*Operation)
	}
	return &doc, nil
}

func (q *FileQueue) write(doc *queueFile) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode queue file: %w", err)
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write queue file: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("failed to replace queue file: %w", err)
	}
	return nil
}
