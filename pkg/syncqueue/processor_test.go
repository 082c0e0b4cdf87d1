package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberjournal/synccore/pkg/content"
)

// fakeRemote is a scriptable remote content service. failuresLeft maps
// an item ID to the number of attempts that should fail before
// succeeding; a negative value fails forever.
type fakeRemote struct {
	mu           sync.Mutex
	applied      []string
	attempts     map[string]int
	failuresLeft map[string]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		attempts:     make(map[string]int),
		failuresLeft: make(map[string]int),
	}
}

func (f *fakeRemote) record(kind, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[itemID]++
	left := f.failuresLeft[itemID]
	if left != 0 {
		if left > 0 {
			f.failuresLeft[itemID] = left - 1
		}
		return fmt.Errorf("simulated %s failure for %s", kind, itemID)
	}
	f.applied = append(f.applied, kind+":"+itemID)
	return nil
}

func (f *fakeRemote) Create(ctx context.Context, e *content.Entry) error {
	return f.record("insert", e.ID)
}

func (f *fakeRemote) Update(ctx context.Context, e *content.Entry) error {
	return f.record("update", e.ID)
}

func (f *fakeRemote) Delete(ctx context.Context, userID, entryID string) error {
	return f.record("delete", entryID)
}

func (f *fakeRemote) List(ctx context.Context, userID string) ([]*content.Entry, error) {
	return nil, nil
}

func (f *fakeRemote) appliedOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.applied))
	copy(out, f.applied)
	return out
}

func (f *fakeRemote) attemptCount(itemID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[itemID]
}

func enqueueEntryOp(t *testing.T, q Queue, typ OpType, itemID string, priority Priority) *Operation {
	t.Helper()
	entry := &content.Entry{ID: itemID, Title: "entry " + itemID}
	payload, err := json.Marshal(entry)
	require.NoError(t, err)
	op := NewOperation(typ, itemID, "user-123", priority, payload)
	require.NoError(t, q.Enqueue(context.Background(), op))
	return op
}

func fastConfig() ProcessorConfig {
	return ProcessorConfig{
		Workers:      1,
		RetryCeiling: 5,
		BackoffBase:  time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
		PollInterval: time.Hour,
	}
}

func TestProcessorDrainsByPriorityThenArrival(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	svc := newFakeRemote()
	p := NewProcessor(q, svc, fastConfig())

	enqueueEntryOp(t, q, OpInsert, "n1", PriorityNormal)
	enqueueEntryOp(t, q, OpInsert, "h1", PriorityHigh)
	enqueueEntryOp(t, q, OpInsert, "l1", PriorityLow)
	enqueueEntryOp(t, q, OpInsert, "h2", PriorityHigh)

	require.NoError(t, p.ProcessPendingOperations(context.Background()))

	assert.Equal(t, []string{"insert:h1", "insert:h2", "insert:n1", "insert:l1"}, svc.appliedOrder())

	live, failed, err := q.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, live)
	assert.Zero(t, failed)
}

func TestProcessorPerItemEnqueueOrderBeatsPriority(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	svc := newFakeRemote()
	cfg := fastConfig()
	cfg.Workers = 4
	p := NewProcessor(q, svc, cfg)

	// The update arrived later but carries a higher priority. The insert
	// must still apply first.
	enqueueEntryOp(t, q, OpInsert, "entry-1", PriorityNormal)
	enqueueEntryOp(t, q, OpUpdate, "entry-1", PriorityHigh)

	require.NoError(t, p.ProcessPendingOperations(context.Background()))

	assert.Equal(t, []string{"insert:entry-1", "update:entry-1"}, svc.appliedOrder())
}

func TestProcessorRetriesThenSucceeds(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	svc := newFakeRemote()
	svc.failuresLeft["entry-1"] = 2
	p := NewProcessor(q, svc, fastConfig())

	op := enqueueEntryOp(t, q, OpInsert, "entry-1", PriorityNormal)

	require.NoError(t, p.ProcessPendingOperations(context.Background()))

	assert.Equal(t, 3, svc.attemptCount("entry-1"))
	assert.Equal(t, []string{"insert:entry-1"}, svc.appliedOrder())

	// Success removes the operation entirely.
	_, err := q.Get(context.Background(), op.ID)
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestProcessorRetryCeilingMarksFailed(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	svc := newFakeRemote()
	svc.failuresLeft["entry-1"] = -1
	cfg := fastConfig()
	cfg.RetryCeiling = 3
	p := NewProcessor(q, svc, cfg)

	op := enqueueEntryOp(t, q, OpInsert, "entry-1", PriorityNormal)

	require.NoError(t, p.ProcessPendingOperations(context.Background()))

	assert.Equal(t, 3, svc.attemptCount("entry-1"))

	got, err := q.Get(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.LastError, "simulated insert failure")

	// Failed operations no longer count as pending but stay visible.
	status, err := p.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, status.PendingOperations)
	assert.Equal(t, 1, status.FailedOperations)
	assert.False(t, status.IsProcessing)
}

func TestProcessorFailedOperationDoesNotBlockOthers(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	svc := newFakeRemote()
	svc.failuresLeft["bad"] = -1
	cfg := fastConfig()
	cfg.RetryCeiling = 2
	p := NewProcessor(q, svc, cfg)

	enqueueEntryOp(t, q, OpInsert, "bad", PriorityHigh)
	enqueueEntryOp(t, q, OpInsert, "good", PriorityLow)

	require.NoError(t, p.ProcessPendingOperations(context.Background()))

	assert.Equal(t, []string{"insert:good"}, svc.appliedOrder())
}

func TestProcessorDeleteOperation(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	svc := newFakeRemote()
	p := NewProcessor(q, svc, fastConfig())

	op := NewOperation(OpDelete, "entry-9", "user-123", PriorityNormal, nil)
	require.NoError(t, q.Enqueue(context.Background(), op))

	require.NoError(t, p.ProcessPendingOperations(context.Background()))

	assert.Equal(t, []string{"delete:entry-9"}, svc.appliedOrder())
}

func TestProcessorEmptyQueueReturnsImmediately(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	p := NewProcessor(q, newFakeRemote(), fastConfig())

	done := make(chan error, 1)
	go func() { done <- p.ProcessPendingOperations(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("drain pass did not return on an empty queue")
	}
}

func TestProcessorBackgroundLoopKick(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	svc := newFakeRemote()
	p := NewProcessor(q, svc, fastConfig())

	p.Start(context.Background())
	defer p.Stop()
	// Second Start is a no-op.
	p.Start(context.Background())

	enqueueEntryOp(t, q, OpInsert, "entry-1", PriorityNormal)
	p.Kick()

	assert.Eventually(t, func() bool {
		return len(svc.appliedOrder()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessorStopWhileGated(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	svc := newFakeRemote()
	svc.failuresLeft["entry-1"] = -1
	cfg := fastConfig()
	cfg.BackoffBase = time.Hour
	cfg.BackoffCap = time.Hour
	p := NewProcessor(q, svc, cfg)

	enqueueEntryOp(t, q, OpInsert, "entry-1", PriorityNormal)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.ProcessPendingOperations(ctx) }()

	// The first attempt fails and the retry is gated an hour out; the
	// drain must unblock promptly on cancellation.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("drain pass did not honor cancellation")
	}

	// The failed attempt was recorded durably before the wait.
	ops, err := q.List(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, StatusPending, ops[0].Status)
	assert.Equal(t, 1, ops[0].RetryCount)
}

// flakyQueue fails a number of MarkDone calls to simulate bookkeeping
// write errors after successful remote attempts.
type flakyQueue struct {
	Queue
	mu        sync.Mutex
	doneFails int
}

func (q *flakyQueue) MarkDone(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.doneFails > 0 {
		q.doneFails--
		return fmt.Errorf("simulated bookkeeping failure")
	}
	return q.Queue.MarkDone(ctx, id)
}

func TestProcessorReleasesWhenBookkeepingFails(t *testing.T) {
	mem := NewMemoryQueue()
	defer mem.Close()
	q := &flakyQueue{Queue: mem, doneFails: 1}
	svc := newFakeRemote()
	p := NewProcessor(q, svc, fastConfig())

	enqueueEntryOp(t, q, OpInsert, "entry-1", PriorityNormal)

	require.NoError(t, p.ProcessPendingOperations(context.Background()))

	// The first completion write failed, so the operation was handed
	// back and replayed within the same drain pass instead of being
	// stranded InFlight.
	assert.Equal(t, 2, svc.attemptCount("entry-1"))

	ops, err := mem.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestProcessorBackoffDelayDoublesAndCaps(t *testing.T) {
	p := NewProcessor(NewMemoryQueue(), newFakeRemote(), ProcessorConfig{
		BackoffBase: 2 * time.Second,
		BackoffCap:  60 * time.Second,
	})

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.backoffDelay(tt.failures), "failures=%d", tt.failures)
	}
}

func TestProcessorUnknownTypeFails(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	cfg := fastConfig()
	cfg.RetryCeiling = 1
	p := NewProcessor(q, newFakeRemote(), cfg)

	op := NewOperation(OpType("purge"), "entry-1", "user-123", PriorityNormal, nil)
	require.NoError(t, q.Enqueue(context.Background(), op))

	require.NoError(t, p.ProcessPendingOperations(context.Background()))

	got, err := q.Get(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "unknown operation type")
}
