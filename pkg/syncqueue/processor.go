package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/emberjournal/synccore/internal/observability"
	"github.com/emberjournal/synccore/pkg/content"
	metrics "github.com/emberjournal/synccore/pkg/observability"
	"github.com/emberjournal/synccore/pkg/remote"
)

const (
	// DefaultWorkers bounds concurrent remote calls per drain pass.
	DefaultWorkers = 4
	// DefaultRetryCeiling is the number of failed attempts after which an
	// operation becomes Failed.
	DefaultRetryCeiling = 5
	// DefaultBackoffBase is the delay after the first failure; it doubles
	// per subsequent failure.
	DefaultBackoffBase = 2 * time.Second
	// DefaultBackoffCap bounds the backoff delay.
	DefaultBackoffCap = 60 * time.Second
	// DefaultPollInterval is how often the background loop checks for
	// work between kicks.
	DefaultPollInterval = 15 * time.Second
	// DefaultRemoteRPS limits outbound remote calls per second.
	DefaultRemoteRPS = 50
	// DefaultRemoteBurst is the limiter burst size.
	DefaultRemoteBurst = 10
)

// ProcessorConfig tunes the sync processor. Zero values take the
// package defaults.
type ProcessorConfig struct {
	Workers      int
	RetryCeiling int
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	PollInterval time.Duration
	RemoteRPS    float64
	RemoteBurst  int
}

func (c *ProcessorConfig) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = DefaultRetryCeiling
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RemoteRPS <= 0 {
		c.RemoteRPS = DefaultRemoteRPS
	}
	if c.RemoteBurst <= 0 {
		c.RemoteBurst = DefaultRemoteBurst
	}
}

// Processor drains the queue against the remote content service. It
// dispatches eligible operations to a bounded worker pool, applies
// exponential backoff on failure, and marks operations Failed once the
// retry ceiling is reached. Drain passes are serialized: concurrent
// triggers coalesce instead of racing over the same operations.
type Processor struct {
	queue   Queue
	svc     remote.ContentService
	cfg     ProcessorConfig
	limiter *rate.Limiter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	kick    chan struct{}

	drainMu  sync.Mutex
	draining atomic.Bool
}

// NewProcessor creates a processor over the given queue and remote
// service.
func NewProcessor(queue Queue, svc remote.ContentService, cfg ProcessorConfig) *Processor {
	cfg.applyDefaults()
	return &Processor{
		queue:   queue,
		svc:     svc,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RemoteRPS), cfg.RemoteBurst),
		kick:    make(chan struct{}, 1),
	}
}

// Start launches the background drain loop. Calling Start on a running
// processor is a no-op.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	p.wg.Add(1)
	go p.loop(ctx)
	log.Printf("[PROCESSOR] Started (workers=%d poll=%s)", p.cfg.Workers, p.cfg.PollInterval)
}

// Stop cancels the drain loop and waits for in-progress work to settle.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	log.Printf("[PROCESSOR] Stopped")
}

// Kick requests a drain pass outside the poll schedule, e.g. right
// after enqueuing. Kicks are coalesced.
func (p *Processor) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// IsProcessing reports whether a drain pass is currently running.
func (p *Processor) IsProcessing() bool {
	return p.draining.Load()
}

// Status summarizes queue depth and drain activity.
func (p *Processor) Status(ctx context.Context) (SyncStatus, error) {
	live, failed, err := p.queue.Counts(ctx)
	if err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{
		PendingOperations: live,
		FailedOperations:  failed,
		IsProcessing:      p.draining.Load(),
	}, nil
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.kick:
		}
		if err := p.ProcessPendingOperations(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[PROCESSOR] Drain pass failed: %v", err)
		}
	}
}

// ProcessPendingOperations drains the queue until no operation is
// dispatchable. It returns once every remaining operation is Done,
// Failed, or gated by backoff with no attempt due before the context
// would matter; no operation is left InFlight. Passes are serialized,
// so a call made while another pass runs waits for it and then drains
// whatever that pass left behind.
func (p *Processor) ProcessPendingOperations(ctx context.Context) error {
	p.drainMu.Lock()
	defer p.drainMu.Unlock()
	p.draining.Store(true)
	defer p.draining.Store(false)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ops, err := p.queue.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list operations: %w", err)
		}
		p.publishDepth(ops)

		now := time.Now()
		eligible, nextDue := selectEligible(ops, now)
		if len(eligible) == 0 {
			if nextDue.IsZero() {
				return nil
			}
			// Everything dispatchable is gated by backoff; wait for the
			// earliest due attempt.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Until(nextDue)):
			}
			continue
		}
		p.dispatchWave(ctx, eligible)
	}
}

// selectEligible picks the operations that may be dispatched now, in
// priority order, plus the earliest future attempt time among gated
// operations. An operation is held back while an older operation for
// the same item is still live, so per-item mutations apply in enqueue
// order even across priority bands.
func selectEligible(ops []*Operation, now time.Time) ([]*Operation, time.Time) {
	blocked := make(map[string]bool)
	var eligible []*Operation
	var nextDue time.Time
	for _, op := range ops { // ops are Seq-ordered
		switch op.Status {
		case StatusDone, StatusFailed:
			continue
		}
		if blocked[op.ItemID] {
			continue
		}
		blocked[op.ItemID] = true
		if op.ready(now) {
			eligible = append(eligible, op)
			continue
		}
		if op.Status == StatusPending && (nextDue.IsZero() || op.NextAttemptAt.Before(nextDue)) {
			nextDue = op.NextAttemptAt
		}
	}
	sortByDispatch(eligible)
	return eligible, nextDue
}

// dispatchWave applies a set of eligible operations through the worker
// pool and waits for all of them to settle.
func (p *Processor) dispatchWave(ctx context.Context, ops []*Operation) {
	sem := make(chan struct{}, p.cfg.Workers)
	var wg sync.WaitGroup
	for _, op := range ops {
		sem <- struct{}{}
		wg.Add(1)
		go func(op *Operation) {
			defer wg.Done()
			defer func() { <-sem }()
			p.apply(ctx, op)
		}(op)
	}
	wg.Wait()
}

// apply performs one attempt on a single operation and records the
// outcome durably before returning.
func (p *Processor) apply(ctx context.Context, op *Operation) {
	if err := p.queue.MarkInFlight(ctx, op.ID); err != nil {
		log.Printf("[PROCESSOR] Failed to claim operation %s: %v", op.ID, err)
		return
	}
	if err := p.limiter.Wait(ctx); err != nil {
		// Shutdown before the remote call; hand the operation back
		// without charging an attempt.
		p.release(ctx, op.ID)
		return
	}

	spanCtx, span := observability.StartSpanWithContext(ctx, "syncqueue.apply", map[string]any{
		"operation.id":       op.ID,
		"operation.type":     string(op.Type),
		"operation.priority": string(op.Priority),
		"operation.retries":  op.RetryCount,
	})
	start := time.Now()
	err := p.applyRemote(spanCtx, op)
	metrics.ObserveSyncApply(string(op.Type), time.Since(start))
	if err != nil {
		span.SetError(err)
	}
	span.End()

	if err == nil {
		if derr := p.queue.MarkDone(ctx, op.ID); derr != nil {
			log.Printf("[PROCESSOR] Failed to complete operation %s: %v", op.ID, derr)
			// The remote write landed but the bookkeeping did not; hand
			// the operation back so it is replayed rather than stranded
			// InFlight. Remote services tolerate the duplicate.
			p.release(ctx, op.ID)
			return
		}
		metrics.RecordSyncOperation(string(op.Type), "done")
		return
	}

	attempt := op.RetryCount + 1
	if attempt >= p.cfg.RetryCeiling {
		log.Printf("[PROCESSOR] Operation %s failed permanently after %d attempts: %v", op.ID, attempt, err)
		if ferr := p.queue.MarkFailed(ctx, op.ID, err.Error()); ferr != nil {
			log.Printf("[PROCESSOR] Failed to mark operation %s failed: %v", op.ID, ferr)
			p.release(ctx, op.ID)
		}
		metrics.RecordSyncOperation(string(op.Type), "failed")
		return
	}
	delay := p.backoffDelay(attempt)
	log.Printf("[PROCESSOR] Operation %s attempt %d failed, retrying in %s: %v", op.ID, attempt, delay, err)
	if rerr := p.queue.RetryLater(ctx, op.ID, err.Error(), time.Now().Add(delay)); rerr != nil {
		log.Printf("[PROCESSOR] Failed to schedule retry for operation %s: %v", op.ID, rerr)
		p.release(ctx, op.ID)
	}
	metrics.RecordSyncOperation(string(op.Type), "retry")
}

// release hands an in-flight operation back to Pending, best effort. It
// keeps a failed bookkeeping write from stranding the operation
// InFlight past the end of the drain pass.
func (p *Processor) release(ctx context.Context, id string) {
	if err := p.queue.Release(ctx, id); err != nil {
		log.Printf("[PROCESSOR] Failed to release operation %s: %v", id, err)
	}
}

// applyRemote performs the remote mutation for one operation.
func (p *Processor) applyRemote(ctx context.Context, op *Operation) error {
	switch op.Type {
	case OpDelete:
		return p.svc.Delete(ctx, op.UserID, op.ItemID)
	case OpInsert, OpUpdate:
		var entry content.Entry
		if err := json.Unmarshal(op.Payload, &entry); err != nil {
			return fmt.Errorf("failed to decode operation payload: %w", err)
		}
		entry.UserID = op.UserID
		if op.Type == OpInsert {
			return p.svc.Create(ctx, &entry)
		}
		return p.svc.Update(ctx, &entry)
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// backoffDelay computes the wait before the next attempt after the
// given number of failures.
func (p *Processor) backoffDelay(failures int) time.Duration {
	d := time.Duration(float64(p.cfg.BackoffBase) * math.Pow(2, float64(failures-1)))
	if d > p.cfg.BackoffCap {
		d = p.cfg.BackoffCap
	}
	return d
}

func (p *Processor) publishDepth(ops []*Operation) {
	var live, failed int
	for _, op := range ops {
		switch op.Status {
		case StatusFailed:
			failed++
		case StatusPending, StatusInFlight:
			live++
		}
	}
	metrics.SetQueueDepth(float64(live), float64(failed))
}
