package syncqueue

import (
	"context"
	"errors"
	"sort"
	"time"
)

var (
	// ErrOperationNotFound is returned when an operation ID is unknown.
	ErrOperationNotFound = errors.New("operation not found")
	// ErrQueueClosed is returned when the queue has been closed.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrInvalidTransition is returned when a state change violates the
	// operation lifecycle.
	ErrInvalidTransition = errors.New("invalid operation state transition")
)

// Queue is the durable operation log. Implementations persist every
// state change before returning, so an acknowledged transition survives
// process restarts.
type Queue interface {
	// Enqueue persists a new Pending operation and assigns its Seq.
	Enqueue(ctx context.Context, op *Operation) error

	// Get returns a copy of the operation with the given ID.
	Get(ctx context.Context, id string) (*Operation, error)

	// List returns copies of all operations ordered by Seq ascending.
	List(ctx context.Context) ([]*Operation, error)

	// MarkInFlight transitions Pending→InFlight.
	MarkInFlight(ctx context.Context, id string) error

	// MarkDone transitions InFlight→Done. Done operations are removed
	// from the queue.
	MarkDone(ctx context.Context, id string) error

	// RetryLater transitions InFlight→Pending after a failed attempt,
	// incrementing RetryCount and gating the next attempt.
	RetryLater(ctx context.Context, id, cause string, nextAttempt time.Time) error

	// MarkFailed transitions InFlight→Failed after the final permitted
	// attempt, incrementing RetryCount. Failed operations stay in the
	// queue but are never dispatched automatically.
	MarkFailed(ctx context.Context, id, cause string) error

	// Release transitions InFlight→Pending without counting an attempt,
	// used when dispatch is abandoned before the remote call.
	Release(ctx context.Context, id string) error

	// Requeue transitions Failed→Pending, clearing the backoff gate, for
	// an explicit retry request.
	Requeue(ctx context.Context, id string) error

	// Discard removes a Failed operation permanently.
	Discard(ctx context.Context, id string) error

	// Counts returns the number of live (Pending or InFlight) and Failed
	// operations.
	Counts(ctx context.Context) (live, failed int, err error)

	// Close releases backend resources.
	Close() error
}

// validTransition reports whether from→to is a legal lifecycle move.
func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInFlight
	case StatusInFlight:
		return to == StatusDone || to == StatusFailed || to == StatusPending
	case StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}

// sortBySeq orders operations by arrival.
func sortBySeq(ops []*Operation) {
	sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
}

// sortByDispatch orders operations for dispatch: priority band first,
// arrival order within a band.
func sortByDispatch(ops []*Operation) {
	sort.Slice(ops, func(i, j int) bool {
		ri, rj := ops[i].Priority.rank(), ops[j].Priority.rank()
		if ri != rj {
			return ri < rj
		}
		return ops[i].Seq < ops[j].Seq
	})
}
