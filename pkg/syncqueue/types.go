// Package syncqueue implements the durable, ordered log of pending local
// mutations and the background processor that drains it against the
// remote data service. Content created offline or as a guest is never
// lost: an operation survives restarts until it is durably Done.
package syncqueue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OpType identifies the kind of remote mutation an operation performs.
type OpType string

const (
	// OpInsert creates the entry remotely.
	OpInsert OpType = "insert"
	// OpUpdate overwrites the remote entry.
	OpUpdate OpType = "update"
	// OpDelete removes the remote entry.
	OpDelete OpType = "delete"
)

// Priority orders draining: High before Normal before Low, FIFO within
// a band.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank maps a priority to its drain band. Lower drains first.
func (p Priority) rank() int64 {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	default:
		return 2
	}
}

// Status tracks an operation through its lifecycle. The only legal
// transitions are Pending→InFlight→{Done|Failed}, plus Failed→Pending
// for operator-requested retry and InFlight→Pending for requeueing.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusFailed   Status = "failed"
	StatusDone     Status = "done"
)

// Operation is one pending local mutation awaiting application to the
// remote store. Once enqueued, the operation (payload included) is owned
// exclusively by the queue.
type Operation struct {
	// ID is the unique operation identifier.
	ID string `json:"id"`
	// Seq is the backend-assigned monotonic sequence number; it fixes
	// arrival order and is the FIFO tie-break within a priority band.
	Seq int64 `json:"seq"`
	// Type is the mutation kind.
	Type OpType `json:"type"`
	// ItemID identifies the content item the mutation targets. Operations
	// sharing an ItemID are applied in enqueue order.
	ItemID string `json:"itemId"`
	// UserID is the owning user.
	UserID string `json:"userId"`
	// Priority is the drain band.
	Priority Priority `json:"priority"`
	// Status is the lifecycle position.
	Status Status `json:"status"`
	// Payload is an immutable snapshot of the content item.
	Payload json.RawMessage `json:"payload,omitempty"`
	// RetryCount is the number of failed application attempts so far.
	RetryCount int `json:"retryCount"`
	// LastError describes the most recent failure (optional).
	LastError string `json:"lastError,omitempty"`
	// NextAttemptAt gates backoff: the operation is not eligible for
	// dispatch before this instant. Zero means immediately eligible.
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
	// EnqueuedAt is when the operation entered the queue.
	EnqueuedAt time.Time `json:"enqueuedAt"`
	// UpdatedAt is when the operation last changed state.
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewOperation builds a Pending operation ready for Enqueue. The backend
// assigns Seq.
func NewOperation(typ OpType, itemID, userID string, priority Priority, payload json.RawMessage) *Operation {
	now := time.Now().UTC()
	return &Operation{
		ID:         uuid.New().String(),
		Type:       typ,
		ItemID:     itemID,
		UserID:     userID,
		Priority:   priority,
		Status:     StatusPending,
		Payload:    payload,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep-enough copy: the payload is shared because it is
// immutable once enqueued.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

// ready reports whether the operation may be dispatched at the given
// instant.
func (o *Operation) ready(now time.Time) bool {
	return o.Status == StatusPending && !o.NextAttemptAt.After(now)
}

// SyncStatus is the aggregate queue condition reported to the
// application.
type SyncStatus struct {
	// PendingOperations counts operations not yet Done and not
	// terminally Failed.
	PendingOperations int `json:"pendingOperations"`
	// FailedOperations counts operations whose retry budget is exhausted.
	// They stay visible until requeued or discarded.
	FailedOperations int `json:"failedOperations"`
	// IsProcessing reports whether a drain pass is active.
	IsProcessing bool `json:"isProcessing"`
}
