// Package migration moves a guest's locally stored journal entries into
// a newly authenticated account. The move itself rides the sync queue:
// the orchestrator enqueues one high-priority insert per entry tagged
// with the new user ID, upgrades the plan tier, and kicks the processor.
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/emberjournal/synccore/internal/observability"
	"github.com/emberjournal/synccore/pkg/content"
	metrics "github.com/emberjournal/synccore/pkg/observability"
	"github.com/emberjournal/synccore/pkg/plan"
	"github.com/emberjournal/synccore/pkg/session"
	"github.com/emberjournal/synccore/pkg/syncqueue"
)

// MigrationResult reports the outcome of one migration run.
type MigrationResult struct {
	// MigratedItems is the number of entries handed to the sync queue.
	MigratedItems int `json:"migratedItems"`
	// Err describes the failure, empty on success.
	Err string `json:"err,omitempty"`
}

// OK reports whether the migration completed.
func (r MigrationResult) OK() bool { return r.Err == "" }

// MigrationStatus describes where a user stands in the migration
// process.
type MigrationStatus struct {
	// Tier is the user's current plan tier.
	Tier plan.Tier `json:"tier"`
	// PendingOperations counts queued operations not yet applied.
	PendingOperations int `json:"pendingOperations"`
	// FailedOperations counts operations needing attention.
	FailedOperations int `json:"failedOperations"`
	// IsProcessing is true while the sync processor is mid-drain.
	IsProcessing bool `json:"isProcessing"`
	// IsComplete is true once the tier upgrade is durable and nothing is
	// left in the queue.
	IsComplete bool `json:"isComplete"`
}

// Orchestrator coordinates guest-to-user migration. Runs are
// serialized; a second call while one is active waits and then sees the
// upgraded tier, so migration is idempotent.
type Orchestrator struct {
	guard plan.Guard
	local content.Repository
	queue syncqueue.Queue
	proc  *syncqueue.Processor

	mu sync.Mutex
}

// NewOrchestrator creates a migration orchestrator.
func NewOrchestrator(guard plan.Guard, local content.Repository, queue syncqueue.Queue, proc *syncqueue.Processor) *Orchestrator {
	return &Orchestrator{
		guard: guard,
		local: local,
		queue: queue,
		proc:  proc,
	}
}

// IsMigrationNeeded reports whether the user still holds the guest
// tier.
func (o *Orchestrator) IsMigrationNeeded(ctx context.Context, userID string) (bool, error) {
	tier, err := o.guard.Tier(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to read plan tier: %w", err)
	}
	return tier == plan.TierGuest, nil
}

// MigrateGuestToUser enqueues every locally stored entry as a
// high-priority insert under the authenticated user, upgrades the plan
// tier, and triggers a sync pass. Entries that cannot be enqueued are
// logged and skipped; they stay in local storage and the run still
// counts the rest. Calling it for a user already past the guest tier
// succeeds immediately with zero items.
func (o *Orchestrator) MigrateGuestToUser(ctx context.Context, sess *session.Session) MigrationResult {
	o.mu.Lock()
	defer o.mu.Unlock()

	if sess == nil || sess.UserID == "" {
		return MigrationResult{Err: "no authenticated session"}
	}

	spanCtx, span := observability.StartSpanWithContext(ctx, "migration.run", map[string]any{
		"user.id": sess.UserID,
	})
	defer span.End()

	tier, err := o.guard.Tier(spanCtx, sess.UserID)
	if err != nil {
		span.SetError(err)
		return MigrationResult{Err: fmt.Sprintf("failed to read plan tier: %v", err)}
	}
	if tier != plan.TierGuest {
		// Already migrated; nothing to do.
		return MigrationResult{}
	}

	entries, err := o.local.ListAll(spanCtx)
	if err != nil {
		span.SetError(err)
		return MigrationResult{Err: fmt.Sprintf("failed to enumerate local entries: %v", err)}
	}

	migrated := 0
	for _, entry := range entries {
		cp := *entry
		cp.UserID = sess.UserID
		payload, err := json.Marshal(&cp)
		if err != nil {
			log.Printf("[MIGRATION] Skipping entry %s, failed to encode: %v", entry.ID, err)
			continue
		}
		op := syncqueue.NewOperation(syncqueue.OpInsert, entry.ID, sess.UserID, syncqueue.PriorityHigh, payload)
		if err := o.queue.Enqueue(spanCtx, op); err != nil {
			log.Printf("[MIGRATION] Skipping entry %s, failed to enqueue: %v", entry.ID, err)
			continue
		}
		migrated++
	}
	span.SetAttribute("migration.items", migrated)

	// The tier upgrade must be durable before we report success; without
	// it the next session would run the migration again from scratch.
	if err := o.guard.SetTier(spanCtx, sess.UserID, plan.TierFree); err != nil {
		span.SetError(err)
		metrics.RecordMigration("failed", migrated)
		return MigrationResult{MigratedItems: migrated, Err: fmt.Sprintf("failed to upgrade plan tier: %v", err)}
	}

	if o.proc != nil {
		// Idempotent when the engine already runs the loop; for standalone
		// use this brings the processor up. The loop must outlive this
		// call, so it is not tied to the migration context.
		o.proc.Start(context.WithoutCancel(ctx))
		o.proc.Kick()
	}
	metrics.RecordMigration("completed", migrated)
	log.Printf("[MIGRATION] Migrated %d entries for user %s", migrated, sess.UserID)
	return MigrationResult{MigratedItems: migrated}
}

// Status summarizes migration progress for the given user.
func (o *Orchestrator) Status(ctx context.Context, userID string) (MigrationStatus, error) {
	tier, err := o.guard.Tier(ctx, userID)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to read plan tier: %w", err)
	}
	live, failed, err := o.queue.Counts(ctx)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to read queue depth: %w", err)
	}
	processing := false
	if o.proc != nil {
		processing = o.proc.IsProcessing()
	}
	return MigrationStatus{
		Tier:              tier,
		PendingOperations: live,
		FailedOperations:  failed,
		IsProcessing:      processing,
		IsComplete:        tier != plan.TierGuest && live == 0 && failed == 0,
	}, nil
}
