// Package remote defines the remote data service consumed by the sync
// processor: create/update/delete/list operations on journal entries
// keyed by remote identity.
package remote

import (
	"context"
	"errors"

	"github.com/emberjournal/synccore/pkg/content"
)

// ErrEntryNotFound is returned when the remote store has no such entry.
var ErrEntryNotFound = errors.New("remote entry not found")

// ContentService is the remote data collaborator. Implementations must be
// idempotent under replay: the sync processor delivers each operation at
// least once, so repeating a Create or Delete must not fail.
type ContentService interface {
	// Create writes a new entry for the owning user.
	Create(ctx context.Context, e *content.Entry) error

	// Update overwrites an existing entry.
	Update(ctx context.Context, e *content.Entry) error

	// Delete removes the entry. Deleting a missing entry is a no-op.
	Delete(ctx context.Context, userID, entryID string) error

	// List returns all remote entries for a user.
	List(ctx context.Context, userID string) ([]*content.Entry, error)
}
