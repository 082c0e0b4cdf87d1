// Package content defines the journal entry model and the local content
// repository that holds entries created on-device, including everything a
// guest writes before signing up.
package content

import (
	"context"
	"errors"
	"time"
)

// Common errors for content storage.
var (
	// ErrEntryNotFound is returned when an entry doesn't exist.
	ErrEntryNotFound = errors.New("entry not found")
	// ErrRepositoryClosed is returned when operating on a closed repository.
	ErrRepositoryClosed = errors.New("content repository is closed")
)

// Entry is a single journal entry. The payload enqueued for sync is a
// snapshot of this struct; once enqueued, the snapshot is owned by the
// sync queue and must not be mutated here.
type Entry struct {
	// ID is the unique entry identifier.
	ID string `json:"id"`
	// UserID identifies the owning user (a guest ID before migration).
	UserID string `json:"userId"`
	// Title is the entry title (optional).
	Title string `json:"title,omitempty"`
	// Body is the entry text.
	Body string `json:"body"`
	// Mood is the recorded mood tag (optional).
	Mood string `json:"mood,omitempty"`
	// Tags are free-form labels.
	Tags []string `json:"tags,omitempty"`
	// PhotoRefs are opaque references to captured photos.
	PhotoRefs []string `json:"photoRefs,omitempty"`
	// Latitude/Longitude hold the capture location when available.
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	// CreatedAt is when the entry was written.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the entry was last modified.
	UpdatedAt time.Time `json:"updatedAt"`
}

// Repository abstracts local entry storage.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Save creates or updates an entry.
	Save(ctx context.Context, e *Entry) error

	// Get retrieves an entry by ID.
	// Returns ErrEntryNotFound if the entry doesn't exist.
	Get(ctx context.Context, id string) (*Entry, error)

	// Delete removes an entry. Deleting a missing entry is not an error.
	Delete(ctx context.Context, id string) error

	// ListAll returns every stored entry ordered by creation time.
	ListAll(ctx context.Context) ([]*Entry, error)

	// Close releases any resources held by the repository.
	Close() error
}
