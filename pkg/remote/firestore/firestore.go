// Package firestore implements the remote content service on Google Cloud
// Firestore, the hosted store the mobile client syncs against.
package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/emberjournal/synccore/pkg/content"
	"github.com/emberjournal/synccore/pkg/remote"
)

// Config holds Firestore connection configuration.
type Config struct {
	// ProjectID is the GCP project ID (required).
	ProjectID string
	// CredentialsFile is the service account credentials path (optional,
	// Application Default Credentials are used otherwise).
	CredentialsFile string
	// Collection is the top-level collection holding per-user documents
	// (default: "journals").
	Collection string
}

// Option configures the service.
type Option func(*Config)

// WithProjectID sets the GCP project ID.
func WithProjectID(id string) Option {
	return func(c *Config) { c.ProjectID = id }
}

// WithCredentialsFile uses service account credentials from a file.
func WithCredentialsFile(path string) Option {
	return func(c *Config) { c.CredentialsFile = path }
}

// WithCollection overrides the top-level collection name.
func WithCollection(name string) Option {
	return func(c *Config) { c.Collection = name }
}

// ContentService implements remote.ContentService on Firestore.
// Entries live at <collection>/<userID>/entries/<entryID>, so per-user
// data stays isolated and listable without composite indexes.
type ContentService struct {
	client     *firestore.Client
	collection string
}

// New creates a Firestore-backed content service.
func New(ctx context.Context, opts ...Option) (*ContentService, error) {
	cfg := &Config{Collection: "journals"}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	return &ContentService{
		client:     client,
		collection: cfg.Collection,
	}, nil
}

func (s *ContentService) doc(userID, entryID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(userID).Collection("entries").Doc(entryID)
}

// Create writes a new entry. Set is used rather than Create so the sync
// processor can replay the operation after an ambiguous failure.
func (s *ContentService) Create(ctx context.Context, e *content.Entry) error {
	if _, err := s.doc(e.UserID, e.ID).Set(ctx, e); err != nil {
		return fmt.Errorf("create entry %s: %w", e.ID, err)
	}
	return nil
}

// Update overwrites an existing entry.
func (s *ContentService) Update(ctx context.Context, e *content.Entry) error {
	if _, err := s.doc(e.UserID, e.ID).Set(ctx, e); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("update entry %s: %w", e.ID, remote.ErrEntryNotFound)
		}
		return fmt.Errorf("update entry %s: %w", e.ID, err)
	}
	return nil
}

// Delete removes the entry. Deleting a missing entry is a no-op so that
// replayed deletes succeed.
func (s *ContentService) Delete(ctx context.Context, userID, entryID string) error {
	if _, err := s.doc(userID, entryID).Delete(ctx); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("delete entry %s: %w", entryID, err)
	}
	return nil
}

// List returns all remote entries for a user.
func (s *ContentService) List(ctx context.Context, userID string) ([]*content.Entry, error) {
	iter := s.client.Collection(s.collection).Doc(userID).Collection("entries").Documents(ctx)
	defer iter.Stop()

	var entries []*content.Entry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list entries for %s: %w", userID, err)
		}

		var e content.Entry
		if err := doc.DataTo(&e); err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", doc.Ref.ID, err)
		}
		entries = append(entries, &e)
	}

	return entries, nil
}

// Close releases the Firestore client.
func (s *ContentService) Close() error {
	return s.client.Close()
}
