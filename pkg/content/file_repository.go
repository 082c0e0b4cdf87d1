package content

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileRepository implements Repository using a JSON index file.
// Storage layout:
//
//	<baseDir>/
//	  └── entries.json   # map of entry ID to entry
type FileRepository struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileRepository creates a file-based content repository.
// If baseDir is empty, uses ~/.synccore/content.
func NewFileRepository(baseDir string) (*FileRepository, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".synccore", "content")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileRepository{baseDir: baseDir}, nil
}

func (r *FileRepository) indexPath() string {
	return filepath.Join(r.baseDir, "entries.json")
}

func (r *FileRepository) loadIndex() (map[string]*Entry, error) {
	index := make(map[string]*Entry)

	data, err := os.ReadFile(r.indexPath()) // #nosec G304 - path is a fixed file under baseDir
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, fmt.Errorf("read entries index: %w", err)
	}

	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse entries index: %w", err)
	}
	return index, nil
}

func (r *FileRepository) writeIndex(index map[string]*Entry) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal entries index: %w", err)
	}

	// Write-then-rename so a crash mid-write never truncates the index.
	tmp := r.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write entries index: %w", err)
	}
	if err := os.Rename(tmp, r.indexPath()); err != nil {
		return fmt.Errorf("replace entries index: %w", err)
	}
	return nil
}

// Save creates or updates an entry.
func (r *FileRepository) Save(ctx context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRepositoryClosed
	}

	index, err := r.loadIndex()
	if err != nil {
		return err
	}

	index[e.ID] = e
	return r.writeIndex(index)
}

// Get retrieves an entry by ID.
func (r *FileRepository) Get(ctx context.Context, id string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRepositoryClosed
	}

	index, err := r.loadIndex()
	if err != nil {
		return nil, err
	}

	e, ok := index[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return e, nil
}

// Delete removes an entry. Deleting a missing entry is not an error.
func (r *FileRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRepositoryClosed
	}

	index, err := r.loadIndex()
	if err != nil {
		return err
	}

	if _, ok := index[id]; !ok {
		return nil
	}
	delete(index, id)
	return r.writeIndex(index)
}

// ListAll returns every stored entry ordered by creation time.
func (r *FileRepository) ListAll(ctx context.Context) ([]*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrRepositoryClosed
	}

	index, err := r.loadIndex()
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(index))
	for _, e := range index {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// Close releases the repository.
func (r *FileRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	return nil
}
