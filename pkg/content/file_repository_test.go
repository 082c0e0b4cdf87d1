package content

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestRepository(t *testing.T) *FileRepository {
	t.Helper()

	repo, err := NewFileRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileRepository() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func testEntry(id string, createdAt time.Time) *Entry {
	return &Entry{
		ID:        id,
		UserID:    "guest-1",
		Title:     "morning pages",
		Body:      "wrote three pages before coffee",
		Mood:      "calm",
		Tags:      []string{"morning"},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestFileRepositorySaveAndGet(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	want := testEntry("e-1", time.Now().UTC())
	if err := repo.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := repo.Get(ctx, "e-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got.Body != want.Body || got.UserID != want.UserID {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}

func TestFileRepositoryGetMissing(t *testing.T) {
	repo := newTestRepository(t)

	if _, err := repo.Get(context.Background(), "nope"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Get() error = %v, want %v", err, ErrEntryNotFound)
	}
}

func TestFileRepositoryListAllOrdered(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := time.Now().UTC()
	// Saved out of order on purpose.
	for _, e := range []*Entry{
		testEntry("e-3", base.Add(2*time.Hour)),
		testEntry("e-1", base),
		testEntry("e-2", base.Add(time.Hour)),
	} {
		if err := repo.Save(ctx, e); err != nil {
			t.Fatalf("Save(%s) error = %v", e.ID, err)
		}
	}

	entries, err := repo.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("ListAll() returned %d entries, want 3", len(entries))
	}
	for i, wantID := range []string{"e-1", "e-2", "e-3"} {
		if entries[i].ID != wantID {
			t.Errorf("entries[%d].ID = %s, want %s", i, entries[i].ID, wantID)
		}
	}
}

func TestFileRepositoryDelete(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if err := repo.Save(ctx, testEntry("e-1", time.Now())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := repo.Delete(ctx, "e-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(ctx, "e-1"); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Get() after delete error = %v, want %v", err, ErrEntryNotFound)
	}

	// Deleting a missing entry is not an error.
	if err := repo.Delete(ctx, "e-1"); err != nil {
		t.Errorf("Delete() of missing entry error = %v", err)
	}
}

func TestFileRepositoryWritesIndexAtomically(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := NewFileRepository(dir)
	if err != nil {
		t.Fatalf("NewFileRepository() error = %v", err)
	}
	defer func() { _ = repo.Close() }()

	if err := repo.Save(ctx, testEntry("e-1", time.Now())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := repo.Delete(ctx, "e-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// Every write lands through rename; no scratch file survives.
	if _, err := os.Stat(filepath.Join(dir, "entries.json.tmp")); !os.IsNotExist(err) {
		t.Errorf("scratch file left behind: err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "entries.json")); err != nil {
		t.Errorf("index missing after writes: %v", err)
	}
}

func TestFileRepositorySurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := NewFileRepository(dir)
	if err != nil {
		t.Fatalf("NewFileRepository() error = %v", err)
	}
	if err := repo.Save(ctx, testEntry("e-1", time.Now())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewFileRepository(dir)
	if err != nil {
		t.Fatalf("NewFileRepository() reopen error = %v", err)
	}
	defer func() { _ = reopened.Close() }()

	if _, err := reopened.Get(ctx, "e-1"); err != nil {
		t.Errorf("Get() after reopen error = %v", err)
	}
}
