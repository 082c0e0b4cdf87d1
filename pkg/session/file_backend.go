package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Session fields are persisted as one small file per field, mirroring the
// key/value preference storage the mobile client uses. A session is
// considered present only when both identity entries exist.
const (
	entryUserID       = "user_id"
	entryEmail        = "email"
	entryDisplayName  = "display_name"
	entryIsAnonymous  = "is_anonymous"
	entryCreatedAt    = "created_at"
	entryLastActiveAt = "last_active_at"
	entryAccessToken  = "access_token"
	entryRefreshToken = "refresh_token"
)

// Save order. Identity entries go last so LoadSession's presence gate
// only opens once a fresh save is fully on disk.
var sessionEntries = []string{
	entryDisplayName, entryIsAnonymous, entryCreatedAt, entryLastActiveAt,
	entryAccessToken, entryRefreshToken, entryEmail, entryUserID,
}

// FileBackend implements Backend using one file per session field.
// Storage layout:
//
//	<baseDir>/
//	  ├── user_id
//	  ├── email
//	  ├── last_active_at
//	  └── ...
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a file-based session backend.
// If baseDir is empty, uses ~/.synccore/session.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".synccore", "session")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{baseDir: baseDir}, nil
}

// SaveSession writes every session field as its own durable entry.
func (f *FileBackend) SaveSession(ctx context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	fields := map[string]string{
		entryUserID:       s.UserID,
		entryEmail:        s.Email,
		entryDisplayName:  s.DisplayName,
		entryIsAnonymous:  strconv.FormatBool(s.IsAnonymous),
		entryCreatedAt:    strconv.FormatInt(s.CreatedAt, 10),
		entryLastActiveAt: strconv.FormatInt(s.LastActiveAt, 10),
		entryAccessToken:  s.AccessToken,
		entryRefreshToken: s.RefreshToken,
	}

	for _, name := range sessionEntries {
		if err := f.writeEntry(name, fields[name]); err != nil {
			return err
		}
	}

	return nil
}

// writeEntry persists one field through write-then-rename so a crash
// never leaves a half-written entry behind.
func (f *FileBackend) writeEntry(name, value string) error {
	path := filepath.Join(f.baseDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0600); err != nil {
		return fmt.Errorf("write session entry %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace session entry %s: %w", name, err)
	}
	return nil
}

// LoadSession assembles a session from individual field entries.
// Missing identity entries mean the stored session is treated as absent.
func (f *FileBackend) LoadSession(ctx context.Context) (*Session, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}

	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(f.baseDir, name)) // #nosec G304 - entry names are fixed constants
		if err != nil {
			return ""
		}
		return string(data)
	}

	userID := read(entryUserID)
	email := read(entryEmail)
	if userID == "" || email == "" {
		return nil, ErrSessionNotFound
	}

	createdAt, _ := strconv.ParseInt(read(entryCreatedAt), 10, 64)
	lastActiveAt, _ := strconv.ParseInt(read(entryLastActiveAt), 10, 64)
	isAnonymous, _ := strconv.ParseBool(read(entryIsAnonymous))

	return &Session{
		UserID:       userID,
		Email:        email,
		DisplayName:  read(entryDisplayName),
		IsAnonymous:  isAnonymous,
		CreatedAt:    createdAt,
		LastActiveAt: lastActiveAt,
		AccessToken:  read(entryAccessToken),
		RefreshToken: read(entryRefreshToken),
	}, nil
}

// ClearSession removes all session field entries.
func (f *FileBackend) ClearSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}

	for _, name := range sessionEntries {
		path := filepath.Join(f.baseDir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove session entry %s: %w", name, err)
		}
	}

	return nil
}

// Ping verifies the base directory is accessible.
func (f *FileBackend) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStoreClosed
	}

	_, err := os.Stat(f.baseDir)
	return err
}

// Close releases the backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}
