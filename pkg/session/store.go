package session

import (
	"context"
	"errors"
	"sync"
)

// Common errors for session storage.
var (
	// ErrSessionNotFound is returned when no stored session exists, or the
	// stored copy is missing its identity fields and is treated as absent.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("session store is closed")
)

// Backend abstracts durable session persistence. Each session field is
// persisted as an independent durable entry rather than one atomic blob,
// so partially written sessions are detectable on read.
// Implementations must be safe for concurrent use.
type Backend interface {
	// SaveSession persists all fields of the session, overwriting any
	// previously stored copy.
	SaveSession(ctx context.Context, s *Session) error

	// LoadSession reads the stored session. Returns ErrSessionNotFound
	// when nothing is stored or when userId or email is absent.
	LoadSession(ctx context.Context) (*Session, error)

	// ClearSession removes every stored session field.
	ClearSession(ctx context.Context) error

	// Ping checks that the underlying storage is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}

// Store wraps a Backend with an observable current-session stream.
// Every successful save or clear updates the stream synchronously so
// dependent components see the change without polling. The Store never
// retries: storage failures surface to the caller, and the Manager
// decides how to react.
type Store struct {
	backend Backend

	mu      sync.RWMutex
	current *Session
	subs    map[int]chan *Session
	nextSub int
	closed  bool
}

// NewStore creates a Store over the given backend.
func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
		subs:    make(map[int]chan *Session),
	}
}

// Save persists the session and publishes it to all watchers.
func (st *Store) Save(ctx context.Context, s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return ErrStoreClosed
	}

	if err := st.backend.SaveSession(ctx, s); err != nil {
		return err
	}

	st.current = s.Clone()
	st.broadcastLocked()
	return nil
}

// Clear removes the stored session and publishes nil to all watchers.
func (st *Store) Clear(ctx context.Context) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return ErrStoreClosed
	}

	if err := st.backend.ClearSession(ctx); err != nil {
		return err
	}

	st.current = nil
	st.broadcastLocked()
	return nil
}

// Stored reads the durably stored session. A successful read hydrates the
// current snapshot without notifying watchers.
func (st *Store) Stored(ctx context.Context) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil, ErrStoreClosed
	}

	s, err := st.backend.LoadSession(ctx)
	if err != nil {
		return nil, err
	}

	st.current = s.Clone()
	return s, nil
}

// Current returns a snapshot of the last saved session, or nil.
func (st *Store) Current() *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current.Clone()
}

// IsAuthenticated reports whether a session is currently held.
func (st *Store) IsAuthenticated() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current != nil
}

// Watch subscribes to session changes. Each save delivers a clone of the
// saved session; each clear delivers nil. Slow subscribers miss updates
// rather than blocking the writer. The returned cancel function must be
// called to release the subscription.
func (st *Store) Watch() (<-chan *Session, func()) {
	st.mu.Lock()
	defer st.mu.Unlock()

	id := st.nextSub
	st.nextSub++

	ch := make(chan *Session, 8)
	st.subs[id] = ch

	cancel := func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		if sub, ok := st.subs[id]; ok {
			delete(st.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Ping checks the underlying backend.
func (st *Store) Ping(ctx context.Context) error {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if st.closed {
		return ErrStoreClosed
	}
	return st.backend.Ping(ctx)
}

// Close releases the backend and all subscriptions.
func (st *Store) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return nil
	}
	st.closed = true

	for id, ch := range st.subs {
		delete(st.subs, id)
		close(ch)
	}
	return st.backend.Close()
}

// broadcastLocked pushes the current snapshot to every subscriber without
// blocking. Caller must hold st.mu.
func (st *Store) broadcastLocked() {
	for _, ch := range st.subs {
		select {
		case ch <- st.current.Clone():
		default:
		}
	}
}
