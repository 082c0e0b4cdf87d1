package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// DefaultValidityWindow bounds how long a stored session is trusted
// locally without remote confirmation.
const DefaultValidityWindow = 7 * 24 * time.Hour

// backgroundRefreshTimeout bounds the asynchronous refresh attempt spawned
// by the optimistic-trust reconciliation path.
const backgroundRefreshTimeout = 30 * time.Second

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	// ValidityWindow is the maximum stored-session age accepted under
	// optimistic trust. Zero means DefaultValidityWindow.
	ValidityWindow time.Duration
}

// Manager owns the authoritative session state machine. It reconciles the
// durable Store with the remote IdentityService and publishes every state
// transition to watchers. Transitions are linearized: one reconciliation
// or transition runs at a time, and concurrent callers queue.
type Manager struct {
	store    *Store
	identity IdentityService
	window   time.Duration
	now      func() time.Time

	mu      sync.Mutex
	state   State
	subs    map[int]chan State
	nextSub int
}

// NewManager creates a Manager in PhaseLoading.
func NewManager(store *Store, identity IdentityService, cfg ManagerConfig) *Manager {
	window := cfg.ValidityWindow
	if window <= 0 {
		window = DefaultValidityWindow
	}

	return &Manager{
		store:    store,
		identity: identity,
		window:   window,
		now:      time.Now,
		state:    State{Phase: PhaseLoading},
		subs:     make(map[int]chan State),
	}
}

// State returns the current state snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// CurrentSession returns the session carried by the current state, or nil.
func (m *Manager) CurrentSession() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Session.Clone()
}

// IsAuthenticated reports whether the current state is Authenticated.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Authenticated()
}

// WatchState subscribes to state transitions. Slow subscribers miss
// intermediate transitions rather than blocking the manager.
func (m *Manager) WatchState() (<-chan State, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++

	ch := make(chan State, 8)
	m.subs[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// ValidateAndRefreshSession runs the reconciliation algorithm: remote
// confirmation wins; otherwise a stored session younger than the validity
// window is trusted optimistically and re-verified in the background; a
// stored session older than the window expires; storage failures fail
// safe toward logged-out.
func (m *Manager) ValidateAndRefreshSession(ctx context.Context) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.reconcileLocked(ctx)
	m.setStateLocked(st)
	return st
}

func (m *Manager) reconcileLocked(ctx context.Context) State {
	stored, err := m.store.Stored(ctx)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		log.Printf("[SESSION] read stored session: %v", err)
		m.clearStoreLocked(ctx)
		return State{Phase: PhaseUnauthenticated}
	}

	authed, err := m.identity.IsAuthenticated(ctx)
	if err != nil {
		// Remote unreachable is not fatal: fall through to the stored
		// session path.
		log.Printf("[SESSION] identity service unreachable: %v", err)
		authed = false
	}

	if authed {
		remote, err := m.identity.GetCurrentUser(ctx)
		if err != nil || remote == nil {
			// Remote claims authentication but produced no user. Treated
			// as an anomaly, not fatal.
			log.Printf("[SESSION] authenticated remote returned no user (err=%v)", err)
			return State{Phase: PhaseUnauthenticated}
		}

		remote.Touch(m.now())
		if err := m.store.Save(ctx, remote); err != nil {
			log.Printf("[SESSION] persist remote session: %v", err)
			m.clearStoreLocked(ctx)
			return State{Phase: PhaseUnauthenticated}
		}
		return State{Phase: PhaseAuthenticated, Session: remote.Clone()}
	}

	if stored != nil {
		if stored.AgeWithin(m.window, m.now()) {
			// Optimistic trust: accept the stored session now so an offline
			// user is not forced out, and verify with the remote service in
			// the background. A failed background refresh does not revert
			// this state; the refresh daemon retries later.
			go m.backgroundRefresh()
			return State{Phase: PhaseAuthenticated, Session: stored.Clone()}
		}

		m.clearStoreLocked(ctx)
		return State{Phase: PhaseExpired}
	}

	return State{Phase: PhaseUnauthenticated}
}

// backgroundRefresh attempts a remote refresh after an optimistic accept.
func (m *Manager) backgroundRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundRefreshTimeout)
	defer cancel()

	refreshed, err := m.identity.RefreshSession(ctx)
	if err != nil || refreshed == nil {
		log.Printf("[SESSION] background refresh failed: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Authenticated() {
		// The user signed out while the refresh was in flight.
		return
	}

	refreshed.Touch(m.now())
	if err := m.store.Save(ctx, refreshed); err != nil {
		log.Printf("[SESSION] persist refreshed session: %v", err)
		return
	}
	m.setStateLocked(State{Phase: PhaseAuthenticated, Session: refreshed.Clone()})
}

// Refresh performs a caller-triggered remote refresh. On success the
// refreshed session is persisted and published. ErrSessionInvalid moves
// an authenticated state machine to PhaseExpired; other errors leave
// state untouched.
func (m *Manager) Refresh(ctx context.Context) error {
	refreshed, err := m.identity.RefreshSession(ctx)
	if err != nil {
		if errors.Is(err, ErrSessionInvalid) && m.IsAuthenticated() {
			m.OnSessionExpired()
		}
		return err
	}
	if refreshed == nil {
		return ErrSessionInvalid
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	refreshed.Touch(m.now())
	if err := m.store.Save(ctx, refreshed); err != nil {
		return err
	}
	m.setStateLocked(State{Phase: PhaseAuthenticated, Session: refreshed.Clone()})
	return nil
}

// OnUserAuthenticated is called after any successful sign-in, sign-up or
// anonymous flow. It persists the session and transitions to
// Authenticated unconditionally.
func (m *Manager) OnUserAuthenticated(ctx context.Context, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s = s.Clone()
	s.Touch(m.now())
	if err := m.store.Save(ctx, s); err != nil {
		log.Printf("[SESSION] persist session: %v", err)
	}
	m.setStateLocked(State{Phase: PhaseAuthenticated, Session: s})
}

// OnUserSignedOut clears the store and transitions to Unauthenticated.
// The remote sign-out is best effort.
func (m *Manager) OnUserSignedOut(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.identity.SignOut(ctx); err != nil {
		log.Printf("[SESSION] remote sign-out: %v", err)
	}
	m.clearStoreLocked(ctx)
	m.setStateLocked(State{Phase: PhaseUnauthenticated})
}

// OnSessionExpired transitions to PhaseExpired without touching storage.
// Used when an in-flight operation detects expiry.
func (m *Manager) OnSessionExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(State{Phase: PhaseExpired})
}

// OnAuthError transitions to PhaseError with the given message.
func (m *Manager) OnAuthError(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(State{Phase: PhaseError, Err: message})
}

// ClearError moves PhaseError back to Unauthenticated. It is a no-op for
// any other phase.
func (m *Manager) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Phase != PhaseError {
		return
	}
	m.setStateLocked(State{Phase: PhaseUnauthenticated})
}

func (m *Manager) clearStoreLocked(ctx context.Context) {
	if err := m.store.Clear(ctx); err != nil {
		log.Printf("[SESSION] clear stored session: %v", err)
	}
}

func (m *Manager) snapshotLocked() State {
	return State{
		Phase:   m.state.Phase,
		Session: m.state.Session.Clone(),
		Err:     m.state.Err,
	}
}

func (m *Manager) setStateLocked(st State) {
	m.state = st
	snap := m.snapshotLocked()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}
