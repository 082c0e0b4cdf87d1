package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIdentity is a scriptable IdentityService.
type fakeIdentity struct {
	mu sync.Mutex

	authed     bool
	authedErr  error
	user       *Session
	userErr    error
	refreshed  *Session
	refreshErr error
	signOutErr error

	refreshCalls int
	signOutCalls int
}

func (f *fakeIdentity) SignIn(ctx context.Context, email, password string) (*Session, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeIdentity) Register(ctx context.Context, email, password, displayName string) (*Session, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeIdentity) SignInAnonymously(ctx context.Context) (*Session, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeIdentity) SignOut(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOutCalls++
	return f.signOutErr
}

func (f *fakeIdentity) RefreshSession(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	return f.refreshed.Clone(), f.refreshErr
}

func (f *fakeIdentity) IsAuthenticated(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed, f.authedErr
}

func (f *fakeIdentity) GetCurrentUser(ctx context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user.Clone(), f.userErr
}

func (f *fakeIdentity) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func newTestManager(t *testing.T, identity IdentityService, window time.Duration) (*Manager, *Store) {
	t.Helper()

	store := newTestStore(t)
	mgr := NewManager(store, identity, ManagerConfig{ValidityWindow: window})
	return mgr, store
}

func TestManagerInitialPhaseIsLoading(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeIdentity{}, 0)
	assert.Equal(t, PhaseLoading, mgr.State().Phase)
}

func TestReconcileRemoteAuthenticatedOverwritesStaleCopy(t *testing.T) {
	remote := testSession()
	remote.DisplayName = "Remote Ada"

	identity := &fakeIdentity{authed: true, user: remote}
	mgr, store := newTestManager(t, identity, 0)

	// A stale stored copy that the remote answer must overwrite.
	stale := testSession()
	stale.DisplayName = "Stale Ada"
	require.NoError(t, store.Save(context.Background(), stale))

	st := mgr.ValidateAndRefreshSession(context.Background())

	require.Equal(t, PhaseAuthenticated, st.Phase)
	assert.Equal(t, "Remote Ada", st.Session.DisplayName)

	stored, err := store.Stored(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Remote Ada", stored.DisplayName)
}

func TestReconcileRemoteAuthenticatedButNoUser(t *testing.T) {
	identity := &fakeIdentity{authed: true, user: nil}
	mgr, _ := newTestManager(t, identity, 0)

	st := mgr.ValidateAndRefreshSession(context.Background())

	// Anomaly, not fatal: fall to Unauthenticated.
	assert.Equal(t, PhaseUnauthenticated, st.Phase)
}

// This behavior is deliberate (optimistic trust): a stored session younger
// than the validity window is accepted even when the remote service is
// unreachable, so losing connectivity does not force the user out. Do not
// "fix" this into synchronous-only validation.
func TestReconcileOptimisticTrustWhenRemoteUnreachable(t *testing.T) {
	identity := &fakeIdentity{
		authedErr:  errors.New("dial tcp: network unreachable"),
		refreshErr: errors.New("dial tcp: network unreachable"),
	}
	mgr, store := newTestManager(t, identity, time.Hour)

	stored := testSession()
	stored.Touch(time.Now())
	require.NoError(t, store.Save(context.Background(), stored))

	st := mgr.ValidateAndRefreshSession(context.Background())

	require.Equal(t, PhaseAuthenticated, st.Phase)
	assert.Equal(t, stored.UserID, st.Session.UserID)

	// The failed background refresh must not revert the optimistic state.
	assert.Eventually(t, func() bool {
		return identity.refreshCount() >= 1
	}, 2*time.Second, 10*time.Millisecond, "background refresh never attempted")
	assert.Equal(t, PhaseAuthenticated, mgr.State().Phase)
}

func TestReconcileOptimisticBackgroundRefreshSucceeds(t *testing.T) {
	refreshed := testSession()
	refreshed.AccessToken = "fresh-token"

	identity := &fakeIdentity{refreshed: refreshed}
	mgr, store := newTestManager(t, identity, time.Hour)

	stored := testSession()
	stored.Touch(time.Now())
	require.NoError(t, store.Save(context.Background(), stored))

	st := mgr.ValidateAndRefreshSession(context.Background())
	require.Equal(t, PhaseAuthenticated, st.Phase)

	assert.Eventually(t, func() bool {
		cur := mgr.CurrentSession()
		return cur != nil && cur.AccessToken == "fresh-token"
	}, 2*time.Second, 10*time.Millisecond, "background refresh result never applied")
}

func TestReconcileStoredSessionOlderThanWindowExpires(t *testing.T) {
	identity := &fakeIdentity{}
	mgr, store := newTestManager(t, identity, time.Hour)

	stored := testSession()
	stored.LastActiveAt = time.Now().Add(-2 * time.Hour).UnixMilli()
	require.NoError(t, store.Save(context.Background(), stored))

	st := mgr.ValidateAndRefreshSession(context.Background())

	assert.Equal(t, PhaseExpired, st.Phase)

	_, err := store.Stored(context.Background())
	assert.ErrorIs(t, err, ErrSessionNotFound, "expired session must be cleared from storage")
}

func TestReconcileNothingStoredNothingRemote(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeIdentity{}, 0)

	st := mgr.ValidateAndRefreshSession(context.Background())
	assert.Equal(t, PhaseUnauthenticated, st.Phase)
}

func TestOnUserAuthenticated(t *testing.T) {
	mgr, store := newTestManager(t, &fakeIdentity{}, 0)

	s := testSession()
	mgr.OnUserAuthenticated(context.Background(), s)

	assert.True(t, mgr.IsAuthenticated())

	stored, err := store.Stored(context.Background())
	require.NoError(t, err)
	assert.Equal(t, s.UserID, stored.UserID)
}

func TestOnUserSignedOut(t *testing.T) {
	identity := &fakeIdentity{}
	mgr, store := newTestManager(t, identity, 0)

	mgr.OnUserAuthenticated(context.Background(), testSession())
	mgr.OnUserSignedOut(context.Background())

	assert.Equal(t, PhaseUnauthenticated, mgr.State().Phase)
	assert.Equal(t, 1, identity.signOutCalls)

	_, err := store.Stored(context.Background())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestOnSessionExpiredLeavesStorageAlone(t *testing.T) {
	mgr, store := newTestManager(t, &fakeIdentity{}, 0)

	require.NoError(t, store.Save(context.Background(), testSession()))
	mgr.OnSessionExpired()

	assert.Equal(t, PhaseExpired, mgr.State().Phase)

	_, err := store.Stored(context.Background())
	assert.NoError(t, err, "OnSessionExpired must not touch storage")
}

func TestAuthErrorAndClearError(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeIdentity{}, 0)

	mgr.OnAuthError("wrong password")
	st := mgr.State()
	require.Equal(t, PhaseError, st.Phase)
	assert.Equal(t, "wrong password", st.Err)

	mgr.ClearError()
	assert.Equal(t, PhaseUnauthenticated, mgr.State().Phase)

	// ClearError on a non-error phase is a no-op.
	mgr.OnUserAuthenticated(context.Background(), testSession())
	mgr.ClearError()
	assert.Equal(t, PhaseAuthenticated, mgr.State().Phase)
}

func TestRefreshInvalidCredentialExpiresSession(t *testing.T) {
	identity := &fakeIdentity{refreshErr: ErrSessionInvalid}
	mgr, _ := newTestManager(t, identity, 0)

	mgr.OnUserAuthenticated(context.Background(), testSession())

	err := mgr.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrSessionInvalid)
	assert.Equal(t, PhaseExpired, mgr.State().Phase)
}

func TestRefreshTransientErrorLeavesStateUntouched(t *testing.T) {
	identity := &fakeIdentity{refreshErr: errors.New("timeout")}
	mgr, _ := newTestManager(t, identity, 0)

	mgr.OnUserAuthenticated(context.Background(), testSession())

	err := mgr.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, PhaseAuthenticated, mgr.State().Phase)
}

func TestWatchStateDeliversTransitions(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeIdentity{}, 0)

	ch, cancel := mgr.WatchState()
	defer cancel()

	mgr.OnUserAuthenticated(context.Background(), testSession())
	mgr.OnUserSignedOut(context.Background())

	var phases []Phase
	for len(ch) > 0 {
		phases = append(phases, (<-ch).Phase)
	}
	assert.Equal(t, []Phase{PhaseAuthenticated, PhaseUnauthenticated}, phases)
}
