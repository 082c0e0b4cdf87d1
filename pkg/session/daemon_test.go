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

func TestDaemonStartIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeIdentity{refreshed: testSession()}, 0)
	d := NewRefreshDaemon(mgr, time.Hour)
	defer d.Stop()

	ctx := context.Background()
	d.Start(ctx)
	d.Start(ctx)
	d.Start(ctx)

	assert.True(t, d.Status().Running)

	d.Stop()
	assert.False(t, d.Status().Running)

	// Stopping again is a no-op.
	d.Stop()
}

func TestDaemonRefreshNow(t *testing.T) {
	refreshed := testSession()
	refreshed.AccessToken = "fresh-token"

	identity := &fakeIdentity{refreshed: refreshed}
	mgr, _ := newTestManager(t, identity, 0)

	d := NewRefreshDaemon(mgr, time.Hour)

	require.NoError(t, d.RefreshNow(context.Background()))
	assert.Equal(t, 1, identity.refreshCount())

	cur := mgr.CurrentSession()
	require.NotNil(t, cur)
	assert.Equal(t, "fresh-token", cur.AccessToken)
}

func TestDaemonTickTriggersRefresh(t *testing.T) {
	identity := &fakeIdentity{refreshed: testSession()}
	mgr, _ := newTestManager(t, identity, 0)
	mgr.OnUserAuthenticated(context.Background(), testSession())

	d := NewRefreshDaemon(mgr, 20*time.Millisecond)
	d.Start(context.Background())
	defer d.Stop()

	assert.Eventually(t, func() bool {
		return identity.refreshCount() >= 2
	}, 2*time.Second, 10*time.Millisecond, "ticker never fired")
}

func TestDaemonSkipsRefreshWhileSignedOut(t *testing.T) {
	identity := &fakeIdentity{refreshed: testSession()}
	mgr, _ := newTestManager(t, identity, 0)

	d := NewRefreshDaemon(mgr, 10*time.Millisecond)
	d.Start(context.Background())
	defer d.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, identity.refreshCount())
}

func TestDaemonReportsRefreshOutcome(t *testing.T) {
	identity := &fakeIdentity{refreshed: testSession()}
	mgr, _ := newTestManager(t, identity, 0)
	mgr.OnUserAuthenticated(context.Background(), testSession())

	var mu sync.Mutex
	var outcomes []error

	d := NewRefreshDaemon(mgr, 20*time.Millisecond)
	d.OnRefresh = func(err error) {
		mu.Lock()
		outcomes = append(outcomes, err)
		mu.Unlock()
	}
	d.Start(context.Background())
	defer d.Stop()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(outcomes) >= 1 && outcomes[0] == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDaemonSelfHealsViaReconciliation(t *testing.T) {
	// Refresh fails, so each tick must fall back to the reconciliation
	// algorithm, which lands on Unauthenticated with nothing stored.
	identity := &fakeIdentity{refreshErr: errors.New("boom")}
	mgr, _ := newTestManager(t, identity, 0)
	mgr.OnUserAuthenticated(context.Background(), testSession())

	d := NewRefreshDaemon(mgr, 20*time.Millisecond)
	d.Start(context.Background())
	defer d.Stop()

	assert.Eventually(t, func() bool {
		return mgr.State().Phase != PhaseLoading && identity.refreshCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDaemonStatusReportsInterval(t *testing.T) {
	mgr, _ := newTestManager(t, &fakeIdentity{}, 0)

	d := NewRefreshDaemon(mgr, 0)
	st := d.Status()

	assert.Equal(t, DefaultRefreshInterval, st.Interval)
	assert.False(t, st.Running)
	assert.False(t, st.Authenticated)
}
