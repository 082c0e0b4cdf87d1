package session

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultRefreshInterval is how often the daemon refreshes the remote
// token before expiry.
const DefaultRefreshInterval = 5 * time.Minute

// DaemonStatus reports the refresh daemon's current condition.
type DaemonStatus struct {
	Running       bool          `json:"running"`
	Authenticated bool          `json:"authenticated"`
	Interval      time.Duration `json:"interval"`
}

// RefreshDaemon periodically refreshes the remote session token. The loop
// runs for the life of the engine but each tick is a no-op unless the
// Manager reports Authenticated. A failed refresh never changes state
// directly; the daemon invokes the manager's reconciliation as a
// self-heal step instead.
type RefreshDaemon struct {
	mgr      *Manager
	interval time.Duration

	// OnRefresh, when set before Start, is invoked after every scheduled
	// refresh attempt with its result.
	OnRefresh func(err error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRefreshDaemon creates a daemon with the given interval.
// Zero means DefaultRefreshInterval.
func NewRefreshDaemon(mgr *Manager, interval time.Duration) *RefreshDaemon {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &RefreshDaemon{
		mgr:      mgr,
		interval: interval,
	}
}

// Start launches the refresh loop. Starting a running daemon is a no-op.
func (d *RefreshDaemon) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)
	d.running = true

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		t := time.NewTicker(d.interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				d.refresh(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits until no further refresh attempts can
// occur. Stopping a stopped daemon is a no-op.
func (d *RefreshDaemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.cancel()
	d.running = false
	d.mu.Unlock()

	d.wg.Wait()
}

// RefreshNow performs an immediate refresh outside the timer.
func (d *RefreshDaemon) RefreshNow(ctx context.Context) error {
	return d.mgr.Refresh(ctx)
}

// Status reports whether the loop runs, whether the user is currently
// authenticated, and the configured interval.
func (d *RefreshDaemon) Status() DaemonStatus {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()

	return DaemonStatus{
		Running:       running,
		Authenticated: d.mgr.IsAuthenticated(),
		Interval:      d.interval,
	}
}

func (d *RefreshDaemon) refresh(ctx context.Context) {
	if !d.mgr.IsAuthenticated() {
		// Nothing to keep fresh while signed out.
		return
	}

	err := d.mgr.Refresh(ctx)
	if d.OnRefresh != nil {
		d.OnRefresh(err)
	}
	if err != nil {
		log.Printf("[SESSION] scheduled refresh failed, reconciling: %v", err)
		d.mgr.ValidateAndRefreshSession(ctx)
	}
}
