// Package synccore is the session lifecycle and offline mutation sync
// engine for the journal apps. It keeps a durable local session,
// refreshes credentials in the background, queues every local mutation
// until it is durably applied remotely, and migrates guest content into
// a new account on sign-up.
package synccore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/emberjournal/synccore/internal/identityhttp"
	intobs "github.com/emberjournal/synccore/internal/observability"
	"github.com/emberjournal/synccore/pkg/config"
	"github.com/emberjournal/synccore/pkg/content"
	"github.com/emberjournal/synccore/pkg/migration"
	"github.com/emberjournal/synccore/pkg/observability"
	"github.com/emberjournal/synccore/pkg/plan"
	"github.com/emberjournal/synccore/pkg/remote"
	"github.com/emberjournal/synccore/pkg/remote/firestore"
	"github.com/emberjournal/synccore/pkg/session"
	"github.com/emberjournal/synccore/pkg/syncqueue"
)

// Engine wires the session manager, refresh daemon, sync queue,
// processor, and migration orchestrator into one lifecycle. Build it
// with New, call Start once, and Close on shutdown.
type Engine struct {
	cfg *config.Config

	identity  session.IdentityService
	store     *session.Store
	manager   *session.Manager
	daemon    *session.RefreshDaemon
	local     content.Repository
	guard     plan.Guard
	queue     syncqueue.Queue
	remote    remote.ContentService
	processor *syncqueue.Processor
	migrator  *migration.Orchestrator
	obsServer *observability.Server

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	group       *errgroup.Group
	watchCancel func()
}

// New builds an engine from configuration. It opens every backing store
// but starts no background work; call Start for that.
func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{cfg: cfg}

	backend, err := newSessionBackend(cfg)
	if err != nil {
		return nil, err
	}
	e.store = session.NewStore(backend)

	identity := identityhttp.NewClient(cfg.Identity.BaseURL,
		identityhttp.WithTimeout(cfg.Identity.Timeout.Duration))
	if cfg.Identity.RPS > 0 {
		burst := cfg.Identity.Burst
		if burst <= 0 {
			burst = 1
		}
		identityhttp.WithRateLimit(cfg.Identity.RPS, burst)(identity)
	}
	e.identity = identity

	e.manager = session.NewManager(e.store, e.identity, session.ManagerConfig{
		ValidityWindow: cfg.Session.ValidityWindow.Duration,
	})
	e.daemon = session.NewRefreshDaemon(e.manager, cfg.Session.RefreshInterval.Duration)
	e.daemon.OnRefresh = func(err error) {
		if err != nil {
			observability.RecordSessionRefresh("failure")
			return
		}
		observability.RecordSessionRefresh("success")
	}

	e.local, err = content.NewFileRepository(cfg.Content.Dir)
	if err != nil {
		e.closeQuietly()
		return nil, err
	}

	e.guard, err = newPlanGuard(cfg)
	if err != nil {
		e.closeQuietly()
		return nil, err
	}

	e.queue, err = newQueueBackend(cfg)
	if err != nil {
		e.closeQuietly()
		return nil, err
	}

	e.remote, err = newRemoteService(ctx, cfg)
	if err != nil {
		e.closeQuietly()
		return nil, err
	}

	e.processor = syncqueue.NewProcessor(e.queue, e.remote, syncqueue.ProcessorConfig{
		Workers:      cfg.Processor.Workers,
		RetryCeiling: cfg.Processor.RetryCeiling,
		BackoffBase:  cfg.Processor.BackoffBase.Duration,
		BackoffCap:   cfg.Processor.BackoffCap.Duration,
		PollInterval: cfg.Processor.PollInterval.Duration,
		RemoteRPS:    cfg.Processor.RemoteRPS,
		RemoteBurst:  cfg.Processor.RemoteBurst,
	})
	e.migrator = migration.NewOrchestrator(e.guard, e.local, e.queue, e.processor)

	return e, nil
}

func newSessionBackend(cfg *config.Config) (session.Backend, error) {
	switch cfg.Session.Backend {
	case "redis":
		return session.NewRedisBackend(session.RedisConfig{
			Addr:     cfg.Session.Redis.Addr,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
			Key:      cfg.Session.Redis.Key,
			PoolSize: cfg.Session.Redis.PoolSize,
		})
	default:
		return session.NewFileBackend(cfg.Session.Dir)
	}
}

func newPlanGuard(cfg *config.Config) (plan.Guard, error) {
	switch cfg.Plan.Backend {
	case "redis":
		return plan.NewRedisGuard(plan.RedisGuardConfig{
			Addr:     cfg.Plan.Redis.Addr,
			Password: cfg.Plan.Redis.Password,
			DB:       cfg.Plan.Redis.DB,
			Key:      cfg.Plan.Redis.Key,
		})
	default:
		return plan.NewFileGuard(cfg.Plan.Dir)
	}
}

func newQueueBackend(cfg *config.Config) (syncqueue.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return syncqueue.NewMemoryQueue(), nil
	case "redis":
		return syncqueue.NewRedisQueue(syncqueue.RedisQueueConfig{
			Addr:      cfg.Queue.Redis.Addr,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			KeyPrefix: cfg.Queue.Redis.Key,
		})
	default:
		return syncqueue.NewFileQueue(cfg.Queue.Dir)
	}
}

func newRemoteService(ctx context.Context, cfg *config.Config) (remote.ContentService, error) {
	switch cfg.Remote.Provider {
	case "firestore":
		svc, err := firestore.New(ctx,
			firestore.WithProjectID(cfg.Remote.ProjectID),
			firestore.WithCredentialsFile(cfg.Remote.CredentialsFile),
			firestore.WithCollection(cfg.Remote.Collection),
		)
		if err != nil {
			return nil, err
		}
		return svc, nil
	default:
		log.Printf("[ENGINE] No remote provider configured, operations drain locally")
		return discardService{}, nil
	}
}

// discardService accepts every mutation without sending it anywhere.
// Used when no remote provider is configured, e.g. local development.
type discardService struct{}

func (discardService) Create(ctx context.Context, e *content.Entry) error  { return nil }
func (discardService) Update(ctx context.Context, e *content.Entry) error  { return nil }
func (discardService) Delete(ctx context.Context, userID, id string) error { return nil }
func (discardService) List(ctx context.Context, userID string) ([]*content.Entry, error) {
	return nil, nil
}

// Start brings the engine online: it validates the stored session,
// launches the refresh daemon and sync processor, starts the health and
// metrics server, and begins reacting to session transitions. Calling
// Start on a running engine is an error.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}
	e.started = true

	observability.InitMetrics()
	if err := intobs.Init(intobs.Config{
		Enabled:      e.cfg.Observability.TracesEnabled,
		ExporterType: e.cfg.Observability.Exporter,
		OTLPEndpoint: e.cfg.Observability.OTLPEndpoint,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	e.group = g

	e.registerHealthChecks()
	if addr := e.cfg.Observability.MetricsAddr; addr != "" {
		e.obsServer = observability.NewServer(addr)
		g.Go(func() error {
			if err := e.obsServer.Start(); err != nil && gctx.Err() == nil {
				return fmt.Errorf("observability server failed: %w", err)
			}
			return nil
		})
	}

	// Seed the identity client with stored credentials so the first
	// reconciliation can ask the remote service about them.
	if stored, err := e.store.Stored(ctx); err == nil && stored != nil {
		if c, ok := e.identity.(*identityhttp.Client); ok {
			c.SetTokens(stored.AccessToken, stored.RefreshToken)
		}
	}

	state := e.manager.ValidateAndRefreshSession(ctx)
	log.Printf("[ENGINE] Session validated: phase=%s", state.Phase)

	watch, watchCancel := e.manager.WatchState()
	e.watchCancel = watchCancel
	g.Go(func() error {
		e.watchSessions(gctx, watch)
		return nil
	})

	e.processor.Start(runCtx)
	e.daemon.Start(runCtx)
	log.Printf("[ENGINE] Started")
	return nil
}

// watchSessions reacts to session transitions: keeping the identity
// client's tokens current and running guest migration when a real
// account appears while the plan tier is still guest.
func (e *Engine) watchSessions(ctx context.Context, watch <-chan session.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-watch:
			if !ok {
				return
			}
			observability.RecordSessionTransition(string(state.Phase))
			if !state.Authenticated() || state.Session == nil {
				continue
			}
			if c, ok := e.identity.(*identityhttp.Client); ok {
				c.SetTokens(state.Session.AccessToken, state.Session.RefreshToken)
			}
			if state.Session.IsAnonymous {
				continue
			}
			needed, err := e.migrator.IsMigrationNeeded(ctx, state.Session.UserID)
			if err != nil {
				log.Printf("[ENGINE] Migration check failed: %v", err)
				continue
			}
			if !needed {
				continue
			}
			result := e.migrator.MigrateGuestToUser(ctx, state.Session)
			if !result.OK() {
				log.Printf("[ENGINE] Guest migration failed: %s", result.Err)
			}
		}
	}
}

func (e *Engine) registerHealthChecks() {
	checker := observability.InitHealthChecker()
	checker.RegisterCheck(observability.SessionStoreCheck(e.store.Ping))
	checker.RegisterCheck(observability.QueueCheck(func(ctx context.Context) error {
		_, _, err := e.queue.Counts(ctx)
		return err
	}))
	checker.RegisterCheck(observability.IdentityServiceCheck(func(ctx context.Context) error {
		_, err := e.identity.IsAuthenticated(ctx)
		return err
	}))
}

// SignIn authenticates with email and password and adopts the session.
func (e *Engine) SignIn(ctx context.Context, email, password string) error {
	sess, err := e.identity.SignIn(ctx, email, password)
	if err != nil {
		e.manager.OnAuthError(err.Error())
		return err
	}
	e.manager.OnUserAuthenticated(ctx, sess)
	return nil
}

// Register creates an account, signs it in, and adopts the session.
func (e *Engine) Register(ctx context.Context, email, password, displayName string) error {
	sess, err := e.identity.Register(ctx, email, password, displayName)
	if err != nil {
		e.manager.OnAuthError(err.Error())
		return err
	}
	e.manager.OnUserAuthenticated(ctx, sess)
	return nil
}

// SignInAnonymously starts a guest session.
func (e *Engine) SignInAnonymously(ctx context.Context) error {
	sess, err := e.identity.SignInAnonymously(ctx)
	if err != nil {
		e.manager.OnAuthError(err.Error())
		return err
	}
	e.manager.OnUserAuthenticated(ctx, sess)
	return nil
}

// SignOut ends the current session locally and remotely.
func (e *Engine) SignOut(ctx context.Context) {
	e.manager.OnUserSignedOut(ctx)
}

// SessionState returns the current session state snapshot.
func (e *Engine) SessionState() session.State {
	return e.manager.State()
}

// WatchSessionState subscribes to session transitions; call the
// returned function to unsubscribe.
func (e *Engine) WatchSessionState() (<-chan session.State, func()) {
	return e.manager.WatchState()
}

// ValidateAndRefreshSession re-runs the boot reconciliation on demand.
func (e *Engine) ValidateAndRefreshSession(ctx context.Context) session.State {
	return e.manager.ValidateAndRefreshSession(ctx)
}

// RefreshSession forces an immediate credential refresh.
func (e *Engine) RefreshSession(ctx context.Context) error {
	err := e.manager.Refresh(ctx)
	if err != nil {
		observability.RecordSessionRefresh("failure")
		return err
	}
	observability.RecordSessionRefresh("success")
	return nil
}

// ClearSessionError returns an errored session state machine to
// Unauthenticated.
func (e *Engine) ClearSessionError() {
	e.manager.ClearError()
}

// DaemonStatus reports the refresh daemon's condition.
func (e *Engine) DaemonStatus() session.DaemonStatus {
	return e.daemon.Status()
}

// SaveEntry persists an entry locally and enqueues the matching remote
// mutation. A brand-new entry becomes an insert, a known one an update.
// The local write is the source of truth; the queue guarantees eventual
// remote application.
func (e *Engine) SaveEntry(ctx context.Context, entry *content.Entry) error {
	sess := e.manager.CurrentSession()
	if sess == nil {
		return fmt.Errorf("no active session")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.UserID = sess.UserID
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	opType := syncqueue.OpUpdate
	if _, err := e.local.Get(ctx, entry.ID); err != nil {
		opType = syncqueue.OpInsert
	}
	if err := e.local.Save(ctx, entry); err != nil {
		return fmt.Errorf("failed to save entry locally: %w", err)
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	_, err = e.AddOperation(ctx, opType, entry.ID, sess.UserID, syncqueue.PriorityNormal, payload)
	return err
}

// DeleteEntry removes an entry locally and enqueues the remote delete.
func (e *Engine) DeleteEntry(ctx context.Context, entryID string) error {
	sess := e.manager.CurrentSession()
	if sess == nil {
		return fmt.Errorf("no active session")
	}
	if err := e.local.Delete(ctx, entryID); err != nil {
		return fmt.Errorf("failed to delete entry locally: %w", err)
	}
	_, err := e.AddOperation(ctx, syncqueue.OpDelete, entryID, sess.UserID, syncqueue.PriorityNormal, nil)
	return err
}

// ListEntries returns all locally stored entries in creation order.
func (e *Engine) ListEntries(ctx context.Context) ([]*content.Entry, error) {
	return e.local.ListAll(ctx)
}

// AddOperation enqueues a mutation and nudges the processor. It returns
// the operation ID for status tracking.
func (e *Engine) AddOperation(ctx context.Context, typ syncqueue.OpType, itemID, userID string, priority syncqueue.Priority, payload json.RawMessage) (string, error) {
	op := syncqueue.NewOperation(typ, itemID, userID, priority, payload)
	if err := e.queue.Enqueue(ctx, op); err != nil {
		return "", fmt.Errorf("failed to enqueue operation: %w", err)
	}
	e.processor.Kick()
	return op.ID, nil
}

// SyncStatus reports queue depth and processor activity.
func (e *Engine) SyncStatus(ctx context.Context) (syncqueue.SyncStatus, error) {
	return e.processor.Status(ctx)
}

// ProcessPendingOperations runs a drain pass and waits for it to
// settle.
func (e *Engine) ProcessPendingOperations(ctx context.Context) error {
	return e.processor.ProcessPendingOperations(ctx)
}

// RetryFailedOperation returns a terminally failed operation to the
// queue and nudges the processor.
func (e *Engine) RetryFailedOperation(ctx context.Context, operationID string) error {
	if err := e.queue.Requeue(ctx, operationID); err != nil {
		return err
	}
	e.processor.Kick()
	return nil
}

// DiscardFailedOperation drops a terminally failed operation.
func (e *Engine) DiscardFailedOperation(ctx context.Context, operationID string) error {
	return e.queue.Discard(ctx, operationID)
}

// MigrateGuestToUser runs guest migration for the current session.
func (e *Engine) MigrateGuestToUser(ctx context.Context) migration.MigrationResult {
	return e.migrator.MigrateGuestToUser(ctx, e.manager.CurrentSession())
}

// MigrationStatus reports migration progress for the current session's
// user.
func (e *Engine) MigrationStatus(ctx context.Context) (migration.MigrationStatus, error) {
	sess := e.manager.CurrentSession()
	if sess == nil {
		return migration.MigrationStatus{}, fmt.Errorf("no active session")
	}
	return e.migrator.Status(ctx, sess.UserID)
}

// Close stops background work and releases every backing store. The
// context bounds the graceful shutdown.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.started = false
	e.mu.Unlock()

	if started {
		e.daemon.Stop()
		e.processor.Stop()
		if e.watchCancel != nil {
			e.watchCancel()
		}
		if e.obsServer != nil {
			if err := e.obsServer.Shutdown(ctx); err != nil {
				log.Printf("[ENGINE] Observability server shutdown: %v", err)
			}
		}
		if e.cancel != nil {
			e.cancel()
		}
		if e.group != nil {
			if err := e.group.Wait(); err != nil {
				log.Printf("[ENGINE] Background worker error: %v", err)
			}
		}
		if err := intobs.Shutdown(ctx); err != nil {
			log.Printf("[ENGINE] Tracing shutdown: %v", err)
		}
	}

	e.closeQuietly()
	log.Printf("[ENGINE] Closed")
	return nil
}

// closeQuietly releases whatever backends have been opened so far.
func (e *Engine) closeQuietly() {
	if e.queue != nil {
		if err := e.queue.Close(); err != nil {
			log.Printf("[ENGINE] Queue close: %v", err)
		}
	}
	if e.guard != nil {
		if err := e.guard.Close(); err != nil {
			log.Printf("[ENGINE] Plan guard close: %v", err)
		}
	}
	if e.local != nil {
		if err := e.local.Close(); err != nil {
			log.Printf("[ENGINE] Content repository close: %v", err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.Printf("[ENGINE] Session store close: %v", err)
		}
	}
	if closer, ok := e.remote.(interface{ Close() error }); ok && closer != nil {
		if err := closer.Close(); err != nil {
			log.Printf("[ENGINE] Remote service close: %v", err)
		}
	}
}
