package session

import (
	"context"
	"errors"
)

// ErrSessionInvalid is returned by identity implementations when the remote
// service rejects the current credentials as expired or malformed. The
// Manager maps it to PhaseExpired rather than treating it as transient.
var ErrSessionInvalid = errors.New("session credentials rejected by identity service")

// IdentityService is the remote identity collaborator. Implementations own
// their credential transport; all calls are single attempts with their own
// timeouts. Retry policy belongs to the caller.
type IdentityService interface {
	// SignIn authenticates with an email/password pair.
	SignIn(ctx context.Context, email, password string) (*Session, error)

	// Register creates a new account and signs it in.
	Register(ctx context.Context, email, password, displayName string) (*Session, error)

	// SignInAnonymously creates a guest identity.
	SignInAnonymously(ctx context.Context) (*Session, error)

	// SignOut invalidates the current remote session.
	SignOut(ctx context.Context) error

	// RefreshSession exchanges the refresh credential for a fresh session.
	// Returns ErrSessionInvalid when the credential is no longer accepted.
	RefreshSession(ctx context.Context) (*Session, error)

	// IsAuthenticated asks the remote service whether it currently
	// considers the caller authenticated. A transport error is returned
	// as-is; callers decide whether to trust local state instead.
	IsAuthenticated(ctx context.Context) (bool, error)

	// GetCurrentUser fetches the remote view of the current user, or nil
	// when the service has none.
	GetCurrentUser(ctx context.Context) (*Session, error)
}
