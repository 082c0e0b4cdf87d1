// Package session implements the session lifecycle core: durable session
// storage, the authoritative session state machine, and the background
// refresh daemon that keeps a remote token valid across restarts and
// network loss.
package session

import (
	"time"
)

// Session is the durable record of who the current user is and how to
// prove it to the remote identity service.
type Session struct {
	// UserID is the stable identifier of the user.
	UserID string `json:"userId"`
	// Email is the user's email address. Always non-empty for
	// non-anonymous sessions.
	Email string `json:"email"`
	// DisplayName is the user's chosen display name (optional).
	DisplayName string `json:"displayName,omitempty"`
	// IsAnonymous reports whether this is a guest identity.
	IsAnonymous bool `json:"isAnonymous"`
	// CreatedAt is when the session was created, in epoch milliseconds.
	CreatedAt int64 `json:"createdAt"`
	// LastActiveAt is the last confirmed activity time, in epoch
	// milliseconds. Monotonically non-decreasing while the session lives.
	LastActiveAt int64 `json:"lastActiveAt"`
	// AccessToken is the short-lived remote credential (optional).
	AccessToken string `json:"accessToken,omitempty"`
	// RefreshToken is the long-lived remote credential (optional).
	RefreshToken string `json:"refreshToken,omitempty"`
}

// Clone returns a copy of the session. Observers receive clones so they
// can never mutate the manager's authoritative copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

// Touch advances LastActiveAt to now, never moving it backwards.
func (s *Session) Touch(now time.Time) {
	ms := now.UnixMilli()
	if ms > s.LastActiveAt {
		s.LastActiveAt = ms
	}
}

// AgeWithin reports whether the session's last activity is younger than
// the given validity window at the given instant.
func (s *Session) AgeWithin(window time.Duration, now time.Time) bool {
	last := time.UnixMilli(s.LastActiveAt)
	return now.Sub(last) < window
}

// Phase identifies the current position in the session state machine.
type Phase string

const (
	// PhaseLoading is the initial phase, set the instant the process starts.
	PhaseLoading Phase = "loading"
	// PhaseUnauthenticated means no usable session exists.
	PhaseUnauthenticated Phase = "unauthenticated"
	// PhaseAuthenticated means a session is current and trusted.
	PhaseAuthenticated Phase = "authenticated"
	// PhaseExpired means a previously valid session aged out or was
	// rejected remotely; the application should prompt re-authentication.
	PhaseExpired Phase = "expired"
	// PhaseError holds a human-readable authentication error until cleared.
	PhaseError Phase = "error"
)

// State is the tagged variant published by the Manager. Exactly one State
// is current at any instant; Session is non-nil only for PhaseAuthenticated
// and Err is non-empty only for PhaseError.
type State struct {
	Phase   Phase    `json:"phase"`
	Session *Session `json:"session,omitempty"`
	Err     string   `json:"error,omitempty"`
}

// Authenticated reports whether the state carries a live session.
func (st State) Authenticated() bool {
	return st.Phase == PhaseAuthenticated && st.Session != nil
}
