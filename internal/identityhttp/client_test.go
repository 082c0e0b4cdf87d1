package identityhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberjournal/synccore/pkg/session"
)

// fakeIdentityServer mimics the identity REST dialect for tests.
type fakeIdentityServer struct {
	*httptest.Server
	validAccess  string
	validRefresh string
}

func newFakeIdentityServer(t *testing.T) *fakeIdentityServer {
	t.Helper()
	f := &fakeIdentityServer{
		validAccess:  "access-1",
		validRefresh: "refresh-1",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/signin", func(w http.ResponseWriter, r *http.Request) {
		var req signInRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Email != "user@example.com" || req.Password != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.writeSession(w, "user-1", req.Email, false)
	})
	mux.HandleFunc("POST /v1/register", func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.WriteHeader(http.StatusCreated)
		f.writeSessionBody(w, "user-2", req.Email, false)
	})
	mux.HandleFunc("POST /v1/anonymous", func(w http.ResponseWriter, r *http.Request) {
		f.writeSession(w, "guest-1", "", true)
	})
	mux.HandleFunc("POST /v1/signout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /v1/refresh", func(w http.ResponseWriter, r *http.Request) {
		var req refreshRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.RefreshToken != f.validRefresh {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.validAccess = "access-2"
		f.validRefresh = "refresh-2"
		f.writeSession(w, "user-1", "user@example.com", false)
	})
	mux.HandleFunc("GET /v1/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+f.validAccess {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(sessionPayload{
			UserID: "user-1",
			Email:  "user@example.com",
		})
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeIdentityServer) writeSession(w http.ResponseWriter, userID, email string, anonymous bool) {
	w.WriteHeader(http.StatusOK)
	f.writeSessionBody(w, userID, email, anonymous)
}

func (f *fakeIdentityServer) writeSessionBody(w http.ResponseWriter, userID, email string, anonymous bool) {
	_ = json.NewEncoder(w).Encode(sessionPayload{
		UserID:       userID,
		Email:        email,
		IsAnonymous:  anonymous,
		AccessToken:  f.validAccess,
		RefreshToken: f.validRefresh,
	})
}

func TestSignIn(t *testing.T) {
	srv := newFakeIdentityServer(t)
	client := NewClient(srv.URL)

	sess, err := client.SignIn(context.Background(), "user@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, "access-1", sess.AccessToken)
	assert.False(t, sess.IsAnonymous)
	assert.NotZero(t, sess.CreatedAt)

	// Tokens were adopted; the user lookup now succeeds.
	authed, err := client.IsAuthenticated(context.Background())
	require.NoError(t, err)
	assert.True(t, authed)
}

func TestSignInRejected(t *testing.T) {
	srv := newFakeIdentityServer(t)
	client := NewClient(srv.URL)

	_, err := client.SignIn(context.Background(), "user@example.com", "wrong")
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	srv := newFakeIdentityServer(t)
	client := NewClient(srv.URL)

	sess, err := client.Register(context.Background(), "new@example.com", "hunter2", "New User")
	require.NoError(t, err)
	assert.Equal(t, "user-2", sess.UserID)
	assert.Equal(t, "new@example.com", sess.Email)
}

func TestSignInAnonymously(t *testing.T) {
	srv := newFakeIdentityServer(t)
	client := NewClient(srv.URL)

	sess, err := client.SignInAnonymously(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "guest-1", sess.UserID)
	assert.True(t, sess.IsAnonymous)
}

func TestRefreshSession(t *testing.T) {
	srv := newFakeIdentityServer(t)
	client := NewClient(srv.URL)
	client.SetTokens("access-1", "refresh-1")

	sess, err := client.RefreshSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-2", sess.AccessToken)
	assert.Equal(t, "refresh-2", sess.RefreshToken)

	// The rotated tokens are authoritative now.
	authed, err := client.IsAuthenticated(context.Background())
	require.NoError(t, err)
	assert.True(t, authed)
}

func TestRefreshSessionInvalidCredential(t *testing.T) {
	srv := newFakeIdentityServer(t)
	client := NewClient(srv.URL)
	client.SetTokens("access-1", "stale-refresh")

	_, err := client.RefreshSession(context.Background())
	assert.ErrorIs(t, err, session.ErrSessionInvalid)
}

func TestRefreshSessionWithoutToken(t *testing.T) {
	srv := newFakeIdentityServer(t)
	client := NewClient(srv.URL)

	_, err := client.RefreshSession(context.Background())
	assert.ErrorIs(t, err, session.ErrSessionInvalid)
}

func TestIsAuthenticated(t *testing.T) {
	srv := newFakeIdentityServer(t)

	tests := []struct {
		name   string
		access string
		want   bool
	}{
		{name: "valid token", access: "access-1", want: true},
		{name: "stale token", access: "stale", want: false},
		{name: "no token", access: "", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(srv.URL)
			client.SetTokens(tt.access, "refresh-1")

			got, err := client.IsAuthenticated(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsAuthenticatedTransportError(t *testing.T) {
	srv := newFakeIdentityServer(t)
	client := NewClient(srv.URL)
	client.SetTokens("access-1", "refresh-1")
	srv.Close()

	_, err := client.IsAuthenticated(context.Background())
	assert.Error(t, err)
}

func TestGetCurrentUser(t *testing.T) {
	srv := newFakeIdentityServer(t)
	client := NewClient(srv.URL)
	client.SetTokens("access-1", "refresh-1")

	sess, err := client.GetCurrentUser(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "user-1", sess.UserID)
	// The lookup carries no credentials; the held ones are kept.
	assert.Equal(t, "access-1", sess.AccessToken)
	assert.Equal(t, "refresh-1", sess.RefreshToken)
}

func TestGetCurrentUserNone(t *testing.T) {
	srv := newFakeIdentityServer(t)

	client := NewClient(srv.URL)
	sess, err := client.GetCurrentUser(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)

	client.SetTokens("stale", "refresh-1")
	sess, err = client.GetCurrentUser(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestSignOutClearsTokens(t *testing.T) {
	srv := newFakeIdentityServer(t)
	client := NewClient(srv.URL)
	client.SetTokens("access-1", "refresh-1")

	require.NoError(t, client.SignOut(context.Background()))

	authed, err := client.IsAuthenticated(context.Background())
	require.NoError(t, err)
	assert.False(t, authed)
}
