// Package identityhttp is the HTTP implementation of the identity
// service collaborator. It speaks a small JSON REST dialect:
//
//	POST /v1/signin     email/password authentication
//	POST /v1/register   account creation
//	POST /v1/anonymous  guest identity
//	POST /v1/signout    remote session invalidation
//	POST /v1/refresh    refresh-token exchange
//	GET  /v1/me         current user lookup
//
// Every call is a single attempt with the client's timeout; callers own
// retry policy.
package identityhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/emberjournal/synccore/pkg/session"
)

const (
	defaultTimeout = 15 * time.Second
	defaultRPS     = 20
	defaultBurst   = 5
)

// Client talks to the identity service. It holds the access and refresh
// tokens for the current session and is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRateLimit bounds outbound requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewClient creates an identity client for the given base URL
// (e.g. "https://identity.example.com").
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRPS), defaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetTokens seeds the client with credentials restored from the session
// store, so a relaunched process can refresh without re-authenticating.
func (c *Client) SetTokens(access, refresh string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = access
	c.refreshToken = refresh
}

func (c *Client) tokens() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken, c.refreshToken
}

// sessionPayload is the wire shape of an identity service session.
type sessionPayload struct {
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	IsAnonymous  bool   `json:"isAnonymous"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// SignIn authenticates with email and password.
func (c *Client) SignIn(ctx context.Context, email, password string) (*session.Session, error) {
	var payload sessionPayload
	status, err := c.do(ctx, http.MethodPost, "/v1/signin", signInRequest{Email: email, Password: password}, &payload, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("sign-in rejected with status %d", status)
	}
	return c.adopt(payload), nil
}

// Register creates an account and signs it in.
func (c *Client) Register(ctx context.Context, email, password, displayName string) (*session.Session, error) {
	var payload sessionPayload
	status, err := c.do(ctx, http.MethodPost, "/v1/register", registerRequest{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
	}, &payload, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, fmt.Errorf("registration rejected with status %d", status)
	}
	return c.adopt(payload), nil
}

// SignInAnonymously creates a guest identity.
func (c *Client) SignInAnonymously(ctx context.Context) (*session.Session, error) {
	var payload sessionPayload
	status, err := c.do(ctx, http.MethodPost, "/v1/anonymous", nil, &payload, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, fmt.Errorf("anonymous sign-in rejected with status %d", status)
	}
	sess := c.adopt(payload)
	sess.IsAnonymous = true
	return sess, nil
}

// SignOut invalidates the remote session and drops the held tokens. A
// 401 means the session is already gone, which is the desired end
// state.
func (c *Client) SignOut(ctx context.Context) error {
	access, _ := c.tokens()
	status, err := c.do(ctx, http.MethodPost, "/v1/signout", nil, nil, access)
	if err != nil {
		return err
	}
	c.SetTokens("", "")
	if status != http.StatusOK && status != http.StatusNoContent && status != http.StatusUnauthorized {
		return fmt.Errorf("sign-out rejected with status %d", status)
	}
	return nil
}

// RefreshSession exchanges the refresh token for fresh credentials.
func (c *Client) RefreshSession(ctx context.Context) (*session.Session, error) {
	_, refresh := c.tokens()
	if refresh == "" {
		return nil, session.ErrSessionInvalid
	}
	var payload sessionPayload
	status, err := c.do(ctx, http.MethodPost, "/v1/refresh", refreshRequest{RefreshToken: refresh}, &payload, "")
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusOK:
		return c.adopt(payload), nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, session.ErrSessionInvalid
	default:
		return nil, fmt.Errorf("refresh rejected with status %d", status)
	}
}

// IsAuthenticated asks the service whether the held access token is
// currently valid.
func (c *Client) IsAuthenticated(ctx context.Context) (bool, error) {
	access, _ := c.tokens()
	if access == "" {
		return false, nil
	}
	status, err := c.do(ctx, http.MethodGet, "/v1/me", nil, nil, access)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("authentication check failed with status %d", status)
	}
}

// GetCurrentUser fetches the remote view of the current user, nil when
// the service has none.
func (c *Client) GetCurrentUser(ctx context.Context) (*session.Session, error) {
	access, refresh := c.tokens()
	if access == "" {
		return nil, nil
	}
	var payload sessionPayload
	status, err := c.do(ctx, http.MethodGet, "/v1/me", nil, &payload, access)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		sess := c.adopt(payload)
		// The lookup endpoint does not return credentials; keep the held
		// ones.
		if sess.AccessToken == "" {
			sess.AccessToken = access
		}
		if sess.RefreshToken == "" {
			sess.RefreshToken = refresh
		}
		return sess, nil
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("user lookup failed with status %d", status)
	}
}

// adopt converts a wire payload into a Session and stores any tokens it
// carries.
func (c *Client) adopt(payload sessionPayload) *session.Session {
	if payload.AccessToken != "" || payload.RefreshToken != "" {
		c.SetTokens(payload.AccessToken, payload.RefreshToken)
	}
	now := time.Now().UnixMilli()
	return &session.Session{
		UserID:       payload.UserID,
		Email:        payload.Email,
		DisplayName:  payload.DisplayName,
		IsAnonymous:  payload.IsAnonymous,
		CreatedAt:    now,
		LastActiveAt: now,
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
	}
}

// do performs one JSON request and decodes a 2xx body into out when out
// is non-nil. It returns the HTTP status; transport failures are
// returned as errors.
func (c *Client) do(ctx context.Context, method, path string, reqBody, out any, bearer string) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("identity service unreachable: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
