// Package sokosumi is a minimal client for the Sokosumi platform API. The
// gateway only needs the identity endpoint: it verifies API keys during the
// local login flow and backs the whoami diagnostic tool.
package sokosumi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// DefaultBaseURL is the production Sokosumi API.
const DefaultBaseURL = "https://app.sokosumi.com"

// defaultTimeout bounds identity lookups so a slow platform API cannot hang
// a login request.
const defaultTimeout = 10 * time.Second

// ErrUnauthorized is returned when the platform rejects the API key.
var ErrUnauthorized = errors.New("sokosumi: api key rejected")

// User is the identity returned by the platform for an API key.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Client calls the Sokosumi platform API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a platform client. An empty baseURL selects the
// production API.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Me returns the user the API key belongs to. A 401 or 403 from the platform
// maps to ErrUnauthorized; any other non-200 status is a transport error.
func (c *Client) Me(ctx context.Context, apiKey string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/me", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("identity request returned status %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode identity response: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("identity response missing user id")
	}
	return &user, nil
}
