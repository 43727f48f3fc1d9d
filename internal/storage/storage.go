// Package storage defines the persistence interfaces for the authorization
// server's short-lived flow state: pending login sessions, delegated upstream
// flow state, single-use authorization codes, and refresh tokens.
//
// All records are time-boxed. Implementations delete expired records lazily
// on read and sweep the rest periodically; an expired record is
// indistinguishable from a missing one.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist or has expired.
var ErrNotFound = errors.New("record not found")

// Session is a pending authorization session created at the /authorize
// endpoint. It holds the client's PKCE binding until the user proves their
// identity, either through the local login form or the upstream provider.
type Session struct {
	// ID is the session handle, a high-entropy URL-safe string.
	ID string

	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	// Resource is the optional RFC 8707 resource indicator from the
	// authorization request.
	Resource string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Delegation links an upstream OAuth flow back to the originating session.
// It is keyed by the server-generated state sent to the upstream provider
// and holds the server-side PKCE verifier for the upstream exchange.
type Delegation struct {
	// State is the server-generated state parameter, also the record key.
	State string

	SessionID    string
	CodeVerifier string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// AuthorizationCode is a single-use code bound to the client, redirect URI,
// and PKCE challenge of the session it was minted from. The resolved user
// identity and upstream credential ride along for token issuance.
type AuthorizationCode struct {
	Code string

	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string

	UserID     string
	Credential string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// RefreshToken is an opaque rotating refresh token. Each use consumes the
// record and issues a replacement.
type RefreshToken struct {
	Token string

	UserID     string
	Credential string
	Scope      string
	ClientID   string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// SessionStore persists pending authorization sessions.
type SessionStore interface {
	// PutSession stores a session under its ID.
	PutSession(ctx context.Context, s *Session) error

	// GetSession returns the session without consuming it. Login retries
	// reuse the same session until it expires.
	GetSession(ctx context.Context, id string) (*Session, error)

	// PopSession atomically returns and deletes the session. Under
	// concurrent calls exactly one caller wins.
	PopSession(ctx context.Context, id string) (*Session, error)
}

// DelegationStore persists upstream flow state for delegated mode.
type DelegationStore interface {
	PutDelegation(ctx context.Context, d *Delegation) error

	// PopDelegation atomically returns and deletes the delegation. Upstream
	// callbacks are single-shot.
	PopDelegation(ctx context.Context, state string) (*Delegation, error)
}

// CodeStore persists single-use authorization codes.
type CodeStore interface {
	PutCode(ctx context.Context, c *AuthorizationCode) error

	// PopCode atomically returns and deletes the code. The code is consumed
	// even if the exchange later fails validation.
	PopCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// RefreshStore persists refresh tokens.
type RefreshStore interface {
	PutRefreshToken(ctx context.Context, t *RefreshToken) error

	// PopRefreshToken atomically returns and deletes the token; rotation
	// invalidates the presented handle before its replacement is issued.
	PopRefreshToken(ctx context.Context, token string) (*RefreshToken, error)
}

// Store combines all flow state stores behind one backend.
type Store interface {
	SessionStore
	DelegationStore
	CodeStore
	RefreshStore

	// Sweep removes all expired records.
	Sweep(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
