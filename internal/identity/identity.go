// Package identity resolves the user behind an authorization attempt. The
// gateway supports two resolution paths: a local one that verifies a
// Sokosumi API key directly, and a delegated one that runs a nested OAuth
// flow against the upstream Sokosumi identity provider.
package identity

import (
	"context"
	"errors"
)

// ErrInvalidCredential is returned when the presented credential is rejected
// by the platform. The login form shows a retry on this error; everything
// else is surfaced as a server failure.
var ErrInvalidCredential = errors.New("identity: invalid credential")

// Identity is a resolved user together with the credential that downstream
// platform calls will be made with. Credential is either the verified API
// key (local mode) or the upstream access token (delegated mode); it is
// sensitive and must never be logged.
type Identity struct {
	UserID     string
	Name       string
	Email      string
	Credential string
}

// CredentialResolver verifies a user-supplied credential. Used in local mode
// by the login form handler.
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, credential string) (*Identity, error)
}

// Delegator drives the nested OAuth flow against the upstream provider.
// Used in delegated mode.
type Delegator interface {
	// AuthorizationURL builds the upstream authorization redirect for a
	// server-generated state and S256 code challenge.
	AuthorizationURL(state, codeChallenge string) string

	// Exchange redeems the upstream authorization code with the stored
	// verifier and resolves the user profile. The returned identity carries
	// the upstream access token as its credential.
	Exchange(ctx context.Context, code, codeVerifier string) (*Identity, error)

	// BaseURL returns the provider's base URL, used to link the user back
	// to the provider from failure pages.
	BaseURL() string
}
