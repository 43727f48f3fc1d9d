// Package server implements the authorization flow state machine: starting
// flows at /authorize, completing them through the local login form or the
// upstream provider callback, and exchanging codes and refresh tokens at the
// token endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/sokosumi/mcp-gateway/internal/identity"
	"github.com/sokosumi/mcp-gateway/internal/instrumentation"
	"github.com/sokosumi/mcp-gateway/internal/pkce"
	"github.com/sokosumi/mcp-gateway/internal/security"
	"github.com/sokosumi/mcp-gateway/internal/storage"
	"github.com/sokosumi/mcp-gateway/internal/token"
	"github.com/sokosumi/mcp-gateway/internal/util"
)

// Grant types accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// Flow orchestrates the authorization server's state machine.
type Flow struct {
	cfg    Config
	store  storage.Store
	tokens *token.Service

	resolver  identity.CredentialResolver
	delegator identity.Delegator

	auditor *security.Auditor
	metrics *instrumentation.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithResolver sets the local-mode credential resolver.
func WithResolver(r identity.CredentialResolver) FlowOption {
	return func(f *Flow) { f.resolver = r }
}

// WithDelegator sets the delegated-mode upstream driver.
func WithDelegator(d identity.Delegator) FlowOption {
	return func(f *Flow) { f.delegator = d }
}

// WithAuditor sets the security auditor.
func WithAuditor(a *security.Auditor) FlowOption {
	return func(f *Flow) { f.auditor = a }
}

// WithMetrics attaches flow metrics.
func WithMetrics(m *instrumentation.Metrics) FlowOption {
	return func(f *Flow) { f.metrics = m }
}

// WithTimeFunc overrides the clock, for tests.
func WithTimeFunc(now func() time.Time) FlowOption {
	return func(f *Flow) { f.now = now }
}

// NewFlow validates the configuration and builds the flow controller.
func NewFlow(cfg Config, store storage.Store, tokens *token.Service, opts ...FlowOption) (*Flow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token service is required")
	}

	warnings := cfg.applySecureDefaults()

	f := &Flow{
		cfg:    cfg,
		store:  store,
		tokens: tokens,
		logger: cfg.Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.auditor == nil {
		f.auditor = security.NewAuditor(f.logger, cfg.AuditEnabled)
	}

	switch cfg.Mode {
	case ModeLocal:
		if f.resolver == nil {
			return nil, fmt.Errorf("local mode requires a credential resolver")
		}
	case ModeDelegated:
		if f.delegator == nil {
			return nil, fmt.Errorf("delegated mode requires an upstream delegator")
		}
	}

	for _, w := range warnings {
		f.logger.Warn("Security configuration warning", "warning", w)
	}

	return f, nil
}

// Config returns the effective configuration.
func (f *Flow) Config() Config {
	return f.cfg
}

// UpstreamBaseURL returns the upstream provider's base URL in delegated
// mode, or "" when no delegator is configured.
func (f *Flow) UpstreamBaseURL() string {
	if f.delegator == nil {
		return ""
	}
	return f.delegator.BaseURL()
}

// AuthorizeRequest carries the query parameters of a GET /oauth/authorize.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Resource            string
}

// AuthorizationStart is the outcome of a valid /authorize request. In local
// mode SessionID identifies the pending session rendered into the login
// form; in delegated mode RedirectURL points at the upstream provider.
type AuthorizationStart struct {
	SessionID   string
	RedirectURL string
}

// StartAuthorization validates the client's request and opens a pending
// session. Validation failures are returned to the user agent directly, not
// redirected, since the redirect URI is not yet trusted.
func (f *Flow) StartAuthorization(ctx context.Context, req AuthorizeRequest, clientIP string) (*AuthorizationStart, error) {
	if req.ResponseType != "code" {
		return nil, ErrInvalidRequest("response_type must be code")
	}
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if req.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}
	if redirect, err := url.Parse(req.RedirectURI); err != nil || !redirect.IsAbs() {
		return nil, ErrInvalidRequest("redirect_uri must be an absolute URL")
	}
	if req.CodeChallenge == "" {
		return nil, ErrInvalidRequest("code_challenge is required (PKCE)")
	}

	method := req.CodeChallengeMethod
	if method == "" {
		method = pkce.MethodS256
	}
	if method != pkce.MethodS256 {
		return nil, ErrInvalidRequest("code_challenge_method must be S256")
	}

	now := f.now()
	sess := &storage.Session{
		ID:                  generateRandomToken(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		Resource:            req.Resource,
		CreatedAt:           now,
		ExpiresAt:           now.Add(f.cfg.SessionTTL),
	}
	if err := f.store.PutSession(ctx, sess); err != nil {
		f.logger.Error("Failed to store session", "error", err)
		return nil, ErrServerError("failed to start authorization")
	}

	f.auditor.LogFlowStarted(req.ClientID, clientIP, string(f.cfg.Mode))
	if f.metrics != nil {
		f.metrics.AuthorizationStarted.Add(ctx, 1)
	}
	f.logger.Info("Authorization flow started",
		"client_id", req.ClientID,
		"session_prefix", util.SafeTruncate(sess.ID, 8),
		"mode", f.cfg.Mode)

	if f.cfg.Mode == ModeLocal {
		return &AuthorizationStart{SessionID: sess.ID}, nil
	}

	redirectURL, err := f.startDelegation(ctx, sess, now)
	if err != nil {
		return nil, err
	}
	return &AuthorizationStart{SessionID: sess.ID, RedirectURL: redirectURL}, nil
}

// startDelegation stores upstream flow state and builds the provider
// redirect. The upstream leg gets its own PKCE pair and state; the client's
// challenge stays bound to the session.
func (f *Flow) startDelegation(ctx context.Context, sess *storage.Session, now time.Time) (string, error) {
	verifier, err := pkce.NewVerifier()
	if err != nil {
		f.logger.Error("Failed to generate upstream verifier", "error", err)
		return "", ErrServerError("failed to start authorization")
	}

	state := generateRandomToken()
	if err := f.store.PutDelegation(ctx, &storage.Delegation{
		State:        state,
		SessionID:    sess.ID,
		CodeVerifier: verifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(f.cfg.SessionTTL),
	}); err != nil {
		f.logger.Error("Failed to store delegation", "error", err)
		return "", ErrServerError("failed to start authorization")
	}

	return f.delegator.AuthorizationURL(state, pkce.Challenge(verifier)), nil
}

// Session returns a live pending session, for re-rendering the login form.
// An unknown or expired session is a client error: the form submission can
// no longer be honored and the user must restart at /authorize.
func (f *Flow) Session(ctx context.Context, sessionID string) (*storage.Session, error) {
	sess, err := f.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrInvalidRequest("session is invalid or has expired")
		}
		return nil, ErrServerError("failed to load session")
	}
	return sess, nil
}

// CompleteLogin handles a local-mode login form submission. An invalid
// credential returns identity.ErrInvalidCredential and leaves the session
// alive so the form can be retried until the session expires. On success the
// session is consumed and the client redirect with the authorization code is
// returned.
func (f *Flow) CompleteLogin(ctx context.Context, sessionID, apiKey, clientIP string) (string, error) {
	if f.cfg.Mode != ModeLocal {
		return "", ErrInvalidRequest("login is not available in delegated mode")
	}
	if f.metrics != nil {
		f.metrics.LoginAttempts.Add(ctx, 1)
	}

	sess, err := f.Session(ctx, sessionID)
	if err != nil {
		return "", err
	}

	ident, err := f.resolver.ResolveCredential(ctx, apiKey)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredential) {
			f.auditor.LogAuthFailure("", sess.ClientID, clientIP, "invalid api key")
			return "", identity.ErrInvalidCredential
		}
		f.logger.Error("Credential resolution failed", "error", err)
		return "", ErrServerError("failed to verify credentials")
	}

	// Consume the session only after the credential checked out; exactly one
	// login submission can win.
	if _, err := f.store.PopSession(ctx, sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidRequest("session is invalid or has expired")
		}
		return "", ErrServerError("failed to consume session")
	}

	return f.mintCode(ctx, sess, ident, clientIP)
}

// HandleUpstreamCallback handles the provider redirect in delegated mode.
// The state is consumed before anything else, making callbacks single-shot.
func (f *Flow) HandleUpstreamCallback(ctx context.Context, state, code, clientIP string) (string, error) {
	if f.cfg.Mode != ModeDelegated {
		return "", ErrInvalidRequest("callback is not available in local mode")
	}
	if state == "" || code == "" {
		return "", ErrInvalidRequest("state and code are required")
	}
	if f.metrics != nil {
		f.metrics.CallbackProcessed.Add(ctx, 1)
	}

	delegation, err := f.store.PopDelegation(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			f.auditor.LogAuthFailure("", "", clientIP, "unknown or expired callback state")
			return "", ErrInvalidRequest("unknown or expired state")
		}
		return "", ErrServerError("failed to load delegation state")
	}

	sess, err := f.store.PopSession(ctx, delegation.SessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrAccessDenied("session is invalid or has expired")
		}
		return "", ErrServerError("failed to consume session")
	}

	ident, err := f.delegator.Exchange(ctx, code, delegation.CodeVerifier)
	if err != nil {
		f.logger.Error("Upstream exchange failed", "error", err)
		f.auditor.LogAuthFailure("", sess.ClientID, clientIP, "upstream exchange failed")
		return "", ErrAccessDenied("upstream authorization failed")
	}

	return f.mintCode(ctx, sess, ident, clientIP)
}

// mintCode stores an authorization code carrying the session's client
// binding and the resolved identity, then builds the client redirect.
func (f *Flow) mintCode(ctx context.Context, sess *storage.Session, ident *identity.Identity, clientIP string) (string, error) {
	now := f.now()
	code := &storage.AuthorizationCode{
		Code:                generateRandomToken(),
		ClientID:            sess.ClientID,
		RedirectURI:         sess.RedirectURI,
		Scope:               sess.Scope,
		CodeChallenge:       sess.CodeChallenge,
		CodeChallengeMethod: sess.CodeChallengeMethod,
		UserID:              ident.UserID,
		Credential:          ident.Credential,
		CreatedAt:           now,
		ExpiresAt:           now.Add(f.cfg.CodeTTL),
	}
	if err := f.store.PutCode(ctx, code); err != nil {
		f.logger.Error("Failed to store authorization code", "error", err)
		return "", ErrServerError("failed to issue authorization code")
	}

	f.auditor.LogCodeIssued(ident.UserID, sess.ClientID, clientIP)
	if f.metrics != nil {
		f.metrics.CodeIssued.Add(ctx, 1)
	}
	f.logger.Info("Authorization code issued",
		"client_id", sess.ClientID,
		"code_prefix", util.SafeTruncate(code.Code, 8))

	redirect, err := url.Parse(sess.RedirectURI)
	if err != nil {
		return "", ErrServerError("stored redirect URI is invalid")
	}
	q := redirect.Query()
	q.Set("code", code.Code)
	if sess.State != "" {
		q.Set("state", sess.State)
	}
	redirect.RawQuery = q.Encode()
	return redirect.String(), nil
}

// TokenRequest carries the form parameters of a POST /oauth/token.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
}

// Exchange dispatches a token request to the matching grant handler.
func (f *Flow) Exchange(ctx context.Context, req TokenRequest, clientIP string) (*token.Pair, error) {
	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return f.exchangeAuthorizationCode(ctx, req, clientIP)
	case GrantTypeRefreshToken:
		return f.refreshToken(ctx, req, clientIP)
	case "":
		return nil, ErrInvalidRequest("grant_type is required")
	default:
		return nil, ErrUnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", req.GrantType))
	}
}

// exchangeAuthorizationCode redeems a single-use code for a token pair. The
// code is consumed up front: a later validation failure still burns it, so a
// stolen code cannot be retried against different parameters.
func (f *Flow) exchangeAuthorizationCode(ctx context.Context, req TokenRequest, clientIP string) (*token.Pair, error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if req.CodeVerifier == "" {
		return nil, ErrInvalidRequest("code_verifier is required (PKCE)")
	}
	if err := f.authenticateClient(req.ClientID, req.ClientSecret); err != nil {
		return nil, err
	}

	record, err := f.store.PopCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			f.auditor.LogAuthFailure("", req.ClientID, clientIP, "unknown or expired authorization code")
			return nil, ErrInvalidGrant("authorization code is invalid or has expired")
		}
		return nil, ErrServerError("failed to load authorization code")
	}

	if record.ClientID != req.ClientID {
		f.auditor.LogAuthFailure(record.UserID, req.ClientID, clientIP, "code client mismatch")
		return nil, ErrInvalidGrant("authorization code was issued to another client")
	}
	if record.RedirectURI != req.RedirectURI {
		f.auditor.LogAuthFailure(record.UserID, req.ClientID, clientIP, "code redirect_uri mismatch")
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}
	if record.CodeChallengeMethod != pkce.MethodS256 {
		return nil, ErrInvalidGrant("unsupported code challenge method")
	}
	if !pkce.Verify(req.CodeVerifier, record.CodeChallenge) {
		f.auditor.LogAuthFailure(record.UserID, req.ClientID, clientIP, "pkce verification failed")
		if f.metrics != nil {
			f.metrics.PKCEVerifyFailed.Add(ctx, 1)
		}
		return nil, ErrInvalidGrant("PKCE verification failed")
	}

	ident := &identity.Identity{UserID: record.UserID, Credential: record.Credential}
	pair, err := f.tokens.IssuePair(ctx, ident, record.Scope, record.ClientID)
	if err != nil {
		f.logger.Error("Failed to issue tokens", "error", err)
		return nil, ErrServerError("failed to issue tokens")
	}

	f.auditor.LogTokenIssued(record.UserID, record.ClientID, clientIP, record.Scope)
	if f.metrics != nil {
		f.metrics.CodeExchanged.Add(ctx, 1)
	}
	f.logger.Info("Authorization code exchanged",
		"client_id", record.ClientID,
		"code_prefix", util.SafeTruncate(req.Code, 8))

	return pair, nil
}

// refreshToken rotates a refresh token into a fresh pair.
func (f *Flow) refreshToken(ctx context.Context, req TokenRequest, clientIP string) (*token.Pair, error) {
	if req.RefreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}
	if err := f.authenticateClient(req.ClientID, req.ClientSecret); err != nil {
		return nil, err
	}

	pair, err := f.tokens.Refresh(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, token.ErrRefreshInvalid) {
			f.auditor.LogAuthFailure("", req.ClientID, clientIP, "invalid refresh token")
			return nil, ErrInvalidGrant("refresh token is invalid or has expired")
		}
		f.logger.Error("Refresh failed", "error", err)
		return nil, ErrServerError("failed to refresh tokens")
	}

	f.auditor.LogTokenRefreshed("", req.ClientID, clientIP)
	if f.metrics != nil {
		f.metrics.TokenRefreshed.Add(ctx, 1)
	}
	return pair, nil
}

// authenticateClient enforces the optional confidential client secret. All
// other client IDs are public clients whose proof is PKCE.
func (f *Flow) authenticateClient(clientID, clientSecret string) error {
	if f.cfg.ConfidentialClientID == "" || clientID != f.cfg.ConfidentialClientID {
		return nil
	}
	if clientSecret == "" {
		return ErrInvalidClient("client_secret is required for this client")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(f.cfg.ClientSecretBcryptHash), []byte(clientSecret)); err != nil {
		return ErrInvalidClient("client authentication failed")
	}
	return nil
}

// generateRandomToken returns a high-entropy URL-safe token for session IDs,
// states, and authorization codes.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
