// Package oauth is the HTTP surface of the embedded authorization server:
// the discovery documents, the JWKS endpoint, the authorization and token
// endpoints, and the bearer middleware protecting the MCP resource.
package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/sokosumi/mcp-gateway/internal/identity"
	"github.com/sokosumi/mcp-gateway/internal/instrumentation"
	"github.com/sokosumi/mcp-gateway/internal/keys"
	"github.com/sokosumi/mcp-gateway/internal/security"
	"github.com/sokosumi/mcp-gateway/internal/server"
	"github.com/sokosumi/mcp-gateway/internal/token"
)

// Endpoint paths.
const (
	PathProtectedResourceMetadata   = "/.well-known/oauth-protected-resource"
	PathAuthorizationServerMetadata = "/.well-known/oauth-authorization-server"
	PathJWKS                        = "/oauth/jwks"
	PathAuthorize                   = "/oauth/authorize"
	PathLogin                       = "/oauth/login"
	PathCallback                    = "/oauth/callback"
	PathToken                       = "/oauth/token"
)

// ScopeMCP is the scope advertised for the MCP resource.
const ScopeMCP = "mcp"

// Handler serves the OAuth endpoints.
type Handler struct {
	flow    *server.Flow
	tokens  *token.Service
	keys    *keys.Manager
	limiter *security.RateLimiter
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	issuer     string
	trustProxy bool
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRateLimiter throttles the interactive endpoints per client IP.
func WithRateLimiter(rl *security.RateLimiter) HandlerOption {
	return func(h *Handler) { h.limiter = rl }
}

// WithInstrumentation attaches metrics and tracing.
func WithInstrumentation(inst *instrumentation.Instrumentation) HandlerOption {
	return func(h *Handler) {
		h.metrics = inst.Metrics()
		h.tracer = inst.Tracer("http")
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler builds the HTTP layer over a flow controller.
func NewHandler(flow *server.Flow, tokens *token.Service, km *keys.Manager, opts ...HandlerOption) (*Handler, error) {
	if flow == nil {
		return nil, fmt.Errorf("flow is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token service is required")
	}
	if km == nil {
		return nil, fmt.Errorf("key manager is required")
	}

	h := &Handler{
		flow:       flow,
		tokens:     tokens,
		keys:       km,
		tracer:     tracenoop.NewTracerProvider().Tracer("http"),
		logger:     slog.Default(),
		issuer:     tokens.Issuer(),
		trustProxy: flow.Config().TrustProxyHeaders,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// RegisterRoutes attaches all endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+PathProtectedResourceMetadata, h.instrument("protected_resource_metadata", h.serveProtectedResourceMetadata))
	mux.HandleFunc("GET "+PathAuthorizationServerMetadata, h.instrument("authorization_server_metadata", h.serveAuthorizationServerMetadata))
	mux.HandleFunc("GET "+PathJWKS, h.instrument("jwks", h.serveJWKS))
	mux.HandleFunc("GET "+PathAuthorize, h.instrument("authorize", h.rateLimited("authorize", h.serveAuthorize)))
	mux.HandleFunc("POST "+PathLogin, h.instrument("login", h.rateLimited("login", h.serveLogin)))
	mux.HandleFunc("GET "+PathCallback, h.instrument("callback", h.rateLimited("callback", h.serveCallback)))
	mux.HandleFunc("POST "+PathToken, h.instrument("token", h.rateLimited("token", h.serveToken)))
}

// instrument wraps an endpoint with a trace span and request metrics.
func (h *Handler) instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "oauth."+name)
		defer span.End()

		start := time.Now()
		next(w, r.WithContext(ctx))

		if h.metrics != nil {
			h.metrics.HTTPRequestsTotal.Add(ctx, 1)
			h.metrics.HTTPRequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
	}
}

// rateLimited throttles an endpoint per client IP.
func (h *Handler) rateLimited(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil {
			ip := security.ClientIP(r, h.trustProxy)
			if !h.limiter.Allow(ip) {
				if h.metrics != nil {
					h.metrics.RateLimitExceeded.Add(r.Context(), 1)
				}
				h.writeError(w, server.ErrRateLimited("too many requests"))
				return
			}
		}
		next(w, r)
	}
}

func (h *Handler) serveProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, ProtectedResourceMetadata{
		Resource:               h.issuer,
		AuthorizationServers:   []string{h.issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        []string{ScopeMCP},
	})
}

func (h *Handler) serveAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                            h.issuer,
		AuthorizationEndpoint:             h.issuer + PathAuthorize,
		TokenEndpoint:                     h.issuer + PathToken,
		JWKSURI:                           h.issuer + PathJWKS,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{server.GrantTypeAuthorizationCode, server.GrantTypeRefreshToken},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post"},
		ScopesSupported:                   []string{ScopeMCP},
	})
}

func (h *Handler) serveJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := h.keys.JWKS()
	if err != nil {
		h.logger.Error("Failed to build JWKS", "error", err)
		h.writeError(w, server.ErrServerError("failed to build key set"))
		return
	}
	h.writeJSON(w, r, http.StatusOK, set)
}

func (h *Handler) serveAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := server.AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Resource:            q.Get("resource"),
	}

	start, err := h.flow.StartAuthorization(r.Context(), req, security.ClientIP(r, h.trustProxy))
	if err != nil {
		h.writeError(w, err)
		return
	}

	if start.RedirectURL != "" {
		security.SetHeaders(w, h.issuer)
		http.Redirect(w, r, start.RedirectURL, http.StatusFound)
		return
	}

	h.renderLogin(w, http.StatusOK, start.SessionID, req.ClientID, "")
}

func (h *Handler) serveLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("malformed form body"))
		return
	}
	sessionID := r.PostForm.Get("session_id")
	apiKey := r.PostForm.Get("api_key")
	if sessionID == "" {
		h.writeError(w, server.ErrInvalidRequest("session_id is required"))
		return
	}

	clientIP := security.ClientIP(r, h.trustProxy)
	redirect, err := h.flow.CompleteLogin(r.Context(), sessionID, apiKey, clientIP)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredential) {
			// The session survives; re-render the form with a retry message
			// and a 400 so clients see the submission was rejected.
			sess, sessErr := h.flow.Session(r.Context(), sessionID)
			if sessErr != nil {
				h.writeError(w, sessErr)
				return
			}
			h.renderLogin(w, http.StatusBadRequest, sessionID, sess.ClientID, "That API key was not accepted. Please try again.")
			return
		}
		h.writeError(w, err)
		return
	}

	security.SetHeaders(w, h.issuer)
	http.Redirect(w, r, redirect, http.StatusFound)
}

// serveCallback handles the upstream provider redirect. The user agent here
// is a browser mid-flow, so failures render the HTML error page rather than
// the JSON envelope.
func (h *Handler) serveCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if upstreamErr := q.Get("error"); upstreamErr != "" {
		h.logger.Warn("Upstream returned an error", "error", upstreamErr)
		h.renderErrorPage(w, server.ErrAccessDenied("upstream authorization was denied"))
		return
	}

	redirect, err := h.flow.HandleUpstreamCallback(r.Context(), q.Get("state"), q.Get("code"), security.ClientIP(r, h.trustProxy))
	if err != nil {
		h.renderErrorPage(w, err)
		return
	}

	security.SetHeaders(w, h.issuer)
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (h *Handler) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrInvalidRequest("malformed form body"))
		return
	}

	req := server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
	}

	pair, err := h.flow.Exchange(r.Context(), req, security.ClientIP(r, h.trustProxy))
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, r, http.StatusOK, TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	})
}

// renderLogin writes the login form. The form needs inline styles, so it
// gets the relaxed CSP variant.
func (h *Handler) renderLogin(w http.ResponseWriter, status int, sessionID, clientID, errMsg string) {
	security.SetFormHeaders(w, h.issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := loginTemplate.Execute(w, loginPageData{
		SessionID: sessionID,
		ClientID:  clientID,
		LoginPath: PathLogin,
		Error:     errMsg,
	}); err != nil {
		h.logger.Error("Failed to render login form", "error", err)
	}
}

// renderErrorPage writes the HTML failure page for browser-facing flow
// errors, with a link back to the upstream provider when one is configured.
func (h *Handler) renderErrorPage(w http.ResponseWriter, err error) {
	oauthErr, ok := err.(*server.OAuthError)
	if !ok {
		h.logger.Error("Unexpected handler error", "error", err)
		oauthErr = server.ErrServerError("internal error")
	}

	security.SetFormHeaders(w, h.issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(oauthErr.Status)
	if execErr := errorTemplate.Execute(w, errorPageData{
		Code:        oauthErr.Code,
		Description: oauthErr.Description,
		RetryURL:    h.flow.UpstreamBaseURL(),
	}); execErr != nil {
		h.logger.Error("Failed to render error page", "error", execErr)
	}
}

// writeJSON writes a JSON body with the standard security headers.
func (h *Handler) writeJSON(w http.ResponseWriter, _ *http.Request, status int, body any) {
	security.SetHeaders(w, h.issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an OAuth error response. Non-OAuth errors are masked as
// server_error so internal details never leak. 401 responses advertise the
// protected resource metadata per RFC 9728.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	oauthErr, ok := err.(*server.OAuthError)
	if !ok {
		h.logger.Error("Unexpected handler error", "error", err)
		oauthErr = server.ErrServerError("internal error")
	}

	security.SetHeaders(w, h.issuer)
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(oauthErr))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oauthErr.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// formatWWWAuthenticate builds the Bearer challenge with the resource
// metadata URL. Quotes and backslashes in values are escaped.
func (h *Handler) formatWWWAuthenticate(oauthErr *server.OAuthError) string {
	parts := []string{
		fmt.Sprintf("resource_metadata=%q", h.issuer+PathProtectedResourceMetadata),
	}
	if oauthErr != nil && oauthErr.Code != "" {
		parts = append(parts,
			fmt.Sprintf("error=%q", oauthErr.Code),
			fmt.Sprintf("error_description=%q", oauthErr.Description),
		)
	}
	return "Bearer " + strings.Join(parts, ", ")
}
