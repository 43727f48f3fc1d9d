package oauth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sokosumi/mcp-gateway/internal/server"
	"github.com/sokosumi/mcp-gateway/internal/token"
)

type contextKey int

const claimsContextKey contextKey = iota

// ContextWithClaims returns a context carrying validated token claims.
// Middleware uses it; tests use it to simulate an authenticated request.
func ContextWithClaims(ctx context.Context, claims *token.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the validated token claims set by Middleware.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*token.Claims)
	return claims, ok
}

// UserIDFromContext returns the authenticated user's ID.
func UserIDFromContext(ctx context.Context) string {
	if claims, ok := ClaimsFromContext(ctx); ok {
		return claims.UserID
	}
	return ""
}

// CredentialFromContext returns the Sokosumi credential bound to the access
// token. Sensitive; callers pass it to the platform API and nowhere else.
func CredentialFromContext(ctx context.Context) string {
	if claims, ok := ClaimsFromContext(ctx); ok {
		return claims.Credential
	}
	return ""
}

// ExtractBearerToken pulls the bearer token from the Authorization header.
func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// Middleware protects the MCP resource. Requests without a valid access
// token get a 401 carrying the WWW-Authenticate challenge that points
// clients at the protected resource metadata, which is how MCP clients
// bootstrap the OAuth flow.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := ExtractBearerToken(r)
		if raw == "" {
			h.writeError(w, server.ErrInvalidToken("missing bearer token"))
			return
		}

		claims, err := h.tokens.ValidateAccess(raw)
		if err != nil {
			if h.metrics != nil {
				h.metrics.TokenValidationFailed.Add(r.Context(), 1)
			}
			if errors.Is(err, token.ErrTokenExpired) {
				h.writeError(w, server.ErrInvalidToken("token has expired"))
				return
			}
			h.writeError(w, server.ErrInvalidToken("token is invalid"))
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}
