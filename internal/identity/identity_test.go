package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokosumi/mcp-gateway/internal/sokosumi"
)

func TestLocalResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"user-42","name":"Ada","email":"ada@example.com"}`))
	}))
	defer srv.Close()

	r := NewLocalResolver(sokosumi.NewClient(srv.URL), nil)

	id, err := r.ResolveCredential(context.Background(), "good-key")
	require.NoError(t, err)
	assert.Equal(t, "user-42", id.UserID)
	assert.Equal(t, "good-key", id.Credential)
	assert.Equal(t, "ada@example.com", id.Email)

	_, err = r.ResolveCredential(context.Background(), "bad-key")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = r.ResolveCredential(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestLocalResolverPlatformOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewLocalResolver(sokosumi.NewClient(srv.URL), nil)
	_, err := r.ResolveCredential(context.Background(), "any-key")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredential)
}

func TestUpstreamAuthorizationURL(t *testing.T) {
	u, err := NewUpstream(UpstreamConfig{
		BaseURL:     "https://app.sokosumi.com",
		ClientID:    "gateway-client",
		RedirectURL: "https://mcp.sokosumi.com/oauth/callback",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "https://app.sokosumi.com", u.BaseURL())

	raw := u.AuthorizationURL("state-xyz", "challenge-abc")
	parsed, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "/auth/oauth2/authorize", parsed.Path)
	q := parsed.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "gateway-client", q.Get("client_id"))
	assert.Equal(t, "state-xyz", q.Get("state"))
	assert.Equal(t, "challenge-abc", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "openid profile email", q.Get("scope"))
}

func TestUpstreamExchange(t *testing.T) {
	var gotVerifier string
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotVerifier = r.Form.Get("code_verifier")
		assert.Equal(t, "upstream-code", r.Form.Get("code"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "upstream-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/auth/oauth2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer upstream-access-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"sub":"upstream-user-1","name":"Upstream User","email":"up@example.com"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, err := NewUpstream(UpstreamConfig{
		BaseURL:      srv.URL,
		ClientID:     "gateway-client",
		ClientSecret: "gateway-secret",
		RedirectURL:  "https://mcp.sokosumi.com/oauth/callback",
	}, nil)
	require.NoError(t, err)

	id, err := u.Exchange(context.Background(), "upstream-code", "verifier-123")
	require.NoError(t, err)
	assert.Equal(t, "verifier-123", gotVerifier)
	assert.Equal(t, "upstream-user-1", id.UserID)
	assert.Equal(t, "upstream-access-token", id.Credential)
}

func TestUpstreamExchangeTokenError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "token") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	u, err := NewUpstream(UpstreamConfig{
		BaseURL:     srv.URL,
		ClientID:    "gateway-client",
		RedirectURL: "https://mcp.sokosumi.com/oauth/callback",
	}, nil)
	require.NoError(t, err)

	_, err = u.Exchange(context.Background(), "bad-code", "verifier")
	assert.Error(t, err)
}

func TestNewUpstreamValidation(t *testing.T) {
	_, err := NewUpstream(UpstreamConfig{ClientID: "x", RedirectURL: "y"}, nil)
	assert.Error(t, err)

	_, err = NewUpstream(UpstreamConfig{BaseURL: "https://idp", RedirectURL: "y"}, nil)
	assert.Error(t, err)

	_, err = NewUpstream(UpstreamConfig{BaseURL: "https://idp", ClientID: "x"}, nil)
	assert.Error(t, err)
}
