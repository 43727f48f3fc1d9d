package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.ServerURL)
	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, "local", cfg.AuthMode)
	assert.Equal(t, "https://app.sokosumi.com", cfg.APIBaseURL)
	assert.Equal(t, 10*time.Minute, cfg.SessionTTL)
	assert.Equal(t, 10*time.Minute, cfg.CodeTTL)
	assert.Equal(t, time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.RefreshTokenTTL)
	assert.True(t, cfg.AuditEnabled)
	assert.False(t, cfg.TrustProxyHeaders)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MCP_SERVER_URL", "https://mcp.sokosumi.com/")
	t.Setenv("PORT", "9000")
	t.Setenv("OAUTH_ACCESS_TOKEN_TTL_SECONDS", "1800")
	t.Setenv("TRUST_PROXY_HEADERS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://mcp.sokosumi.com", cfg.ServerURL)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL)
	assert.True(t, cfg.TrustProxyHeaders)
}

func TestLoadDelegatedRequiresClientID(t *testing.T) {
	t.Setenv("AUTH_MODE", "delegated")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("OAUTH_CLIENT_ID", "gateway-client")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "delegated", cfg.AuthMode)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	t.Setenv("AUTH_MODE", "magic")
	_, err := Load()
	assert.Error(t, err)
}
