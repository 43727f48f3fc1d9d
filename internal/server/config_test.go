package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid https",
			mutate: func(c *Config) {},
		},
		{
			name:   "valid loopback http",
			mutate: func(c *Config) { c.IssuerURL = "http://localhost:8000" },
		},
		{
			name:    "missing issuer",
			mutate:  func(c *Config) { c.IssuerURL = "" },
			wantErr: "issuer URL is required",
		},
		{
			name:    "relative issuer",
			mutate:  func(c *Config) { c.IssuerURL = "/oauth" },
			wantErr: "not an absolute URL",
		},
		{
			name:    "http outside loopback",
			mutate:  func(c *Config) { c.IssuerURL = "http://mcp.example.com" },
			wantErr: "must use https",
		},
		{
			name:    "missing mode",
			mutate:  func(c *Config) { c.Mode = "" },
			wantErr: "mode is required",
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Mode = "federated" },
			wantErr: "unknown mode",
		},
		{
			name: "confidential client without secret hash",
			mutate: func(c *Config) {
				c.ConfidentialClientID = "backend"
				c.ClientSecretBcryptHash = ""
			},
			wantErr: "without a secret hash",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				IssuerURL: "https://mcp.sokosumi.com",
				Mode:      ModeLocal,
			}
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestApplySecureDefaultsFillsZeroValues(t *testing.T) {
	cfg := Config{
		IssuerURL: "https://mcp.sokosumi.com",
		Mode:      ModeLocal,
	}

	warnings := cfg.applySecureDefaults()

	assert.Empty(t, warnings)
	assert.Equal(t, DefaultSessionTTL, cfg.SessionTTL)
	assert.Equal(t, DefaultCodeTTL, cfg.CodeTTL)
	assert.Equal(t, DefaultAccessTokenTTL, cfg.AccessTokenTTL)
	assert.Equal(t, DefaultRefreshTokenTTL, cfg.RefreshTokenTTL)
	assert.NotNil(t, cfg.Logger)
}

func TestApplySecureDefaultsWarnings(t *testing.T) {
	cfg := Config{
		IssuerURL:      "http://localhost:8000",
		Mode:           ModeLocal,
		AccessTokenTTL: 48 * time.Hour,
		CodeTTL:        2 * time.Hour,
	}

	warnings := cfg.applySecureDefaults()

	require.Len(t, warnings, 3)
	assert.Contains(t, warnings[0], "access token TTL")
	assert.Contains(t, warnings[1], "authorization code TTL")
	assert.Contains(t, warnings[2], "not https")

	// Explicit values survive defaulting.
	assert.Equal(t, 48*time.Hour, cfg.AccessTokenTTL)
}
