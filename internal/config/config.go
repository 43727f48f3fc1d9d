// Package config loads the gateway configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full environment-driven configuration.
type Config struct {
	// ServerURL is the external URL of the gateway (issuer and audience).
	ServerURL string

	// ListenAddr is the local bind address, derived from PORT.
	ListenAddr string

	// AuthMode is "local" or "delegated".
	AuthMode string

	// APIBaseURL is the Sokosumi platform API used for API-key verification
	// and the whoami tool.
	APIBaseURL string

	// Upstream identity provider settings for delegated mode.
	UpstreamBaseURL      string
	UpstreamClientID     string
	UpstreamClientSecret string

	// Signing key material. PrivateKeyPEM may be empty, in which case a key
	// is generated at startup.
	PrivateKeyPEM string
	KeyID         string

	// Optional confidential client pin.
	ConfidentialClientID   string
	ClientSecretBcryptHash string

	// Lifetimes, in seconds in the environment.
	SessionTTL      time.Duration
	CodeTTL         time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Rate limiting for the interactive OAuth endpoints.
	RateLimitPerSecond float64
	RateLimitBurst     int

	TrustProxyHeaders bool
	AuditEnabled      bool
	TelemetryEnabled  bool
}

// Load reads the configuration from the environment and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ServerURL:              strings.TrimRight(envOr("MCP_SERVER_URL", "http://localhost:8000"), "/"),
		AuthMode:               envOr("AUTH_MODE", "local"),
		APIBaseURL:             envOr("SOKOSUMI_API_BASE_URL", "https://app.sokosumi.com"),
		UpstreamBaseURL:        envOr("SOKOSUMI_OAUTH_BASE_URL", "https://app.sokosumi.com"),
		UpstreamClientID:       os.Getenv("OAUTH_CLIENT_ID"),
		UpstreamClientSecret:   os.Getenv("OAUTH_CLIENT_SECRET"),
		PrivateKeyPEM:          os.Getenv("OAUTH_PRIVATE_KEY"),
		KeyID:                  os.Getenv("OAUTH_KEY_ID"),
		ConfidentialClientID:   os.Getenv("OAUTH_CONFIDENTIAL_CLIENT_ID"),
		ClientSecretBcryptHash: os.Getenv("OAUTH_CONFIDENTIAL_CLIENT_SECRET_HASH"),
	}

	port, err := envInt("PORT", 8000)
	if err != nil {
		return nil, err
	}
	cfg.ListenAddr = fmt.Sprintf(":%d", port)

	if cfg.SessionTTL, err = envSeconds("OAUTH_SESSION_TTL_SECONDS", 600); err != nil {
		return nil, err
	}
	if cfg.CodeTTL, err = envSeconds("OAUTH_CODE_TTL_SECONDS", 600); err != nil {
		return nil, err
	}
	if cfg.AccessTokenTTL, err = envSeconds("OAUTH_ACCESS_TOKEN_TTL_SECONDS", 3600); err != nil {
		return nil, err
	}
	if cfg.RefreshTokenTTL, err = envSeconds("OAUTH_REFRESH_TOKEN_TTL_SECONDS", 30*24*3600); err != nil {
		return nil, err
	}

	rps, err := envInt("RATE_LIMIT_PER_SECOND", 10)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitPerSecond = float64(rps)
	if cfg.RateLimitBurst, err = envInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, err
	}

	cfg.TrustProxyHeaders = envBool("TRUST_PROXY_HEADERS", false)
	cfg.AuditEnabled = envBool("AUDIT_LOG_ENABLED", true)
	cfg.TelemetryEnabled = envBool("TELEMETRY_ENABLED", false)

	switch cfg.AuthMode {
	case "local":
	case "delegated":
		if cfg.UpstreamClientID == "" {
			return nil, fmt.Errorf("delegated mode requires OAUTH_CLIENT_ID")
		}
	default:
		return nil, fmt.Errorf("AUTH_MODE must be local or delegated, got %q", cfg.AuthMode)
	}

	return cfg, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, v)
	}
	return n, nil
}

func envSeconds(name string, fallback int) (time.Duration, error) {
	n, err := envInt(name, fallback)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive", name)
	}
	return time.Duration(n) * time.Second, nil
}

func envBool(name string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
