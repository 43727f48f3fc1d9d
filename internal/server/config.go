package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"
)

// Mode selects how the gateway proves who the user is.
type Mode string

const (
	// ModeLocal renders a login form and verifies a Sokosumi API key.
	ModeLocal Mode = "local"

	// ModeDelegated forwards the user to the upstream Sokosumi identity
	// provider through a nested OAuth flow.
	ModeDelegated Mode = "delegated"
)

// Default lifetimes for flow state and tokens.
const (
	DefaultSessionTTL      = 10 * time.Minute
	DefaultCodeTTL         = 10 * time.Minute
	DefaultAccessTokenTTL  = time.Hour
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Config holds the authorization server configuration.
type Config struct {
	// IssuerURL is the external URL of this gateway. It is the token issuer,
	// the token audience, and the base for all advertised endpoints.
	IssuerURL string

	// Mode selects local or delegated identity resolution.
	Mode Mode

	// SessionTTL bounds a pending authorization session.
	SessionTTL time.Duration

	// CodeTTL bounds an issued authorization code.
	CodeTTL time.Duration

	// AccessTokenTTL is the access token lifetime.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the refresh token lifetime.
	RefreshTokenTTL time.Duration

	// ConfidentialClientID and ClientSecretBcryptHash optionally pin one
	// confidential client. When set, token requests for that client_id must
	// carry the matching client_secret. All other clients are treated as
	// public PKCE clients.
	ConfidentialClientID   string
	ClientSecretBcryptHash string

	// TrustProxyHeaders enables X-Forwarded-For handling for client IPs.
	TrustProxyHeaders bool

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool

	Logger *slog.Logger
}

// Validate checks the configuration for hard errors.
func (c *Config) Validate() error {
	if c.IssuerURL == "" {
		return fmt.Errorf("issuer URL is required")
	}
	parsed, err := url.Parse(c.IssuerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("issuer URL %q is not an absolute URL", c.IssuerURL)
	}
	if parsed.Scheme != "https" && !isLoopbackHost(parsed.Hostname()) {
		return fmt.Errorf("issuer URL must use https outside of loopback deployments")
	}

	switch c.Mode {
	case ModeLocal, ModeDelegated:
	case "":
		return fmt.Errorf("mode is required (local or delegated)")
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}

	if c.ConfidentialClientID != "" && c.ClientSecretBcryptHash == "" {
		return fmt.Errorf("confidential client %q configured without a secret hash", c.ConfidentialClientID)
	}

	return nil
}

// applySecureDefaults fills zero values and returns warnings for settings
// that weaken the default posture.
func (c *Config) applySecureDefaults() []string {
	var warnings []string

	if c.SessionTTL <= 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = DefaultCodeTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	if c.AccessTokenTTL > 24*time.Hour {
		warnings = append(warnings, fmt.Sprintf(
			"access token TTL of %s is unusually long for tokens that embed a platform credential", c.AccessTokenTTL))
	}
	if c.CodeTTL > time.Hour {
		warnings = append(warnings, fmt.Sprintf(
			"authorization code TTL of %s exceeds one hour", c.CodeTTL))
	}
	if !strings.HasPrefix(c.IssuerURL, "https://") {
		warnings = append(warnings, "issuer URL is not https; acceptable only for local development")
	}

	return warnings
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
