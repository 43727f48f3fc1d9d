package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const (
	// upstreamExchangeTimeout bounds the code exchange and profile fetch
	// against the upstream provider.
	upstreamExchangeTimeout = 30 * time.Second

	defaultAuthorizePath = "/auth/oauth2/authorize"
	defaultTokenPath     = "/auth/oauth2/token"
	defaultUserInfoPath  = "/auth/oauth2/userinfo"
)

// DefaultUpstreamScopes is the scope set requested from the upstream
// Sokosumi identity provider.
var DefaultUpstreamScopes = []string{"openid", "profile", "email"}

// UpstreamConfig configures the delegated resolver.
type UpstreamConfig struct {
	// BaseURL of the upstream identity provider, e.g. https://app.sokosumi.com.
	BaseURL string

	ClientID     string
	ClientSecret string

	// RedirectURL is this gateway's /oauth/callback endpoint.
	RedirectURL string

	// Scopes defaults to DefaultUpstreamScopes.
	Scopes []string

	// Endpoint path overrides. Defaults match the Sokosumi provider.
	AuthorizePath string
	TokenPath     string
	UserInfoPath  string
}

// upstreamProfile is the subset of the userinfo response the gateway needs.
type upstreamProfile struct {
	Sub   string `json:"sub"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Upstream runs the nested authorization-code flow against the Sokosumi
// identity provider. Each gateway flow uses its own server-side PKCE pair;
// the client's PKCE binding never crosses the upstream boundary.
type Upstream struct {
	baseURL     string
	config      *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

var _ Delegator = (*Upstream)(nil)

// NewUpstream creates the delegated resolver.
func NewUpstream(cfg UpstreamConfig, logger *slog.Logger) (*Upstream, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("upstream base URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("upstream client ID is required")
	}
	if cfg.RedirectURL == "" {
		return nil, fmt.Errorf("upstream redirect URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	authorizePath := cfg.AuthorizePath
	if authorizePath == "" {
		authorizePath = defaultAuthorizePath
	}
	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		tokenPath = defaultTokenPath
	}
	userInfoPath := cfg.UserInfoPath
	if userInfoPath == "" {
		userInfoPath = defaultUserInfoPath
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultUpstreamScopes
	}

	return &Upstream{
		baseURL: base,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  base + authorizePath,
				TokenURL: base + tokenPath,
			},
		},
		userInfoURL: base + userInfoPath,
		httpClient:  &http.Client{Timeout: upstreamExchangeTimeout},
		logger:      logger,
	}, nil
}

// BaseURL returns the upstream provider's base URL.
func (u *Upstream) BaseURL() string {
	return u.baseURL
}

// AuthorizationURL builds the upstream authorization redirect.
func (u *Upstream) AuthorizationURL(state, codeChallenge string) string {
	return u.config.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", codeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange redeems the upstream code and fetches the user profile.
func (u *Upstream) Exchange(ctx context.Context, code, codeVerifier string) (*Identity, error) {
	ctx, cancel := u.ensureContextTimeout(ctx)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, u.httpClient)

	tok, err := u.config.Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, fmt.Errorf("upstream code exchange failed: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("upstream token response missing access token")
	}

	profile, err := u.fetchProfile(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	userID := profile.Sub
	if userID == "" {
		userID = profile.ID
	}
	if userID == "" {
		return nil, fmt.Errorf("upstream profile missing subject")
	}

	u.logger.Debug("Resolved upstream identity", "user_id", userID)
	return &Identity{
		UserID:     userID,
		Name:       profile.Name,
		Email:      profile.Email,
		Credential: tok.AccessToken,
	}, nil
}

func (u *Upstream) fetchProfile(ctx context.Context, accessToken string) (*upstreamProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("userinfo request returned status %d: %s", resp.StatusCode, string(body))
	}

	var profile upstreamProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	return &profile, nil
}

// ensureContextTimeout adds the exchange deadline unless the caller already
// set a tighter one.
func (u *Upstream) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, upstreamExchangeTimeout)
}
