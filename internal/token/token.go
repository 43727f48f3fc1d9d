// Package token issues and validates the gateway's tokens. Access tokens
// are RS256-signed JWTs whose audience and issuer are both the gateway URL;
// refresh tokens are opaque handles that rotate on every use.
//
// Access tokens carry the resolved Sokosumi credential in a private
// "credential" claim so the gateway can call the platform on behalf of the
// user without keeping server-side token state. The claim is as sensitive
// as the credential itself: it never appears in logs, and tokens are
// short-lived to bound the exposure.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/sokosumi/mcp-gateway/internal/identity"
	"github.com/sokosumi/mcp-gateway/internal/keys"
	"github.com/sokosumi/mcp-gateway/internal/storage"
	"github.com/sokosumi/mcp-gateway/internal/util"
)

const (
	// DefaultAccessTokenTTL is the access token lifetime.
	DefaultAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is the refresh token lifetime.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// TokenTypeBearer is the token_type in token responses.
	TokenTypeBearer = "Bearer"
)

var (
	// ErrTokenExpired indicates a well-formed, correctly signed token whose
	// lifetime has passed. Resource handlers use this to tell clients to
	// refresh rather than restart authorization.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenInvalid covers every other validation failure: bad signature,
	// wrong audience or issuer, missing claims, malformed input.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrRefreshInvalid indicates an unknown, expired, or already-consumed
	// refresh token.
	ErrRefreshInvalid = errors.New("refresh token invalid")
)

// requiredClaims must all be present for a token to validate.
var requiredClaims = []string{"exp", "iat", "sub", "aud", "iss"}

// Pair is the result of token issuance, shaped for the token endpoint
// response.
type Pair struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string
}

// Claims is the validated view of an access token.
type Claims struct {
	UserID     string
	Scope      string
	ClientID   string
	Credential string
	ExpiresAt  time.Time
}

// Service issues and validates tokens.
type Service struct {
	issuer     string
	keys       *keys.Manager
	refresh    storage.RefreshStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithAccessTokenTTL overrides the access token lifetime.
func WithAccessTokenTTL(ttl time.Duration) Option {
	return func(s *Service) { s.accessTTL = ttl }
}

// WithRefreshTokenTTL overrides the refresh token lifetime.
func WithRefreshTokenTTL(ttl time.Duration) Option {
	return func(s *Service) { s.refreshTTL = ttl }
}

// WithTimeFunc overrides the clock, for tests.
func WithTimeFunc(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a token service. The issuer is the gateway's external
// URL; it doubles as the token audience.
func NewService(issuer string, km *keys.Manager, refresh storage.RefreshStore, opts ...Option) (*Service, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if km == nil {
		return nil, fmt.Errorf("key manager is required")
	}
	if refresh == nil {
		return nil, fmt.Errorf("refresh store is required")
	}

	s := &Service{
		issuer:     util.NormalizeURL(issuer),
		keys:       km,
		refresh:    refresh,
		accessTTL:  DefaultAccessTokenTTL,
		refreshTTL: DefaultRefreshTokenTTL,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issuer returns the normalized issuer URL.
func (s *Service) Issuer() string {
	return s.issuer
}

// AccessTokenTTL returns the configured access token lifetime.
func (s *Service) AccessTokenTTL() time.Duration {
	return s.accessTTL
}

// IssueAccess signs an access token for the identity.
func (s *Service) IssueAccess(ident *identity.Identity, scope, clientID string) (string, error) {
	pair, err := s.keys.Current()
	if err != nil {
		return "", fmt.Errorf("no signing key available: %w", err)
	}

	now := s.now()
	claims := jwt.MapClaims{
		"iss":        s.issuer,
		"sub":        ident.UserID,
		"aud":        s.issuer,
		"exp":        now.Add(s.accessTTL).Unix(),
		"iat":        now.Unix(),
		"nbf":        now.Unix(),
		"jti":        uuid.New().String(),
		"scope":      scope,
		"client_id":  clientID,
		"credential": ident.Credential,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = pair.KeyID

	signed, err := tok.SignedString(pair.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// IssuePair issues an access token plus a fresh refresh token.
func (s *Service) IssuePair(ctx context.Context, ident *identity.Identity, scope, clientID string) (*Pair, error) {
	access, err := s.IssueAccess(ident, scope, clientID)
	if err != nil {
		return nil, err
	}

	refreshHandle := oauth2.GenerateVerifier()
	now := s.now()
	if err := s.refresh.PutRefreshToken(ctx, &storage.RefreshToken{
		Token:      refreshHandle,
		UserID:     ident.UserID,
		Credential: ident.Credential,
		Scope:      scope,
		ClientID:   clientID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.refreshTTL),
	}); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	s.logger.Debug("Issued token pair",
		"user_id", ident.UserID,
		"client_id", clientID,
		"refresh_prefix", util.SafeTruncate(refreshHandle, 8))

	return &Pair{
		AccessToken:  access,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		RefreshToken: refreshHandle,
		Scope:        scope,
	}, nil
}

// Refresh consumes the presented refresh token and issues a replacement
// pair. The presented handle is invalid from the moment this returns,
// whether or not issuance succeeded.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	record, err := s.refresh.PopRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrRefreshInvalid
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	ident := &identity.Identity{
		UserID:     record.UserID,
		Credential: record.Credential,
	}
	return s.IssuePair(ctx, ident, record.Scope, record.ClientID)
}

// ValidateAccess verifies an access token's signature, lifetime, audience,
// issuer, and required claims. Expired-but-otherwise-valid tokens map to
// ErrTokenExpired; every other failure maps to ErrTokenInvalid.
func (s *Service) ValidateAccess(tokenString string) (*Claims, error) {
	pair, err := s.keys.Current()
	if err != nil {
		return nil, fmt.Errorf("no verification key available: %w", err)
	}

	parsed, err := jwt.Parse(tokenString,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return pair.PublicKey(), nil
		},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrTokenInvalid
	}
	for _, name := range requiredClaims {
		if _, present := claims[name]; !present {
			return nil, fmt.Errorf("%w: missing %s claim", ErrTokenInvalid, name)
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: empty subject", ErrTokenInvalid)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: bad exp claim", ErrTokenInvalid)
	}

	scope, _ := claims["scope"].(string)
	clientID, _ := claims["client_id"].(string)
	credential, _ := claims["credential"].(string)

	return &Claims{
		UserID:     sub,
		Scope:      scope,
		ClientID:   clientID,
		Credential: credential,
		ExpiresAt:  exp.Time,
	}, nil
}
