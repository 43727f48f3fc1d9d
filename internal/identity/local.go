package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sokosumi/mcp-gateway/internal/sokosumi"
)

// LocalResolver verifies Sokosumi API keys against the platform identity
// endpoint. The key itself becomes the credential embedded in issued tokens.
type LocalResolver struct {
	client *sokosumi.Client
	logger *slog.Logger
}

var _ CredentialResolver = (*LocalResolver)(nil)

// NewLocalResolver creates a resolver backed by the given platform client.
func NewLocalResolver(client *sokosumi.Client, logger *slog.Logger) *LocalResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalResolver{client: client, logger: logger}
}

// ResolveCredential verifies the API key. A rejection by the platform maps
// to ErrInvalidCredential so callers can distinguish a bad key from a
// platform outage.
func (r *LocalResolver) ResolveCredential(ctx context.Context, credential string) (*Identity, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}

	user, err := r.client.Me(ctx, credential)
	if err != nil {
		if errors.Is(err, sokosumi.ErrUnauthorized) {
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("failed to verify api key: %w", err)
	}

	r.logger.Debug("Resolved local credential", "user_id", user.ID)
	return &Identity{
		UserID:     user.ID,
		Name:       user.Name,
		Email:      user.Email,
		Credential: credential,
	}, nil
}
