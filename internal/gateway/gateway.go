// Package gateway exposes the protected MCP endpoint. The tool set is the
// diagnostic surface MCP clients use to verify their connection and
// identity; job-marketplace tools are proxied elsewhere and are not part of
// this service.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/sokosumi/mcp-gateway/internal/oauth"
	"github.com/sokosumi/mcp-gateway/internal/sokosumi"
)

// ServerName identifies the MCP server to clients.
const ServerName = "sokosumi-mcp-gateway"

// Gateway is the MCP server behind the bearer middleware.
type Gateway struct {
	mcpServer *mcpserver.MCPServer
	client    *sokosumi.Client
	logger    *slog.Logger
}

// New creates the MCP gateway with its diagnostic tools registered.
func New(version string, client *sokosumi.Client, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		client: client,
		logger: logger,
	}

	s := mcpserver.NewMCPServer(ServerName, version,
		mcpserver.WithToolCapabilities(true),
	)

	s.AddTool(mcp.NewTool("test_connection",
		mcp.WithDescription("Verify the MCP connection and authentication are working"),
	), g.handleTestConnection)

	s.AddTool(mcp.NewTool("echo",
		mcp.WithDescription("Echo a message back, for end-to-end connectivity checks"),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("Message to echo back"),
		),
	), g.handleEcho)

	s.AddTool(mcp.NewTool("whoami",
		mcp.WithDescription("Return the Sokosumi user this session is authenticated as"),
	), g.handleWhoami)

	g.mcpServer = s
	return g
}

// Handler returns the streamable HTTP transport for the MCP server. The
// request context carries the validated token claims from the bearer
// middleware; the context func forwards it into tool handlers.
func (g *Gateway) Handler() http.Handler {
	return mcpserver.NewStreamableHTTPServer(
		g.mcpServer,
		mcpserver.WithHTTPContextFunc(func(_ context.Context, r *http.Request) context.Context {
			return r.Context()
		}),
	)
}

func (g *Gateway) handleTestConnection(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := oauth.UserIDFromContext(ctx)
	if userID == "" {
		return mcp.NewToolResultError("not authenticated"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Connection OK. Authenticated as user %s.", userID)), nil
}

func (g *Gateway) handleEcho(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(message), nil
}

// handleWhoami resolves the session's credential against the platform so
// the answer reflects what Sokosumi currently thinks, not just the token
// claims.
func (g *Gateway) handleWhoami(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	credential := oauth.CredentialFromContext(ctx)
	if credential == "" {
		return mcp.NewToolResultError("not authenticated"), nil
	}

	user, err := g.client.Me(ctx, credential)
	if err != nil {
		g.logger.Warn("whoami lookup failed", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to resolve identity: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("User: %s (%s, %s)", user.Name, user.ID, user.Email)), nil
}
