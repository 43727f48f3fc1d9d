package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sokosumi/mcp-gateway/internal/oauth"
	"github.com/sokosumi/mcp-gateway/internal/sokosumi"
	"github.com/sokosumi/mcp-gateway/internal/token"
)

func authedContext(credential string) context.Context {
	return oauth.ContextWithClaims(context.Background(), &token.Claims{
		UserID:     "user-123",
		Credential: credential,
	})
}

func echoRequest(message string) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = "echo"
	req.Params.Arguments = map[string]any{"message": message}
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestEcho(t *testing.T) {
	g := New("test", sokosumi.NewClient(""), nil)

	res, err := g.handleEcho(context.Background(), echoRequest("hello sokosumi"))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "hello sokosumi", resultText(t, res))
}

func TestEchoMissingMessage(t *testing.T) {
	g := New("test", sokosumi.NewClient(""), nil)

	req := mcp.CallToolRequest{}
	req.Params.Name = "echo"
	res, err := g.handleEcho(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestTestConnection(t *testing.T) {
	g := New("test", sokosumi.NewClient(""), nil)

	res, err := g.handleTestConnection(authedContext("sk-key"), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "user-123")

	// Without claims the tool reports the auth failure instead of calling out.
	res, err = g.handleTestConnection(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestWhoami(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-live-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"user-123","name":"Ada","email":"ada@example.com"}`))
	}))
	defer srv.Close()

	g := New("test", sokosumi.NewClient(srv.URL), nil)

	res, err := g.handleWhoami(authedContext("sk-live-key"), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	text := resultText(t, res)
	assert.Contains(t, text, "Ada")
	assert.Contains(t, text, "user-123")

	// A revoked credential surfaces as a tool error, not a transport error.
	res, err = g.handleWhoami(authedContext("sk-revoked"), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = g.handleWhoami(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestHandlerServesHTTP(t *testing.T) {
	g := New("test", sokosumi.NewClient(""), nil)
	assert.NotNil(t, g.Handler())
}
