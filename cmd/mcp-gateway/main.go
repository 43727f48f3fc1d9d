// Command mcp-gateway runs the Sokosumi remote MCP gateway: an MCP server
// behind an embedded OAuth 2.1 authorization server.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is injected at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:          "mcp-gateway",
	Short:        "Remote MCP gateway for the Sokosumi platform",
	Long:         "mcp-gateway serves the Sokosumi MCP endpoint over streamable HTTP,\nprotected by an embedded OAuth 2.1 authorization server with PKCE.",
	SilenceUsage: true,
}

func main() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
