package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sokosumi/mcp-gateway/internal/config"
	"github.com/sokosumi/mcp-gateway/internal/gateway"
	"github.com/sokosumi/mcp-gateway/internal/identity"
	"github.com/sokosumi/mcp-gateway/internal/instrumentation"
	"github.com/sokosumi/mcp-gateway/internal/keys"
	"github.com/sokosumi/mcp-gateway/internal/oauth"
	"github.com/sokosumi/mcp-gateway/internal/security"
	"github.com/sokosumi/mcp-gateway/internal/server"
	"github.com/sokosumi/mcp-gateway/internal/sokosumi"
	"github.com/sokosumi/mcp-gateway/internal/storage/memory"
	"github.com/sokosumi/mcp-gateway/internal/token"
)

// PathMCP is where the protected MCP endpoint is mounted.
const PathMCP = "/mcp"

var serveJSONLogs bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP server",
	Long: `Starts the MCP gateway. Configuration is read from the environment:

  MCP_SERVER_URL            External URL of this gateway (issuer and audience)
  PORT                      Listen port (default 8000)
  AUTH_MODE                 "local" (API-key login form) or "delegated" (upstream OAuth)
  SOKOSUMI_API_BASE_URL     Sokosumi platform API base URL
  SOKOSUMI_OAUTH_BASE_URL   Upstream identity provider base URL (delegated mode)
  OAUTH_CLIENT_ID           Client ID registered with the upstream provider
  OAUTH_CLIENT_SECRET       Client secret for the upstream provider
  OAUTH_PRIVATE_KEY         PEM-encoded RSA signing key (generated if unset)
  OAUTH_KEY_ID              Key ID published in the JWKS`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveJSONLogs, "json-logs", false, "Emit logs as JSON")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	return run(ctx, cfg, logger)
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	km := keys.NewManager(logger)
	if err := km.LoadOrGenerate(cfg.PrivateKeyPEM, cfg.KeyID); err != nil {
		return fmt.Errorf("failed to initialize signing keys: %w", err)
	}

	store := memory.New(logger)
	defer store.Close()

	tokens, err := token.NewService(cfg.ServerURL, km, store,
		token.WithAccessTokenTTL(cfg.AccessTokenTTL),
		token.WithRefreshTokenTTL(cfg.RefreshTokenTTL),
		token.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create token service: %w", err)
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    gateway.ServerName,
		ServiceVersion: version,
		Enabled:        cfg.TelemetryEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("instrumentation shutdown failed", "error", err)
		}
	}()

	if err := inst.RegisterStorageSizeCallbacks(
		func() int64 { s, _, _, _ := store.Counts(); return int64(s) },
		func() int64 { _, d, _, _ := store.Counts(); return int64(d) },
		func() int64 { _, _, c, _ := store.Counts(); return int64(c) },
		func() int64 { _, _, _, r := store.Counts(); return int64(r) },
	); err != nil {
		return fmt.Errorf("failed to register storage gauges: %w", err)
	}

	platform := sokosumi.NewClient(cfg.APIBaseURL)

	flowCfg := server.Config{
		IssuerURL:              cfg.ServerURL,
		Mode:                   server.Mode(cfg.AuthMode),
		SessionTTL:             cfg.SessionTTL,
		CodeTTL:                cfg.CodeTTL,
		AccessTokenTTL:         cfg.AccessTokenTTL,
		RefreshTokenTTL:        cfg.RefreshTokenTTL,
		ConfidentialClientID:   cfg.ConfidentialClientID,
		ClientSecretBcryptHash: cfg.ClientSecretBcryptHash,
		TrustProxyHeaders:      cfg.TrustProxyHeaders,
		AuditEnabled:           cfg.AuditEnabled,
		Logger:                 logger,
	}

	flowOpts := []server.FlowOption{
		server.WithAuditor(security.NewAuditor(logger, cfg.AuditEnabled)),
		server.WithMetrics(inst.Metrics()),
	}
	switch flowCfg.Mode {
	case server.ModeLocal:
		flowOpts = append(flowOpts, server.WithResolver(identity.NewLocalResolver(platform, logger)))
	case server.ModeDelegated:
		upstream, err := identity.NewUpstream(identity.UpstreamConfig{
			BaseURL:      cfg.UpstreamBaseURL,
			ClientID:     cfg.UpstreamClientID,
			ClientSecret: cfg.UpstreamClientSecret,
			RedirectURL:  cfg.ServerURL + oauth.PathCallback,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to configure upstream provider: %w", err)
		}
		flowOpts = append(flowOpts, server.WithDelegator(upstream))
	}

	flow, err := server.NewFlow(flowCfg, store, tokens, flowOpts...)
	if err != nil {
		return fmt.Errorf("failed to create authorization flow: %w", err)
	}

	limiter := security.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, logger)
	defer limiter.Stop()

	handler, err := oauth.NewHandler(flow, tokens, km,
		oauth.WithRateLimiter(limiter),
		oauth.WithInstrumentation(inst),
		oauth.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create OAuth handler: %w", err)
	}

	gw := gateway.New(version, platform, logger)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle(PathMCP, handler.Middleware(gw.Handler()))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening",
			"addr", cfg.ListenAddr,
			"issuer", cfg.ServerURL,
			"mode", cfg.AuthMode,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", ctx.Err())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func newLogger() *slog.Logger {
	if serveJSONLogs {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
