package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/markgate/markgate/internal/converter"
	mgmcp "github.com/markgate/markgate/internal/mcp"
	"github.com/markgate/markgate/internal/ratelimit"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
		apiKey    string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes the conversion
operations as tools for AI agents. Supports stdio (default) and HTTP transports.

Every tool call is verified against the API key given with --api-key or
MARKGATE_API_KEY and charged against the same rate limits as the HTTP API.`,
		Example: `  MARKGATE_API_KEY=... markgate mcp        # stdio mode
  markgate mcp --transport http --port 3001 --api-key ...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				apiKey = os.Getenv("MARKGATE_API_KEY")
			}
			return runMCP(cmd.Context(), transport, port, apiKey)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key the session authenticates with (default: $MARKGATE_API_KEY)")

	return cmd
}

func runMCP(ctx context.Context, transport string, port int, apiKey string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := openApp(true)
	if err != nil {
		return err
	}
	defer a.Close()
	s := a.settings

	if s.Auth.Enabled && apiKey == "" {
		return fmt.Errorf("an API key is required when authentication is enabled (use --api-key or MARKGATE_API_KEY)")
	}

	counter, err := newCounter(ctx, s.RateLimit, a.logger)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(ratelimit.PolicyFromConfig(s.RateLimit), ratelimit.Options{
		Counter: counter,
		Audit:   a.trail,
		Metrics: a.metrics,
		Logger:  a.logger,
	})
	watchConfig(limiter, a.logger)

	srv := mgmcp.NewMCPServer(mgmcp.Options{
		Auth:       a.auth,
		Limiter:    limiter,
		Converter:  converter.New(s.Converter, a.logger, a.metrics),
		ConvertCfg: s.Converter,
		Audit:      a.trail,
		Logger:     a.logger,
		Version:    versionString(),
		APIKey:     apiKey,
	})

	switch transport {
	case "stdio":
		return srv.ServeStdio()
	case "http":
		addr := fmt.Sprintf(":%d", port)
		fmt.Fprintf(os.Stderr, "MCP server listening on http://localhost%s/mcp\n", addr)
		return srv.ServeHTTP(addr)
	default:
		return fmt.Errorf("unknown transport %q (use stdio or http)", transport)
	}
}
