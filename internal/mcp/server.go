package mcp

import (
	"context"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/markgate/markgate/internal/audit"
	"github.com/markgate/markgate/internal/config"
	"github.com/markgate/markgate/internal/converter"
	"github.com/markgate/markgate/internal/model"
	"github.com/markgate/markgate/internal/ratelimit"
	"github.com/markgate/markgate/internal/service"
)

// Origin is the audit and rate limit origin for MCP sessions.
const Origin = "mcp"

// Options wires an MCPServer to the admission and conversion layers.
type Options struct {
	Auth       *service.AuthService
	Limiter    *ratelimit.Limiter
	Converter  converter.Converter
	ConvertCfg config.ConverterConfig
	Audit      audit.Recorder
	Logger     *slog.Logger
	Version    string

	// APIKey is the secret the session presents. It is verified on every
	// tool call so rotation and deactivation take effect immediately.
	APIKey string
}

// MCPServer wraps the mcp-go server with the markgate conversion tools. Each
// tool call passes the same credential verification and rate limiting as
// the HTTP API.
type MCPServer struct {
	opts    Options
	fetcher *converter.Fetcher
	logger  *slog.Logger
	server  *server.MCPServer
}

// NewMCPServer creates an MCPServer pre-loaded with the conversion tools and
// resources. The returned server is ready to serve over stdio or HTTP.
func NewMCPServer(opts Options) *MCPServer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &MCPServer{
		opts:    opts,
		fetcher: converter.NewFetcher(opts.ConvertCfg.FetchTimeout, opts.ConvertCfg.UserAgent, opts.ConvertCfg.MaxFileSize),
		logger:  opts.Logger.With("component", "mcp"),
	}

	mcpServer := server.NewMCPServer(
		"markgate",
		opts.Version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode, the integration path for
// clients that launch the server as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the MCP server in Streamable HTTP mode, listening on
// the given address (e.g. ":3001").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

// admit verifies the session credential and charges one request against the
// limiter under route. A nil result means the call may proceed; otherwise
// it is the tool error to return.
func (s *MCPServer) admit(ctx context.Context, route string) (context.Context, string, *mcp.CallToolResult) {
	ctx = audit.WithSource(ctx, audit.Source{Origin: Origin, Route: route})

	var credID string
	if s.opts.Auth != nil {
		cred, err := s.opts.Auth.VerifyCredential(ctx, s.opts.APIKey)
		if err != nil {
			return ctx, "", mcp.NewToolResultError("authentication failed: check the --api-key credential")
		}
		if cred != nil {
			credID = cred.ID
		}
	}

	if s.opts.Limiter != nil {
		d := s.opts.Limiter.Check(ctx, ratelimit.Caller{CredentialID: credID, Origin: Origin}, route)
		if !d.Allowed {
			res, _ := toolError("rate limit exceeded: %d requests per %s, remaining 0, resets at %s, retry in %d seconds",
				d.Limit, d.Rule.Period, d.ResetAt.UTC().Format(time.RFC3339), d.RetryAfterSeconds())
			return ctx, credID, res
		}
	}
	return ctx, credID, nil
}

func (s *MCPServer) record(ctx context.Context, action model.AuditAction, actorID string, err error, detail map[string]interface{}) {
	outcome := model.OutcomeSuccess
	if err != nil {
		outcome = model.OutcomeFailure
		detail["error"] = err.Error()
	}
	s.opts.Audit.Record(ctx, action, actorID, outcome, detail)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
