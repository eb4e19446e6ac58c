package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	formatsURI = "markgate://formats"
	limitsURI  = "markgate://rate-limits"
)

// registerResources adds read-only context documents for LLM clients.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			formatsURI,
			"Supported Formats",
			mcp.WithResourceDescription("File extensions accepted for conversion."),
			mcp.WithMIMEType("application/json"),
		),
		s.handleFormatsResource,
	)

	srv.AddResource(
		mcp.NewResource(
			limitsURI,
			"Rate Limits",
			mcp.WithResourceDescription("The rate limit policy applied to tool calls."),
			mcp.WithMIMEType("application/json"),
		),
		s.handleLimitsResource,
	)
}

func (s *MCPServer) handleFormatsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(formatsURI, map[string]interface{}{
		"extensions":       s.opts.ConvertCfg.SupportedExtensions,
		"remote_backend":   s.opts.ConvertCfg.Endpoint != "",
		"max_file_size":    s.opts.ConvertCfg.MaxFileSize,
		"default_for_text": ".html",
	})
}

func (s *MCPServer) handleLimitsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	type rule struct {
		Route         string `json:"route"`
		Rate          int    `json:"rate"`
		PeriodSeconds int    `json:"period_seconds"`
	}
	out := map[string]interface{}{"enabled": false}
	if s.opts.Limiter != nil {
		p := s.opts.Limiter.Policy()
		out["enabled"] = p.Enabled
		var rules []rule
		for _, route := range []string{RouteConvertText, RouteConvertURL} {
			r := p.Resolve(route)
			rules = append(rules, rule{Route: route, Rate: r.Rate, PeriodSeconds: int(r.Period.Seconds())})
		}
		out["rules"] = rules
	}
	return jsonResource(limitsURI, out)
}

func jsonResource(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
