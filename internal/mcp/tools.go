package mcp

import (
	"bytes"
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/markgate/markgate/internal/converter"
	"github.com/markgate/markgate/internal/model"
)

// Rate limit routes for tool calls. They share the limiter with the HTTP
// API but have their own windows.
const (
	RouteConvertText = "mcp:convert_text"
	RouteConvertURL  = "mcp:convert_url"
)

// registerTools registers the conversion tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {
	srv.AddTool(
		mcp.NewTool("markgate_convert_text",
			mcp.WithDescription(
				"Convert inline content to markdown. HTML is assumed unless a type "+
					"such as csv, json, xml or txt is given.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("The content to convert"),
			),
			mcp.WithString("type",
				mcp.Description("Format of content, e.g. \"html\" or \".csv\" (default html)"),
			),
		),
		s.handleConvertText,
	)

	srv.AddTool(
		mcp.NewTool("markgate_convert_url",
			mcp.WithDescription(
				"Fetch a web page or document over HTTP(S) and convert it to markdown.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("url",
				mcp.Required(),
				mcp.Description("http or https URL to fetch"),
			),
		),
		s.handleConvertURL,
	)
}

func (s *MCPServer) handleConvertText(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := requireString(request, "content")
	if err != nil || strings.TrimSpace(content) == "" {
		return toolError("content is required")
	}
	hint := converter.NormalizeHint(optionalString(request, "type"))
	if hint == "" {
		hint = ".html"
	}

	ctx, credID, denied := s.admit(ctx, RouteConvertText)
	if denied != nil {
		return denied, nil
	}

	out, err := s.opts.Converter.Convert(ctx, strings.NewReader(content), hint, "")
	s.record(ctx, model.ActionConvertText, credID, err, map[string]interface{}{
		"length": len(content),
		"type":   hint,
	})
	if err != nil {
		return toolError("conversion failed: %v", err)
	}
	return mcp.NewToolResultText(out), nil
}

func (s *MCPServer) handleConvertURL(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rawURL, err := requireString(request, "url")
	if err != nil {
		return toolError("%v", err)
	}

	ctx, credID, denied := s.admit(ctx, RouteConvertURL)
	if denied != nil {
		return denied, nil
	}

	var out string
	doc, err := s.fetcher.Fetch(ctx, rawURL)
	if err == nil {
		out, err = s.opts.Converter.Convert(ctx, bytes.NewReader(doc.Body), doc.TypeHint, doc.URL)
	}
	s.record(ctx, model.ActionConvertURL, credID, err, map[string]interface{}{
		"url": rawURL,
	})
	if err != nil {
		return toolError("conversion failed: %v", err)
	}
	return mcp.NewToolResultText(out), nil
}
