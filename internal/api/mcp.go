package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/vitastack/internal/composer"
	"github.com/kalambet/vitastack/internal/profile"
	"github.com/kalambet/vitastack/internal/session"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Sessions SessionServer
	Version  string
}

// NewMCPServer creates an MCP server exposing the protocol tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := server.NewMCPServer(
		"vitastack",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("vitastack turns a health and lifestyle profile into a personalised supplement protocol."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("format_protocol_prompt",
			mcp.WithDescription("Render the protocol prompt for a profile without storing it or calling the model."),
			mcp.WithString("profile", mcp.Description("Profile as a JSON object"), mcp.Required()),
		),
		mcpFormatPrompt(),
	)

	s.AddTool(
		mcp.NewTool("generate_protocol",
			mcp.WithDescription("Store a profile and generate its supplement protocol with the configured model."),
			mcp.WithString("profile", mcp.Description("Profile as a JSON object"), mcp.Required()),
		),
		mcpGenerateProtocol(deps),
	)

	return s
}

func mcpFormatPrompt() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload, err := profileArgument(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		p, err := profile.Decode(payload)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(composer.FormatProtocolPrompt(p)), nil
	}
}

func mcpGenerateProtocol(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Sessions == nil {
			return mcpError("generation not available: no model configured"), nil
		}
		payload, err := profileArgument(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		buf := session.NewBuffer(payload)
		res := deps.Sessions.Serve(ctx, buf)
		if res.State != session.StateDone {
			msg := fmt.Sprintf("generation failed (%s): %v", res.Status, res.Err)
			if partial := buf.Text(); partial != "" {
				msg += "\n\npartial output:\n" + partial
			}
			return mcpError(msg), nil
		}
		return mcpText(buf.Text()), nil
	}
}

// profileArgument accepts the profile either as a JSON string or as an
// already-decoded object.
func profileArgument(req mcp.CallToolRequest) ([]byte, error) {
	raw, ok := req.GetArguments()["profile"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("profile is required")
	}
	if s, ok := raw.(string); ok {
		return []byte(s), nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding profile: %w", err)
	}
	return b, nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
