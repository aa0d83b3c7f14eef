// Package clock provides a small MCP server with time tools, used to
// exercise the external tool-server manager in tests and demos.
package clock

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates an MCP server exposing clock tools.
func NewServer() *server.MCPServer {
	s := server.NewMCPServer(
		"clock",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	nowTool := mcp.NewTool("now",
		mcp.WithDescription("Returns the current time in RFC 3339 format"),
		mcp.WithString("timezone",
			mcp.Description("IANA timezone name, defaults to UTC"),
		),
	)
	s.AddTool(nowTool, nowHandler)

	elapsedTool := mcp.NewTool("elapsed",
		mcp.WithDescription("Returns the duration between two RFC 3339 timestamps"),
		mcp.WithString("from", mcp.Required(), mcp.Description("Start timestamp")),
		mcp.WithString("to", mcp.Required(), mcp.Description("End timestamp")),
	)
	s.AddTool(elapsedTool, elapsedHandler)

	return s
}

func nowHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	loc := time.UTC
	args := request.GetArguments()
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("unknown timezone: %s", tz)), nil
		}
		loc = parsed
	}
	return mcp.NewToolResultText(time.Now().In(loc).Format(time.RFC3339)), nil
}

func elapsedHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	from, _ := args["from"].(string)
	to, _ := args["to"].(string)

	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid from timestamp: %v", err)), nil
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid to timestamp: %v", err)), nil
	}

	return mcp.NewToolResultText(end.Sub(start).String()), nil
}
