// Command clock-mcp runs the clock MCP server over stdio.
// This is used for testing the tool-server manager integration.
package main

import (
	"log"

	"github.com/mark3labs/mcp-go/server"

	"github.com/agentdock/agentdock/pkg/mcpserver/clock"
)

func main() {
	s := clock.NewServer()
	if err := server.ServeStdio(s); err != nil {
		log.Fatal(err)
	}
}
